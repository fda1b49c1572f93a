package config

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"golang.org/x/crypto/sha3"
)

// ResolvePrivateKey returns the hex encoded signing key (without 0x) for the destination chain.
// Priority: private_key, mnemonic + wallet_index, encrypted_key + key_nonce.
func (c *DestinationConfig) ResolvePrivateKey() (string, error) {
	if c.PrivateKey != "" {
		return strings.TrimPrefix(c.PrivateKey, "0x"), nil
	}
	if c.Mnemonic != "" {
		return privateKeyFromMnemonic(c.Mnemonic, c.WalletIndex)
	}
	if c.EncryptedKey != "" {
		encrypted, err := base64.StdEncoding.DecodeString(c.EncryptedKey)
		if err != nil {
			return "", fmt.Errorf("failed to decode encrypted key: %w", err)
		}
		nonce, err := base64.StdEncoding.DecodeString(c.KeyNonce)
		if err != nil {
			return "", fmt.Errorf("failed to decode key nonce: %w", err)
		}
		hash := sha3.Sum256([]byte(APP_NAME))
		decrypted, err := AESGCMDecrypt(hash[:], nonce, encrypted)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt key: %w", err)
		}
		return strings.TrimPrefix(strings.TrimSpace(string(decrypted)), "0x"), nil
	}
	return "", ErrMissingCredential
}

func privateKeyFromMnemonic(mnemonic string, walletIndex string) (string, error) {
	if walletIndex == "" {
		walletIndex = "0"
	}
	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return "", fmt.Errorf("failed to create wallet from mnemonic: %w", err)
	}
	path, err := hdwallet.ParseDerivationPath(fmt.Sprintf("m/44'/60'/0'/0/%s", walletIndex))
	if err != nil {
		return "", fmt.Errorf("invalid wallet index %s: %w", walletIndex, err)
	}
	account, err := wallet.Derive(path, false)
	if err != nil {
		return "", fmt.Errorf("failed to derive account: %w", err)
	}
	privateKeyECDSA, err := wallet.PrivateKey(account)
	if err != nil {
		return "", fmt.Errorf("failed to get private key: %w", err)
	}
	return hex.EncodeToString(crypto.FromECDSA(privateKeyECDSA)), nil
}

func AESGCMEncrypt(key, nonce, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", gcm.NonceSize())
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func AESGCMDecrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", gcm.NonceSize())
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
