package intent

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/scalarorg/settlement-relayer/pkg/types"
)

const PROTOCOL_VERSION uint8 = 1

var (
	ErrMissingSignature = errors.New("intent is not signed")
	ErrInvalidSignature = errors.New("intent signature does not verify")
	ErrExpired          = errors.New("intent has expired")
	ErrInvalidPublicKey = errors.New("invalid ed25519 public key")
)

// SettlementIntent is an off-chain, signed request to settle funds on the destination chain.
// Field order defines the signed payload and must not change.
type SettlementIntent struct {
	ProtocolVersion  uint8   `json:"protocol_version"`
	IntentID         string  `json:"intent_id"`
	SourceChain      string  `json:"source_chain"`
	DestinationChain string  `json:"destination_chain"`
	Sender           string  `json:"sender"`
	Receiver         string  `json:"receiver"`
	Asset            string  `json:"asset"`
	Amount           uint64  `json:"amount"`
	Nonce            uint64  `json:"nonce"`
	Timestamp        uint64  `json:"timestamp"`
	Expiry           uint64  `json:"expiry"`
	Signature        *string `json:"signature"`
}

func NewSettlementIntent(sourceChain, destinationChain, sender, receiver string, amount, nonce uint64, ttl time.Duration) *SettlementIntent {
	now := time.Now().UTC()
	return &SettlementIntent{
		ProtocolVersion:  PROTOCOL_VERSION,
		IntentID:         uuid.NewString(),
		SourceChain:      sourceChain,
		DestinationChain: destinationChain,
		Sender:           sender,
		Receiver:         receiver,
		Asset:            types.USDC_SYMBOL,
		Amount:           amount,
		Nonce:            nonce,
		Timestamp:        uint64(now.Unix()),
		Expiry:           uint64(now.Add(ttl).Unix()),
	}
}

// Canonical returns the bytes that are signed: the JSON encoding with a null signature.
func (i *SettlementIntent) Canonical() ([]byte, error) {
	stripped := *i
	stripped.Signature = nil
	data, err := json.Marshal(&stripped)
	if err != nil {
		return nil, types.SerializationError("failed to serialize intent", err)
	}
	return data, nil
}

// Sign sets the base64 ed25519 signature on the intent and returns it.
func Sign(i *SettlementIntent, key ed25519.PrivateKey) (string, error) {
	data, err := i.Canonical()
	if err != nil {
		return "", err
	}
	signature := base64.StdEncoding.EncodeToString(ed25519.Sign(key, data))
	i.Signature = &signature
	return signature, nil
}

// Verify returns false when the signature is missing, malformed or does not match.
func Verify(i *SettlementIntent, publicKey ed25519.PublicKey) bool {
	return VerifyErr(i, publicKey) == nil
}

func VerifyErr(i *SettlementIntent, publicKey ed25519.PublicKey) error {
	if i.Signature == nil || *i.Signature == "" {
		return ErrMissingSignature
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}
	signature, err := base64.StdEncoding.DecodeString(*i.Signature)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	data, err := i.Canonical()
	if err != nil {
		return err
	}
	if !ed25519.Verify(publicKey, data, signature) {
		return ErrInvalidSignature
	}
	return nil
}

func (i *SettlementIntent) IsExpired(now time.Time) bool {
	return i.Expiry > 0 && uint64(now.Unix()) > i.Expiry
}

// ToInstruction converts a verified, unexpired intent. The intent id becomes the source tx hash.
func (i *SettlementIntent) ToInstruction(publicKey ed25519.PublicKey, now time.Time) (*types.SettlementInstruction, error) {
	if err := VerifyErr(i, publicKey); err != nil {
		return nil, types.InvalidInstruction(err)
	}
	if i.IsExpired(now) {
		return nil, types.InvalidInstruction(fmt.Errorf("%w: expiry %d", ErrExpired, i.Expiry))
	}
	instr := types.NewSettlementInstruction(i.SourceChain, i.IntentID, i.DestinationChain,
		i.Sender, i.Receiver, i.Amount, i.Nonce)
	if i.Asset != "" {
		instr.TokenSymbol = i.Asset
	}
	if i.Timestamp > 0 {
		instr.Timestamp = time.Unix(int64(i.Timestamp), 0).UTC()
	}
	payload, err := json.Marshal(i)
	if err != nil {
		return nil, types.SerializationError("failed to serialize intent", err)
	}
	instr.Payload = payload
	if err := instr.Validate(); err != nil {
		return nil, err
	}
	return instr, nil
}

// ParsePublicKey accepts a hex (optionally 0x prefixed) or base64 encoded ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if raw, err := hex.DecodeString(strings.TrimPrefix(encoded, "0x")); err == nil && len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	return nil, types.ConfigError("intent public key", ErrInvalidPublicKey)
}
