package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/config"
	"github.com/scalarorg/settlement-relayer/pkg/chains"
	"github.com/scalarorg/settlement-relayer/pkg/types"
)

// EvmClient submits settlements to the vault contract on an EVM chain.
type EvmClient struct {
	config       *config.DestinationConfig
	Client       *ethclient.Client
	VaultAddress common.Address
	vaultOwner   common.Address
	vault        Vault
	auth         *bind.TransactOpts
	// txMu serializes nonce assignment across concurrent settlements
	txMu      sync.Mutex
	nextNonce *uint64
}

var _ chains.DestinationChain = (*EvmClient)(nil)

func NewEvmClient(ctx context.Context, cfg *config.DestinationConfig) (*EvmClient, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, types.ConfigError(fmt.Sprintf("invalid vault contract address %s", cfg.ContractAddress), nil)
	}
	auth, err := CreateTransactOpts(cfg)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCUrl)
	if err != nil {
		return nil, types.NetworkError(fmt.Sprintf("failed to connect to %s", cfg.ChainName), err)
	}
	vaultAddress := common.HexToAddress(cfg.ContractAddress)
	vault, err := NewBoundVault(vaultAddress, client)
	if err != nil {
		client.Close()
		return nil, types.ConfigError("failed to bind vault contract", err)
	}
	evmClient, err := NewEvmClientWithVault(cfg, vault, auth)
	if err != nil {
		client.Close()
		return nil, err
	}
	evmClient.Client = client
	log.Info().Str("chain", cfg.ChainName).Str("vault", vaultAddress.Hex()).Str("relayer", auth.From.Hex()).
		Msg("[EvmClient] [NewEvmClient] connected to destination chain")
	return evmClient, nil
}

func NewEvmClientWithVault(cfg *config.DestinationConfig, vault Vault, auth *bind.TransactOpts) (*EvmClient, error) {
	if !common.IsHexAddress(cfg.VaultOwner) {
		return nil, types.ConfigError(fmt.Sprintf("invalid vault owner address %s", cfg.VaultOwner), nil)
	}
	if auth == nil {
		return nil, types.ConfigError("transact opts are not set", nil)
	}
	return &EvmClient{
		config:       cfg,
		VaultAddress: common.HexToAddress(cfg.ContractAddress),
		vaultOwner:   common.HexToAddress(cfg.VaultOwner),
		vault:        vault,
		auth:         auth,
	}, nil
}

func CreateTransactOpts(cfg *config.DestinationConfig) (*bind.TransactOpts, error) {
	key, err := cfg.ResolvePrivateKey()
	if err != nil {
		return nil, types.ConfigError(fmt.Sprintf("private key is not set for network %s", cfg.ChainName), err)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, types.ConfigError(fmt.Sprintf("failed to parse private key for network %s", cfg.ChainName), err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, new(big.Int).SetUint64(cfg.ChainID))
	if err != nil {
		return nil, types.ConfigError(fmt.Sprintf("failed to create auth for network %s", cfg.ChainName), err)
	}
	auth.GasLimit = cfg.GasLimit
	if cfg.GasUnitPrice > 0 {
		auth.GasPrice = gweiToWei(cfg.GasUnitPrice)
	}
	return auth, nil
}

func (ec *EvmClient) Name() string {
	return ec.config.ChainName
}

func (ec *EvmClient) RelayerAddress() common.Address {
	return ec.auth.From
}

// SubmitSettlement performs one settle attempt. A non-nil error always comes with a Failed result.
func (ec *EvmClient) SubmitSettlement(ctx context.Context, instr *types.SettlementInstruction) (*types.SettlementResult, error) {
	if err := instr.Validate(); err != nil {
		return types.NewFailedResult(instr.ID, err), err
	}
	if !common.IsHexAddress(instr.Receiver) {
		err := types.InvalidInstruction(fmt.Errorf("%w: %s", types.ErrInvalidReceiverFormat, instr.Receiver))
		return types.NewFailedResult(instr.ID, err), err
	}
	if ec.IsSettlementProcessed(ctx, instr.SourceTxHash) {
		err := types.AlreadyProcessed(instr.SourceTxHash)
		return types.NewFailedResult(instr.ID, err), err
	}
	if ec.config.CheckBalance {
		balance, err := ec.vault.GetVaultBalance(ctx, ec.vaultOwner)
		if err != nil {
			log.Warn().Err(err).Str("sourceTxHash", instr.SourceTxHash).
				Msg("[EvmClient] [SubmitSettlement] cannot read vault balance, submitting anyway")
		} else if balance < instr.Amount {
			err := types.InsufficientBalance(instr.Amount, balance)
			return types.NewFailedResult(instr.ID, err), err
		}
	}

	tx, err := ec.sendSettle(ctx, settleArgs{
		vaultOwner:   ec.vaultOwner,
		sourceTxHash: instr.SourceTxHash,
		receiver:     common.HexToAddress(instr.Receiver),
		amount:       instr.Amount,
		nonce:        instr.Nonce,
		timestamp:    uint64(time.Now().UnixMicro()),
	})
	if err != nil {
		classified := classifySubmitError(instr.SourceTxHash, err)
		log.Error().Err(err).Str("sourceTxHash", instr.SourceTxHash).
			Msg("[EvmClient] [SubmitSettlement] failed to send settle transaction")
		return types.NewFailedResult(instr.ID, classified), classified
	}
	txHash := tx.Hash().Hex()
	log.Info().Str("sourceTxHash", instr.SourceTxHash).Str("txHash", txHash).
		Msg("[EvmClient] [SubmitSettlement] settle transaction sent")

	waitCtx, cancel := context.WithTimeout(ctx, ec.config.TxTimeout)
	defer cancel()
	receipt, err := ec.vault.WaitMined(waitCtx, tx)
	if err != nil {
		var waitErr error
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			waitErr = types.TimeoutError(fmt.Sprintf("transaction %s not confirmed within %s", txHash, ec.config.TxTimeout), err)
		} else {
			waitErr = types.NetworkError(fmt.Sprintf("failed waiting for transaction %s", txHash), err)
		}
		result := types.NewFailedResult(instr.ID, waitErr)
		result.DestinationTxHash = &txHash
		return result, waitErr
	}
	gasUsed := receipt.GasUsed
	if receipt.Status != ethTypes.ReceiptStatusSuccessful {
		failErr := types.ChainError("settlement transaction reverted", types.TransactionFailed(txHash))
		result := types.NewFailedResult(instr.ID, failErr)
		result.DestinationTxHash = &txHash
		result.GasUsed = &gasUsed
		return result, failErr
	}
	if settled, err := FindSettledEvent(receipt.Logs, ec.VaultAddress, instr.SourceTxHash); err != nil {
		log.Warn().Err(err).Str("txHash", txHash).Msg("[EvmClient] [SubmitSettlement] receipt has no matching Settled event")
	} else if settled.Amount != instr.Amount || settled.Nonce != instr.Nonce {
		log.Warn().Uint64("eventAmount", settled.Amount).Uint64("amount", instr.Amount).Str("txHash", txHash).
			Msg("[EvmClient] [SubmitSettlement] Settled event does not match the instruction")
	}
	log.Info().Str("sourceTxHash", instr.SourceTxHash).Str("txHash", txHash).Uint64("gasUsed", gasUsed).
		Msg("[EvmClient] [SubmitSettlement] settlement confirmed")
	return types.NewSuccessResult(instr.ID, txHash, gasUsed), nil
}

func (ec *EvmClient) sendSettle(ctx context.Context, args settleArgs) (*ethTypes.Transaction, error) {
	ec.txMu.Lock()
	defer ec.txMu.Unlock()
	if ec.nextNonce == nil {
		nonce, err := ec.vault.PendingNonceAt(ctx, ec.auth.From)
		if err != nil {
			return nil, err
		}
		ec.nextNonce = &nonce
	}
	opts := *ec.auth
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(*ec.nextNonce)
	tx, err := ec.vault.Settle(&opts, args.vaultOwner, args.sourceTxHash, args.receiver, args.amount, args.nonce, args.timestamp)
	if err != nil {
		// refetch from the node on the next attempt
		ec.nextNonce = nil
		return nil, err
	}
	next := tx.Nonce() + 1
	ec.nextNonce = &next
	return tx, nil
}

// IsSettlementProcessed reports false when the vault cannot be queried.
func (ec *EvmClient) IsSettlementProcessed(ctx context.Context, sourceTxHash string) bool {
	settled, err := ec.vault.IsSettled(ctx, ec.vaultOwner, sourceTxHash)
	if err != nil {
		log.Warn().Err(err).Str("sourceTxHash", sourceTxHash).Msg("[EvmClient] [IsSettlementProcessed] query failed")
		return false
	}
	return settled
}

func (ec *EvmClient) GetVaultBalance(ctx context.Context) uint64 {
	balance, err := ec.vault.GetVaultBalance(ctx, ec.vaultOwner)
	if err != nil {
		log.Warn().Err(err).Msg("[EvmClient] [GetVaultBalance] query failed")
		return 0
	}
	return balance
}

func (ec *EvmClient) GetTotalSettled(ctx context.Context) uint64 {
	total, err := ec.vault.GetTotalSettled(ctx, ec.vaultOwner)
	if err != nil {
		log.Warn().Err(err).Msg("[EvmClient] [GetTotalSettled] query failed")
		return 0
	}
	return total
}

func (ec *EvmClient) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, HEALTH_CHECK_TIMEOUT)
	defer cancel()
	if _, err := ec.vault.BlockNumber(ctx); err != nil {
		log.Warn().Err(err).Str("chain", ec.config.ChainName).Msg("[EvmClient] [CheckHealth] node unreachable")
		return false
	}
	return true
}

func (ec *EvmClient) Close() {
	if ec.Client != nil {
		ec.Client.Close()
	}
}
