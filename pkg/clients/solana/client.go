package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/config"
	"github.com/scalarorg/settlement-relayer/pkg/chains"
	"github.com/scalarorg/settlement-relayer/pkg/types"
	"golang.org/x/time/rate"
)

type SolanaClient struct {
	config           *config.SolanaConfig
	rpcClient        RpcClient
	programID        solana.PublicKey
	destinationChain string
	checkpoints      CheckpointStore
	limiter          *rate.Limiter
	commitment       rpc.CommitmentType

	failureBackoff  time.Duration
	failureCooldown time.Duration
}

var _ chains.SourceChain = (*SolanaClient)(nil)

func NewSolanaClient(cfg *config.SolanaConfig, destinationChain string, checkpoints CheckpointStore) (*SolanaClient, error) {
	return NewSolanaClientWithRpc(cfg, rpc.New(cfg.RPCUrl), destinationChain, checkpoints)
}

func NewSolanaClientWithRpc(cfg *config.SolanaConfig, rpcClient RpcClient, destinationChain string, checkpoints CheckpointStore) (*SolanaClient, error) {
	programID, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, types.ConfigError(fmt.Sprintf("invalid solana program id %s", cfg.ProgramID), err)
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	commitment := rpc.CommitmentType(cfg.Commitment)
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &SolanaClient{
		config:           cfg,
		rpcClient:        rpcClient,
		programID:        programID,
		destinationChain: destinationChain,
		checkpoints:      checkpoints,
		limiter:          rate.NewLimiter(limit, 1),
		commitment:       commitment,
		failureBackoff:   FAILURE_BACKOFF,
		failureCooldown:  FAILURE_COOLDOWN,
	}, nil
}

func (c *SolanaClient) Name() string {
	return types.CHAIN_SOLANA
}

func (c *SolanaClient) GetLatestCursor(ctx context.Context) (uint64, error) {
	slot, err := c.rpcClient.GetSlot(ctx, c.commitment)
	if err != nil {
		return 0, types.NetworkError("failed to get latest slot", err)
	}
	return slot, nil
}

// GetSettlementEvents scans (fromCursor, tip]. Without a cursor the last DEFAULT_SCAN_WINDOW slots are scanned.
// Instructions decoded before a fetch failure are returned alongside the error.
func (c *SolanaClient) GetSettlementEvents(ctx context.Context, fromCursor *uint64) ([]*types.SettlementInstruction, error) {
	tip, err := c.GetLatestCursor(ctx)
	if err != nil {
		return nil, err
	}
	from := saturatingSub(tip, DEFAULT_SCAN_WINDOW)
	if fromCursor != nil {
		from = *fromCursor
	}
	if from >= tip {
		return nil, nil
	}
	instructions, _, err := c.scanRange(ctx, from, tip)
	return instructions, err
}

// VerifyTransaction reports whether the signature is finalized without an error status.
func (c *SolanaClient) VerifyTransaction(ctx context.Context, txHash string) (bool, error) {
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return false, types.InvalidInstruction(fmt.Errorf("invalid signature %s: %w", txHash, err))
	}
	statuses, err := c.rpcClient.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, types.NetworkError("failed to get signature status", err)
	}
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return false, nil
	}
	status := statuses.Value[0]
	if status.Err != nil {
		return false, nil
	}
	return status.ConfirmationStatus == rpc.ConfirmationStatusFinalized, nil
}

// scanRange decodes settlement instructions from program transactions with cursor < slot <= tip,
// oldest first. A non-nil error means at least one transaction could not be fetched.
func (c *SolanaClient) scanRange(ctx context.Context, cursor, tip uint64) ([]*types.SettlementInstruction, string, error) {
	signatures, err := c.fetchSignatures(ctx, cursor, tip)
	if err != nil {
		return nil, "", err
	}
	var instructions []*types.SettlementInstruction
	var fetchErrs []error
	lastSignature := ""
	for _, sig := range signatures {
		if sig.Err != nil {
			continue
		}
		instr, err := c.fetchInstruction(ctx, sig)
		if err != nil {
			if errors.Is(err, ErrNoSettlementEvent) {
				continue
			}
			log.Warn().Err(err).Str("signature", sig.Signature.String()).Uint64("slot", sig.Slot).
				Msg("[SolanaClient] [scanRange] failed to fetch transaction")
			fetchErrs = append(fetchErrs, err)
			continue
		}
		instructions = append(instructions, instr)
		lastSignature = sig.Signature.String()
	}
	if len(fetchErrs) > 0 {
		return instructions, lastSignature, types.NetworkError(
			fmt.Sprintf("failed to fetch %d of %d transactions", len(fetchErrs), len(signatures)), errors.Join(fetchErrs...))
	}
	return instructions, lastSignature, nil
}

func (c *SolanaClient) fetchSignatures(ctx context.Context, cursor, tip uint64) ([]*rpc.TransactionSignature, error) {
	limit := c.config.SignatureLimit
	if limit <= 0 {
		limit = 100
	}
	var collected []*rpc.TransactionSignature
	var before solana.Signature
	for {
		opts := &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: c.signatureCommitment(),
		}
		if !before.IsZero() {
			opts.Before = before
		}
		page, err := c.rpcClient.GetSignaturesForAddressWithOpts(ctx, c.programID, opts)
		if err != nil {
			return nil, types.NetworkError("failed to get program signatures", err)
		}
		reachedCursor := false
		for _, sig := range page {
			if sig.Slot <= cursor {
				reachedCursor = true
				break
			}
			if sig.Slot <= tip {
				collected = append(collected, sig)
			}
		}
		if reachedCursor || len(page) < limit {
			break
		}
		before = page[len(page)-1].Signature
	}
	// rpc returns newest first
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, nil
}

func (c *SolanaClient) fetchInstruction(ctx context.Context, sig *rpc.TransactionSignature) (*types.SettlementInstruction, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	maxVersion := uint64(0)
	tx, err := c.rpcClient.GetTransaction(ctx, sig.Signature, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.signatureCommitment(),
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, err
	}
	if tx == nil || tx.Meta == nil {
		return nil, ErrNoSettlementEvent
	}
	payload, raw, err := ParseSettlementLogs(sig.Signature.String(), tx.Meta.LogMessages)
	if err != nil {
		return nil, err
	}
	var blockTime *time.Time
	if tx.BlockTime != nil {
		t := tx.BlockTime.Time()
		blockTime = &t
	} else if sig.BlockTime != nil {
		t := sig.BlockTime.Time()
		blockTime = &t
	}
	return BuildInstruction(sig.Signature.String(), c.config.ProgramID, c.destinationChain, payload, raw, blockTime), nil
}

// getTransaction and getSignaturesForAddress do not accept processed commitment
func (c *SolanaClient) signatureCommitment() rpc.CommitmentType {
	if c.commitment == rpc.CommitmentProcessed {
		return rpc.CommitmentConfirmed
	}
	return c.commitment
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
