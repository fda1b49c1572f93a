package db

import (
	"context"
	"errors"

	"github.com/scalarorg/settlement-relayer/pkg/types"
)

var ErrNotFound = errors.New("record not found")

// Statuses drained on startup: anything that never reached a terminal state.
var RecoverableStatuses = []types.SettlementStatus{
	types.SettlementStatusPending,
	types.SettlementStatusProcessing,
	types.SettlementStatusRetrying,
}

// Store is the persistence contract of the relayer. Every implementation must be safe for
// concurrent use.
type Store interface {
	// StoreInstruction persists instr with a Pending result. If an instruction with the same id or
	// the same (source_chain, source_tx_hash) already exists, nothing is written and the stored
	// instruction is returned with created == false.
	StoreInstruction(ctx context.Context, instr *types.SettlementInstruction) (stored *types.SettlementInstruction, created bool, err error)
	// StoreResult replaces the latest result of the instruction.
	StoreResult(ctx context.Context, result *types.SettlementResult) error
	GetInstruction(ctx context.Context, id string) (*types.SettlementInstruction, error)
	GetInstructionBySourceTx(ctx context.Context, sourceChain, sourceTxHash string) (*types.SettlementInstruction, error)
	GetResult(ctx context.Context, instructionID string) (*types.SettlementResult, error)
	// GetPendingInstructions returns instructions whose latest status is Pending, Processing or
	// Retrying, oldest first.
	GetPendingInstructions(ctx context.Context) ([]*types.SettlementInstruction, error)
	GetInstructionsByStatus(ctx context.Context, status types.SettlementStatus, limit int) ([]types.PendingInstruction, error)
	// GetRetryableFailures returns Failed instructions with a retryable error kind and fewer than
	// maxRetryCount retries, oldest first. Permanent and exhausted failures never fill the limit.
	GetRetryableFailures(ctx context.Context, maxRetryCount uint32, limit int) ([]types.PendingInstruction, error)
	GetRecentResults(ctx context.Context, limit int) ([]types.PendingInstruction, error)
	GetStatistics(ctx context.Context) (*types.Statistics, error)
	GetCheckpoint(ctx context.Context, chainName string) (uint64, error)
	SaveCheckpoint(ctx context.Context, chainName string, cursor uint64, lastTxHash string) error
	Ping(ctx context.Context) error
	Close() error
}

const CHECKPOINT_EVENT_NAME = "SETTLEMENT_EVENT"
