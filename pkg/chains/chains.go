package chains

import (
	"context"

	"github.com/scalarorg/settlement-relayer/pkg/types"
)

// InstructionSink accepts discovered instructions. Accept returns nil only once the instruction is
// durable, so producers may advance their cursor or ack their broker afterwards.
type InstructionSink interface {
	Accept(ctx context.Context, instruction *types.SettlementInstruction) error
}

// SourceChain discovers settlement instructions on the ledger where they originate.
type SourceChain interface {
	Name() string
	// StartEventListener polls until ctx is cancelled and hands every discovered instruction to sink.
	StartEventListener(ctx context.Context, sink InstructionSink) error
	// GetSettlementEvents scans once from fromCursor (tip-100 when nil) up to the current tip.
	GetSettlementEvents(ctx context.Context, fromCursor *uint64) ([]*types.SettlementInstruction, error)
	VerifyTransaction(ctx context.Context, txHash string) (bool, error)
	GetLatestCursor(ctx context.Context) (uint64, error)
}

// DestinationChain submits settlements to the ledger that pays the receiver.
// The view methods degrade to zero values on error and never fail.
type DestinationChain interface {
	Name() string
	SubmitSettlement(ctx context.Context, instruction *types.SettlementInstruction) (*types.SettlementResult, error)
	IsSettlementProcessed(ctx context.Context, sourceTxHash string) bool
	GetVaultBalance(ctx context.Context) uint64
	GetTotalSettled(ctx context.Context) uint64
	CheckHealth(ctx context.Context) bool
}
