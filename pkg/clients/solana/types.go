package solana

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	SETTLEMENT_EVENT_MARKER  = "SETTLEMENT_EVENT:"
	DEFAULT_SCAN_WINDOW      = 100
	MAX_CONSECUTIVE_FAILURES = 3
	FAILURE_BACKOFF          = 5 * time.Second
	FAILURE_COOLDOWN         = 60 * time.Second
)

// RpcClient is the part of the solana rpc api the source adapter depends on. *rpc.Client satisfies it.
type RpcClient interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool,
		transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// CheckpointStore persists the last fully processed slot.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, chainName string) (uint64, error)
	SaveCheckpoint(ctx context.Context, chainName string, cursor uint64, lastTxHash string) error
}

// SettlementEventPayload is the JSON emitted by the program after the SETTLEMENT_EVENT marker.
type SettlementEventPayload struct {
	AptosRecipient string `json:"aptos_recipient"`
	Recipient      string `json:"recipient"`
	Amount         uint64 `json:"amount"`
	Nonce          uint64 `json:"nonce"`
	Timestamp      int64  `json:"timestamp"`
}

func (p *SettlementEventPayload) GetRecipient() string {
	if p.AptosRecipient != "" {
		return p.AptosRecipient
	}
	return p.Recipient
}
