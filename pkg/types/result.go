package types

import (
	"strings"
	"time"
)

type SettlementStatus string

const (
	SettlementStatusPending    SettlementStatus = "pending"
	SettlementStatusProcessing SettlementStatus = "processing"
	SettlementStatusCompleted  SettlementStatus = "completed"
	SettlementStatusFailed     SettlementStatus = "failed"
	SettlementStatusRetrying   SettlementStatus = "retrying"
)

func (s SettlementStatus) IsTerminal() bool {
	return s == SettlementStatusCompleted || s == SettlementStatusFailed
}

// SettlementResult is the outcome of one processing pass over an instruction.
// Persistence keeps only the latest result per instruction.
type SettlementResult struct {
	InstructionID     string           `json:"instruction_id"`
	Status            SettlementStatus `json:"status"`
	DestinationTxHash *string          `json:"destination_tx_hash,omitempty"`
	GasUsed           *uint64          `json:"gas_used,omitempty"`
	ErrorMessage      *string          `json:"error_message,omitempty"`
	ErrorKind         *string          `json:"error_kind,omitempty"`
	ProcessedAt       time.Time        `json:"processed_at"`
	RetryCount        uint32           `json:"retry_count"`
}

func NewPendingResult(instructionID string) *SettlementResult {
	return &SettlementResult{
		InstructionID: instructionID,
		Status:        SettlementStatusPending,
		ProcessedAt:   time.Now().UTC(),
	}
}

func NewStatusResult(instructionID string, status SettlementStatus, retryCount uint32) *SettlementResult {
	return &SettlementResult{
		InstructionID: instructionID,
		Status:        status,
		ProcessedAt:   time.Now().UTC(),
		RetryCount:    retryCount,
	}
}

func NewSuccessResult(instructionID string, txHash string, gasUsed uint64) *SettlementResult {
	return &SettlementResult{
		InstructionID:     instructionID,
		Status:            SettlementStatusCompleted,
		DestinationTxHash: &txHash,
		GasUsed:           &gasUsed,
		ProcessedAt:       time.Now().UTC(),
	}
}

func NewFailedResult(instructionID string, err error) *SettlementResult {
	message := err.Error()
	kind := KindOf(err).String()
	return &SettlementResult{
		InstructionID: instructionID,
		Status:        SettlementStatusFailed,
		ErrorMessage:  &message,
		ErrorKind:     &kind,
		ProcessedAt:   time.Now().UTC(),
	}
}

// IsRetryableFailure reports whether a failed result may be picked up again by the reconciler.
func (r *SettlementResult) IsRetryableFailure() bool {
	if r.Status != SettlementStatusFailed {
		return false
	}
	if r.ErrorKind == nil {
		return true
	}
	return ParseErrorKind(*r.ErrorKind).Retryable()
}

// Err rebuilds the typed error of a failed result. It is nil for any other status.
func (r *SettlementResult) Err() error {
	if r.Status != SettlementStatusFailed {
		return nil
	}
	kind, message := ErrKindUnknown, "settlement failed"
	if r.ErrorKind != nil {
		kind = ParseErrorKind(*r.ErrorKind)
	}
	if r.ErrorMessage != nil {
		message = strings.TrimPrefix(*r.ErrorMessage, kind.String()+": ")
	}
	return NewError(kind, message, nil)
}

func (r *SettlementResult) WithRetryCount(retryCount uint32) *SettlementResult {
	r.RetryCount = retryCount
	return r
}
