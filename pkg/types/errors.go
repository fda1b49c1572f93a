package types

import (
	"errors"
	"fmt"
	"sort"
)

type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindInvalidInstruction
	ErrKindAlreadyProcessed
	ErrKindInsufficientBalance
	ErrKindChain
	ErrKindNetwork
	ErrKindConfig
	ErrKindDatabase
	ErrKindSerialization
	ErrKindTransactionFailed
	ErrKindTimeout
)

var errorKindNames = map[ErrorKind]string{
	ErrKindUnknown:             "unknown",
	ErrKindInvalidInstruction:  "invalid_instruction",
	ErrKindAlreadyProcessed:    "already_processed",
	ErrKindInsufficientBalance: "insufficient_balance",
	ErrKindChain:               "chain_error",
	ErrKindNetwork:             "network_error",
	ErrKindConfig:              "config_error",
	ErrKindDatabase:            "database_error",
	ErrKindSerialization:       "serialization_error",
	ErrKindTransactionFailed:   "transaction_failed",
	ErrKindTimeout:             "timeout",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return errorKindNames[ErrKindUnknown]
}

// ParseErrorKind maps a persisted kind name back to its kind. Unknown names map to ErrKindUnknown.
func ParseErrorKind(name string) ErrorKind {
	for kind, kindName := range errorKindNames {
		if kindName == name {
			return kind
		}
	}
	return ErrKindUnknown
}

// NonRetryableKindNames lists the persisted names of every kind the reconciler must not pick up again.
func NonRetryableKindNames() []string {
	names := make([]string, 0, len(errorKindNames))
	for kind, name := range errorKindNames {
		if !kind.Retryable() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindChain, ErrKindNetwork, ErrKindTimeout, ErrKindTransactionFailed, ErrKindUnknown:
		return true
	default:
		return false
	}
}

// SettlementError is the typed error returned across adapter and orchestrator boundaries.
type SettlementError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *SettlementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, message string, err error) *SettlementError {
	return &SettlementError{Kind: kind, Message: message, Err: err}
}

func InvalidInstruction(err error) *SettlementError {
	return NewError(ErrKindInvalidInstruction, "invalid instruction", err)
}

func AlreadyProcessed(sourceTxHash string) *SettlementError {
	return NewError(ErrKindAlreadyProcessed, fmt.Sprintf("settlement %s already processed", sourceTxHash), nil)
}

func InsufficientBalance(required, available uint64) *SettlementError {
	return NewError(ErrKindInsufficientBalance,
		fmt.Sprintf("vault balance %d is lower than required amount %d", available, required), nil)
}

func ChainError(message string, err error) *SettlementError {
	return NewError(ErrKindChain, message, err)
}

func NetworkError(message string, err error) *SettlementError {
	return NewError(ErrKindNetwork, message, err)
}

func DatabaseError(message string, err error) *SettlementError {
	return NewError(ErrKindDatabase, message, err)
}

func ConfigError(message string, err error) *SettlementError {
	return NewError(ErrKindConfig, message, err)
}

func SerializationError(message string, err error) *SettlementError {
	return NewError(ErrKindSerialization, message, err)
}

func TransactionFailed(txHash string) *SettlementError {
	return NewError(ErrKindTransactionFailed, fmt.Sprintf("transaction %s reverted", txHash), nil)
}

func TimeoutError(message string, err error) *SettlementError {
	return NewError(ErrKindTimeout, message, err)
}

// KindOf returns the kind of the first SettlementError in err's chain, ErrKindUnknown otherwise.
func KindOf(err error) ErrorKind {
	var settlementErr *SettlementError
	if errors.As(err, &settlementErr) {
		return settlementErr.Kind
	}
	return ErrKindUnknown
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}
