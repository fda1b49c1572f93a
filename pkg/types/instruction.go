package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	USDC_DECIMALS = 6
	USDC_SYMBOL   = "USDC"

	CHAIN_SOLANA = "solana"
	CHAIN_APTOS  = "aptos"
)

var (
	ErrEmptySourceTxHash     = errors.New("source transaction hash is empty")
	ErrEmptyReceiver         = errors.New("receiver address is empty")
	ErrInvalidReceiverFormat = errors.New("receiver address must start with 0x")
	ErrZeroAmount            = errors.New("amount must be greater than zero")
	ErrAmountPrecision       = errors.New("amount has more than 6 decimal places")
	ErrAmountOutOfRange      = errors.New("amount does not fit into uint64")
)

var usdcScale = decimal.New(1, USDC_DECIMALS)

// SettlementInstruction is a request discovered on the source chain to pay Amount of TokenSymbol
// to Receiver on the destination chain. It is never mutated after construction.
type SettlementInstruction struct {
	ID               string    `json:"id"`
	SourceChain      string    `json:"source_chain"`
	SourceTxHash     string    `json:"source_tx_hash"`
	DestinationChain string    `json:"destination_chain"`
	Sender           string    `json:"sender"`
	Receiver         string    `json:"receiver"`
	TokenSymbol      string    `json:"token_symbol"`
	Amount           uint64    `json:"amount"`
	Nonce            uint64    `json:"nonce"`
	Timestamp        time.Time `json:"timestamp"`
	Payload          []byte    `json:"payload,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewSettlementInstruction builds an instruction for amount expressed in the smallest token unit.
func NewSettlementInstruction(sourceChain, sourceTxHash, destinationChain, sender, receiver string,
	amount, nonce uint64) *SettlementInstruction {
	now := time.Now().UTC()
	return &SettlementInstruction{
		ID:               uuid.NewString(),
		SourceChain:      sourceChain,
		SourceTxHash:     sourceTxHash,
		DestinationChain: destinationChain,
		Sender:           sender,
		Receiver:         receiver,
		TokenSymbol:      USDC_SYMBOL,
		Amount:           amount,
		Nonce:            nonce,
		Timestamp:        now,
		CreatedAt:        now,
	}
}

// NewSettlementInstructionFromDecimal builds an instruction from a human amount like 1.5 USDC.
func NewSettlementInstructionFromDecimal(sourceChain, sourceTxHash, destinationChain, sender, receiver string,
	amount decimal.Decimal, nonce uint64) (*SettlementInstruction, error) {
	units, err := ToBaseUnits(amount)
	if err != nil {
		return nil, InvalidInstruction(err)
	}
	return NewSettlementInstruction(sourceChain, sourceTxHash, destinationChain, sender, receiver, units, nonce), nil
}

// ToBaseUnits converts amount to 6-decimal base units without rounding.
func ToBaseUnits(amount decimal.Decimal) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, amount.String())
	}
	scaled := amount.Mul(usdcScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrAmountPrecision, amount.String())
	}
	bigInt := scaled.BigInt()
	if !bigInt.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, amount.String())
	}
	return bigInt.Uint64(), nil
}

func FromBaseUnits(units uint64) decimal.Decimal {
	return decimal.NewFromUint64(units).Div(usdcScale)
}

func (i *SettlementInstruction) AmountDecimal() decimal.Decimal {
	return FromBaseUnits(i.Amount)
}

// Validate returns a distinct error for each malformed field, wrapped as InvalidInstruction.
func (i *SettlementInstruction) Validate() error {
	switch {
	case i.SourceTxHash == "":
		return InvalidInstruction(ErrEmptySourceTxHash)
	case i.Receiver == "":
		return InvalidInstruction(ErrEmptyReceiver)
	case !strings.HasPrefix(i.Receiver, "0x"):
		return InvalidInstruction(ErrInvalidReceiverFormat)
	case i.Amount == 0:
		return InvalidInstruction(ErrZeroAmount)
	}
	return nil
}

// SourceKey is the natural deduplication key of an instruction.
func (i *SettlementInstruction) SourceKey() string {
	return i.SourceChain + ":" + i.SourceTxHash
}
