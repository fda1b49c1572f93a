package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RelayerMetrics is a point-in-time snapshot, always replaced as a whole.
type RelayerMetrics struct {
	TotalSettlementsProcessed uint64          `json:"total_settlements_processed"`
	SuccessfulSettlements     uint64          `json:"successful_settlements"`
	FailedSettlements         uint64          `json:"failed_settlements"`
	PendingSettlements        uint64          `json:"pending_settlements"`
	AverageProcessingTimeMs   float64         `json:"average_processing_time_ms"`
	LastProcessedAt           *time.Time      `json:"last_processed_at,omitempty"`
	UptimeSeconds             uint64          `json:"uptime_seconds"`
	VaultBalance              uint64          `json:"vault_balance"`
	VaultBalanceUSDC          decimal.Decimal `json:"vault_balance_usdc"`
	TotalVolume               uint64          `json:"total_volume"`
	TotalVolumeUSDC           decimal.Decimal `json:"total_volume_usdc"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

func (m RelayerMetrics) SuccessRate() float64 {
	if m.TotalSettlementsProcessed == 0 {
		return 0
	}
	return float64(m.SuccessfulSettlements) / float64(m.TotalSettlementsProcessed) * 100
}

type Statistics struct {
	TotalInstructions    uint64 `json:"total_instructions"`
	CompletedSettlements uint64 `json:"completed_settlements"`
	FailedSettlements    uint64 `json:"failed_settlements"`
	PendingSettlements   uint64 `json:"pending_settlements"`
	TotalVolume          uint64 `json:"total_volume"`
}

// PendingInstruction pairs a stored instruction with its latest result.
type PendingInstruction struct {
	Instruction *SettlementInstruction
	Result      *SettlementResult
}
