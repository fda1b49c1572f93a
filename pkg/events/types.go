package events

import (
	"time"

	"github.com/scalarorg/settlement-relayer/pkg/types"
)

const (
	EVENT_SETTLEMENT_COMPLETED = "Settlement.Completed"
	EVENT_SETTLEMENT_FAILED    = "Settlement.Failed"
	EVENT_SETTLEMENT_RETRYING  = "Settlement.Retrying"
)

// ResultEvent is broadcast once per finished processing pass.
type ResultEvent struct {
	Topic       string
	Instruction *types.SettlementInstruction
	Result      *types.SettlementResult
	Duration    time.Duration
}

func TopicForStatus(status types.SettlementStatus) string {
	switch status {
	case types.SettlementStatusCompleted:
		return EVENT_SETTLEMENT_COMPLETED
	case types.SettlementStatusRetrying:
		return EVENT_SETTLEMENT_RETRYING
	default:
		return EVENT_SETTLEMENT_FAILED
	}
}
