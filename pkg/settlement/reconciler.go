package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/pkg/types"
)

func (o *Orchestrator) runReconciler(ctx context.Context) {
	ticker := time.NewTicker(o.config.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requeued, err := o.Reconcile(ctx)
			if err != nil {
				log.Error().Err(err).Msg("[Orchestrator] [runReconciler] reconciliation failed")
				continue
			}
			if requeued > 0 {
				log.Info().Int("requeued", requeued).Msg("[Orchestrator] [runReconciler] requeued failed settlements")
			}
		}
	}
}

// Reconcile marks retryable failed settlements below max_reconcile_retries as Retrying and queues them again.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	failed, err := o.store.GetRetryableFailures(ctx, o.config.MaxReconcileRetries, RECONCILE_BATCH_LIMIT)
	if err != nil {
		return 0, types.DatabaseError("failed to load failed settlements", err)
	}
	requeued := 0
	for _, pair := range failed {
		if pair.Instruction == nil || pair.Result == nil {
			continue
		}
		if _, busy := o.inFlight.Load(pair.Instruction.SourceKey()); busy {
			continue
		}
		retrying := types.NewStatusResult(pair.Instruction.ID, types.SettlementStatusRetrying, pair.Result.RetryCount)
		if err := o.store.StoreResult(ctx, retrying); err != nil {
			log.Warn().Err(err).Str("instructionId", pair.Instruction.ID).
				Msg("[Orchestrator] [Reconcile] failed to mark settlement retrying")
			continue
		}
		o.queue.Push(pair.Instruction)
		requeued++
	}
	return requeued, nil
}
