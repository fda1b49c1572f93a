package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/pkg/types"
)

func (o *Orchestrator) runMetricsUpdater(ctx context.Context) {
	o.RefreshMetrics(ctx)
	ticker := time.NewTicker(o.config.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RefreshMetrics(ctx)
		}
	}
}

// RefreshMetrics rebuilds the metrics snapshot and swaps it in atomically.
// Statistics that cannot be loaded keep their previous values.
func (o *Orchestrator) RefreshMetrics(ctx context.Context) types.RelayerMetrics {
	previous := o.metrics.Load()
	next := *previous
	if stats, err := o.store.GetStatistics(ctx); err != nil {
		log.Warn().Err(err).Msg("[Orchestrator] [RefreshMetrics] failed to load statistics")
	} else {
		next.TotalSettlementsProcessed = stats.CompletedSettlements + stats.FailedSettlements
		next.SuccessfulSettlements = stats.CompletedSettlements
		next.FailedSettlements = stats.FailedSettlements
		next.PendingSettlements = stats.PendingSettlements
		next.TotalVolume = stats.TotalVolume
		next.TotalVolumeUSDC = types.FromBaseUnits(stats.TotalVolume)
	}
	next.VaultBalance = o.destination.GetVaultBalance(ctx)
	next.VaultBalanceUSDC = types.FromBaseUnits(next.VaultBalance)
	next.AverageProcessingTimeMs, next.LastProcessedAt = o.latency.Snapshot()
	next.UptimeSeconds = uint64(o.Uptime().Seconds())
	next.UpdatedAt = time.Now().UTC()
	o.metrics.Store(&next)
	return next
}

func (o *Orchestrator) collectLatency(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-o.latencyCh:
			if !ok {
				return
			}
			if event.Duration > 0 {
				o.latency.Add(event.Duration, event.Result.ProcessedAt)
			}
		}
	}
}
