package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/scalarorg/settlement-relayer/pkg/events"
	"github.com/scalarorg/settlement-relayer/pkg/types"
)

type Collectors struct {
	registry           *prometheus.Registry
	settlementsTotal   prometheus.Counter
	successfulTotal    prometheus.Counter
	failedTotal        prometheus.Counter
	settlementDuration prometheus.Histogram
	vaultBalance       prometheus.Gauge
	pendingSettlements prometheus.Gauge
	uptime             prometheus.Gauge
}

func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		settlementsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayer_settlements_total",
			Help: "Settlements that reached a final status.",
		}),
		successfulTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayer_settlements_successful_total",
			Help: "Settlements confirmed on the destination chain.",
		}),
		failedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayer_settlements_failed_total",
			Help: "Settlements that ended in the failed status.",
		}),
		settlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relayer_settlement_duration_seconds",
			Help:    "Time from admission to final status.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		vaultBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayer_vault_balance_usdc",
			Help: "Vault balance in USDC.",
		}),
		pendingSettlements: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayer_pending_settlements",
			Help: "Settlements not yet in a final status.",
		}),
		uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayer_uptime_seconds",
			Help: "Seconds since the relayer started.",
		}),
	}
	c.registry.MustRegister(
		c.settlementsTotal,
		c.successfulTotal,
		c.failedTotal,
		c.settlementDuration,
		c.vaultBalance,
		c.pendingSettlements,
		c.uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collectors) Observe(event *events.ResultEvent) {
	if event == nil || event.Result == nil {
		return
	}
	c.settlementsTotal.Inc()
	switch event.Result.Status {
	case types.SettlementStatusCompleted:
		c.successfulTotal.Inc()
	case types.SettlementStatusFailed:
		c.failedTotal.Inc()
	}
	if event.Duration > 0 {
		c.settlementDuration.Observe(event.Duration.Seconds())
	}
}

func (c *Collectors) Update(metrics types.RelayerMetrics) {
	balance, _ := metrics.VaultBalanceUSDC.Float64()
	c.vaultBalance.Set(balance)
	c.pendingSettlements.Set(float64(metrics.PendingSettlements))
	c.uptime.Set(float64(metrics.UptimeSeconds))
}
