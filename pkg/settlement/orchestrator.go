package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/config"
	"github.com/scalarorg/settlement-relayer/pkg/chains"
	"github.com/scalarorg/settlement-relayer/pkg/db"
	"github.com/scalarorg/settlement-relayer/pkg/events"
	"github.com/scalarorg/settlement-relayer/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	TRACER_NAME           = "github.com/scalarorg/settlement-relayer/pkg/settlement"
	HEALTH_CHECK_TIMEOUT  = 5 * time.Second
	RECONCILE_BATCH_LIMIT = 100
	STORE_RETRY_INTERVAL  = 500 * time.Millisecond
)

var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Orchestrator drives instructions from the queue to the destination chain.
// At most max_concurrent_settlements submissions run at once.
type Orchestrator struct {
	config      *config.ProcessingConfig
	txTimeout   time.Duration
	source      chains.SourceChain
	destination chains.DestinationChain
	store       db.Store
	queue       *events.InstructionQueue
	eventBus    *events.EventBus
	gate        *semaphore.Weighted
	inFlight    sync.Map
	metrics     atomic.Pointer[types.RelayerMetrics]
	latency     *LatencyWindow
	latencyCh   <-chan *events.ResultEvent
	tracer      trace.Tracer
	startedAt   time.Time

	storeRetryInterval time.Duration
	stopping           atomic.Bool
	cancel             context.CancelFunc
	background         sync.WaitGroup
}

func NewOrchestrator(cfg *config.ProcessingConfig, txTimeout time.Duration, source chains.SourceChain,
	destination chains.DestinationChain, store db.Store, eventBus *events.EventBus) *Orchestrator {
	if eventBus == nil {
		eventBus = events.NewEventBus(nil)
	}
	o := &Orchestrator{
		config:             cfg,
		txTimeout:          txTimeout,
		source:             source,
		destination:        destination,
		store:              store,
		queue:              events.NewInstructionQueue(),
		eventBus:           eventBus,
		gate:               semaphore.NewWeighted(int64(cfg.MaxConcurrentSettlements)),
		latency:            NewLatencyWindow(cfg.LatencyWindow),
		tracer:             otel.Tracer(TRACER_NAME),
		startedAt:          time.Now(),
		storeRetryInterval: STORE_RETRY_INTERVAL,
	}
	o.latencyCh = eventBus.Subscribe(events.EVENT_SETTLEMENT_COMPLETED, events.EVENT_SETTLEMENT_FAILED)
	o.metrics.Store(&types.RelayerMetrics{UpdatedAt: time.Now().UTC()})
	return o
}

// Queue holds instructions that are durable and waiting for admission.
func (o *Orchestrator) Queue() *events.InstructionQueue {
	return o.queue
}

func (o *Orchestrator) EventBus() *events.EventBus {
	return o.eventBus
}

// Start recovers unfinished instructions, then starts the consumer, the source listener and the
// background tasks. Recovered instructions are queued before the listener can push new ones.
func (o *Orchestrator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	recovered, err := o.recoverPending(runCtx)
	if err != nil {
		cancel()
		return err
	}
	log.Info().Int("recovered", recovered).Msg("[Orchestrator] [Start] startup recovery finished")

	o.goBackground(func() { o.consume(runCtx) })
	o.goBackground(func() { o.collectLatency(runCtx) })
	o.goBackground(func() { o.runReconciler(runCtx) })
	o.goBackground(func() { o.runMetricsUpdater(runCtx) })
	if o.source != nil {
		o.goBackground(func() {
			err := o.source.StartEventListener(runCtx, o)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("chain", o.source.Name()).Msg("[Orchestrator] [Start] source listener stopped")
			}
		})
	}
	return nil
}

func (o *Orchestrator) goBackground(fn func()) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		fn()
	}()
}

// recoverPending queues every instruction left Pending, Processing or Retrying by a previous run.
func (o *Orchestrator) recoverPending(ctx context.Context) (int, error) {
	var pending []*types.SettlementInstruction
	err := o.withStoreRetry(ctx, "GetPendingInstructions", func() error {
		var err error
		pending, err = o.store.GetPendingInstructions(ctx)
		return err
	})
	if err != nil {
		return 0, types.DatabaseError("startup recovery failed", err)
	}
	for _, instr := range pending {
		o.queue.Push(instr)
	}
	return len(pending), nil
}

// consume admits queued instructions through the gate. Each admitted instruction is persisted first.
func (o *Orchestrator) consume(ctx context.Context) {
	workerCtx := context.WithoutCancel(ctx)
	for {
		var instr *types.SettlementInstruction
		select {
		case <-ctx.Done():
			return
		case next, ok := <-o.queue.C():
			if !ok {
				return
			}
			instr = next
		}
		stored, result, err := o.ingest(ctx, instr)
		if err != nil {
			if ctx.Err() != nil {
				o.queue.Push(instr)
				return
			}
			log.Error().Err(err).Str("sourceTxHash", instr.SourceTxHash).
				Msg("[Orchestrator] [consume] cannot persist instruction, requeued")
			o.queue.Push(instr)
			continue
		}
		if result.Status.IsTerminal() {
			log.Debug().Str("sourceTxHash", stored.SourceTxHash).Str("status", string(result.Status)).
				Msg("[Orchestrator] [consume] instruction already finished, skipped")
			continue
		}
		if err := o.gate.Acquire(ctx, 1); err != nil {
			return
		}
		go func(instr *types.SettlementInstruction, retryCount uint32) {
			defer o.gate.Release(1)
			_, _ = o.process(workerCtx, instr, retryCount)
		}(stored, result.RetryCount)
	}
}

// Shutdown stops admission and waits for in-flight settlements, including direct ProcessInstruction
// calls. Queued instructions not yet admitted
// are persisted as pending for the next run.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.stopping.CompareAndSwap(false, true) {
		return nil
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.background.Wait()
	full := int64(o.config.MaxConcurrentSettlements)
	if err := o.gate.Acquire(ctx, full); err != nil {
		return types.TimeoutError("in-flight settlements did not finish before shutdown deadline", err)
	}
	defer o.gate.Release(full)
	remaining := o.queue.Drain()
	for _, instr := range remaining {
		if _, _, err := o.store.StoreInstruction(ctx, instr); err != nil {
			log.Error().Err(err).Str("sourceTxHash", instr.SourceTxHash).
				Msg("[Orchestrator] [Shutdown] failed to persist queued instruction")
		}
	}
	log.Info().Int("persisted", len(remaining)).Msg("[Orchestrator] [Shutdown] stopped")
	return nil
}

func (o *Orchestrator) GetMetrics() types.RelayerMetrics {
	return *o.metrics.Load()
}

func (o *Orchestrator) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	return o.store.GetStatistics(ctx)
}

func (o *Orchestrator) GetVaultBalance(ctx context.Context) uint64 {
	return o.destination.GetVaultBalance(ctx)
}

func (o *Orchestrator) GetTotalSettled(ctx context.Context) uint64 {
	return o.destination.GetTotalSettled(ctx)
}

func (o *Orchestrator) GetRecentResults(ctx context.Context, limit int) ([]types.PendingInstruction, error) {
	return o.store.GetRecentResults(ctx, limit)
}

// GetSettlement returns the instruction with its latest result. Unknown ids yield db.ErrNotFound.
func (o *Orchestrator) GetSettlement(ctx context.Context, id string) (*types.PendingInstruction, error) {
	instr, err := o.store.GetInstruction(ctx, id)
	if err != nil {
		return nil, err
	}
	result, err := o.store.GetResult(ctx, id)
	if err != nil {
		return nil, err
	}
	return &types.PendingInstruction{Instruction: instr, Result: result}, nil
}

// GetSettlementBySource looks a settlement up by its idempotency key.
func (o *Orchestrator) GetSettlementBySource(ctx context.Context, sourceChain, sourceTxHash string) (*types.PendingInstruction, error) {
	instr, err := o.store.GetInstructionBySourceTx(ctx, sourceChain, sourceTxHash)
	if err != nil {
		return nil, err
	}
	return o.GetSettlement(ctx, instr.ID)
}

// CheckHealth reports one entry per dependency: database, destination_chain and source_chain.
func (o *Orchestrator) CheckHealth(ctx context.Context) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, HEALTH_CHECK_TIMEOUT)
	defer cancel()
	health := map[string]bool{
		"database":          o.store.Ping(ctx) == nil,
		"destination_chain": o.destination.CheckHealth(ctx),
		"source_chain":      false,
	}
	if o.source != nil {
		_, err := o.source.GetLatestCursor(ctx)
		health["source_chain"] = err == nil
	}
	return health
}

func (o *Orchestrator) Uptime() time.Duration {
	return time.Since(o.startedAt)
}
