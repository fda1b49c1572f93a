package settlement_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/scalarorg/settlement-relayer/pkg/db"
	"github.com/scalarorg/settlement-relayer/pkg/settlement"
	"github.com/scalarorg/settlement-relayer/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessInstructionCompletes(t *testing.T) {
	ledger := newFakeLedger()
	store := db.NewMemoryStore()
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, store, nil)

	instr, err := types.NewSettlementInstructionFromDecimal(types.CHAIN_SOLANA, "tx1", types.CHAIN_APTOS,
		"program", "0xabc", decimal.RequireFromString("0.1"), 1)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), instr.Amount)

	result, err := orchestrator.ProcessInstruction(context.Background(), instr)
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusCompleted, result.Status)
	require.NotNil(t, result.DestinationTxHash)
	assert.Equal(t, "0xresult", *result.DestinationTxHash)
	assert.Equal(t, uint32(0), result.RetryCount)

	stored, err := store.GetResult(context.Background(), instr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusCompleted, stored.Status)
}

func TestProcessInstructionIsIdempotent(t *testing.T) {
	ledger := newFakeLedger()
	store := db.NewMemoryStore()
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, store, nil)
	ctx := context.Background()

	type outcome struct {
		result *types.SettlementResult
		err    error
	}
	outcomes := make(chan outcome, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := orchestrator.ProcessInstruction(ctx, newInstruction("dup-tx"))
			outcomes <- outcome{result: result, err: err}
		}()
	}
	wg.Wait()
	close(outcomes)

	var completed *types.SettlementResult
	duplicates := 0
	for out := range outcomes {
		require.NotNil(t, out.result)
		if out.err == nil {
			require.Nil(t, completed, "more than one submission completed")
			assert.Equal(t, types.SettlementStatusCompleted, out.result.Status)
			completed = out.result
			continue
		}
		duplicates++
		assert.Equal(t, types.ErrKindAlreadyProcessed, types.KindOf(out.err))
		assert.Equal(t, types.SettlementStatusFailed, out.result.Status)
		require.NotNil(t, out.result.ErrorKind)
		assert.Equal(t, "already_processed", *out.result.ErrorKind)
	}
	require.NotNil(t, completed)
	assert.Equal(t, 9, duplicates)
	assert.Equal(t, 1, ledger.settledCount())

	again := newInstruction("dup-tx")
	result, err := orchestrator.ProcessInstruction(ctx, again)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindAlreadyProcessed, types.KindOf(err))
	assert.Equal(t, types.SettlementStatusFailed, result.Status)
	assert.Equal(t, again.ID, result.InstructionID)
	assert.Equal(t, 1, ledger.settledCount())

	stored, err := store.GetResult(ctx, completed.InstructionID)
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusCompleted, stored.Status)
	stats, err := store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TotalInstructions)
	assert.Equal(t, uint64(1), stats.CompletedSettlements)
	assert.Zero(t, stats.FailedSettlements)
}

func TestResubmittingPermanentFailureReturnsItsError(t *testing.T) {
	ledger := newFakeLedger()
	ledger.script = []error{types.InsufficientBalance(100_000, 1)}
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, db.NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := orchestrator.ProcessInstruction(ctx, newInstruction("poor-tx"))
	require.Error(t, err)
	result, err := orchestrator.ProcessInstruction(ctx, newInstruction("poor-tx"))
	require.Error(t, err)
	assert.Equal(t, types.ErrKindInsufficientBalance, types.KindOf(err))
	assert.Equal(t, types.SettlementStatusFailed, result.Status)
	assert.Len(t, ledger.submitted(), 1)
}

func TestRetryExhaustion(t *testing.T) {
	ledger := newFakeLedger()
	ledger.alwaysFail = types.NetworkError("rpc unavailable", nil)
	cfg := processingConfig()
	orchestrator := settlement.NewOrchestrator(cfg, time.Second, nil, ledger, db.NewMemoryStore(), nil)

	start := time.Now()
	result, err := orchestrator.ProcessInstruction(context.Background(), newInstruction("tx-retry"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), cfg.SettlementTimeout)
	assert.Equal(t, types.ErrKindNetwork, types.KindOf(err))
	assert.Equal(t, types.SettlementStatusFailed, result.Status)
	assert.Equal(t, uint32(cfg.RetryAttempts), result.RetryCount)
	assert.Len(t, ledger.submitted(), cfg.RetryAttempts+1)
}

func TestRetryThenSuccess(t *testing.T) {
	ledger := newFakeLedger()
	ledger.script = []error{types.TimeoutError("slow", nil), types.ChainError("reverted", nil)}
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, db.NewMemoryStore(), nil)

	result, err := orchestrator.ProcessInstruction(context.Background(), newInstruction("tx-flaky"))
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusCompleted, result.Status)
	assert.Equal(t, uint32(2), result.RetryCount)
}

func TestNonRetryableFailureStopsImmediately(t *testing.T) {
	ledger := newFakeLedger()
	ledger.alwaysFail = types.InsufficientBalance(100_000, 10)
	store := db.NewMemoryStore()
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, store, nil)

	instr := newInstruction("tx-poor")
	result, err := orchestrator.ProcessInstruction(context.Background(), instr)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindInsufficientBalance, types.KindOf(err))
	assert.Equal(t, uint32(0), result.RetryCount)
	assert.Len(t, ledger.submitted(), 1)

	stored, err := store.GetResult(context.Background(), instr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.False(t, stored.IsRetryableFailure())
}

func TestInvalidInstructionIsRejected(t *testing.T) {
	ledger := newFakeLedger()
	store := db.NewMemoryStore()
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, store, nil)

	instr := newInstruction("tx-zero")
	instr.Amount = 0
	result, err := orchestrator.ProcessInstruction(context.Background(), instr)
	require.ErrorIs(t, err, types.ErrZeroAmount)
	assert.Equal(t, types.SettlementStatusFailed, result.Status)
	assert.Empty(t, ledger.submitted())

	stored, err := store.GetResult(context.Background(), instr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusFailed, stored.Status)
}

func TestRecoveryRunsBeforeNewEvents(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	base := time.Now().Add(-time.Hour)
	var expected []string
	for i := 0; i < 3; i++ {
		instr := newInstruction(fmt.Sprintf("recovered-%d", i))
		instr.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_, _, err := store.StoreInstruction(ctx, instr)
		require.NoError(t, err)
		expected = append(expected, instr.SourceTxHash)
	}
	expected = append(expected, "fresh")

	cfg := processingConfig()
	cfg.MaxConcurrentSettlements = 1
	ledger := newFakeLedger()
	source := &fakeSource{instructions: []*types.SettlementInstruction{newInstruction("fresh")}}
	orchestrator := settlement.NewOrchestrator(cfg, time.Second, source, ledger, store, nil)
	require.NoError(t, orchestrator.Start(ctx))
	defer orchestrator.Shutdown(ctx)

	require.Eventually(t, func() bool { return len(ledger.submitted()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, expected, ledger.submitted())
}

func TestConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	cfg := processingConfig()
	cfg.MaxConcurrentSettlements = 2
	ledger := newFakeLedger()
	ledger.block = make(chan struct{})
	store := db.NewMemoryStore()
	orchestrator := settlement.NewOrchestrator(cfg, time.Second, nil, ledger, store, nil)
	require.NoError(t, orchestrator.Start(ctx))

	for i := 0; i < 5; i++ {
		orchestrator.Queue().Push(newInstruction(fmt.Sprintf("bounded-%d", i)))
	}
	require.Eventually(t, func() bool { return ledger.active.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), ledger.active.Load())

	close(ledger.block)
	require.Eventually(t, func() bool {
		stats, err := store.GetStatistics(ctx)
		return err == nil && stats.CompletedSettlements == 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), ledger.maxActive.Load())
	require.NoError(t, orchestrator.Shutdown(ctx))
}

func TestReconcileRequeuesRetryableFailures(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	seed := func(txHash string, err error, retryCount uint32) *types.SettlementInstruction {
		instr := newInstruction(txHash)
		_, _, storeErr := store.StoreInstruction(ctx, instr)
		require.NoError(t, storeErr)
		require.NoError(t, store.StoreResult(ctx, types.NewFailedResult(instr.ID, err).WithRetryCount(retryCount)))
		return instr
	}
	retryable := seed("tx-chain", types.ChainError("reverted", nil), 1)
	seed("tx-balance", types.InsufficientBalance(10, 1), 0)
	seed("tx-ceiling", types.NetworkError("down", nil), 5)

	ledger := newFakeLedger()
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, store, nil)
	requeued, err := orchestrator.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, orchestrator.Queue().Len())

	result, err := store.GetResult(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusRetrying, result.Status)

	require.NoError(t, orchestrator.Start(ctx))
	defer orchestrator.Shutdown(ctx)
	require.Eventually(t, func() bool {
		result, err := store.GetResult(ctx, retryable.ID)
		return err == nil && result.Status == types.SettlementStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	result, err = store.GetResult(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), result.RetryCount)
	assert.Equal(t, 1, ledger.settledCount())
}

func TestReconcileLooksPastPermanentFailures(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < settlement.RECONCILE_BATCH_LIMIT; i++ {
		instr := newInstruction(fmt.Sprintf("tx-broke-%d", i))
		_, _, err := store.StoreInstruction(ctx, instr)
		require.NoError(t, err)
		result := types.NewFailedResult(instr.ID, types.InsufficientBalance(10, 1))
		result.ProcessedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.StoreResult(ctx, result))
	}
	transient := newInstruction("tx-transient")
	_, _, err := store.StoreInstruction(ctx, transient)
	require.NoError(t, err)
	require.NoError(t, store.StoreResult(ctx, types.NewFailedResult(transient.ID, types.NetworkError("rpc down", nil))))

	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, newFakeLedger(), store, nil)
	requeued, err := orchestrator.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	result, err := store.GetResult(ctx, transient.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusRetrying, result.Status)
}

func TestMetricsAndHealth(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	ledger.script = []error{types.InsufficientBalance(1, 0)}
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, db.NewMemoryStore(), nil)
	require.NoError(t, orchestrator.Start(ctx))
	defer orchestrator.Shutdown(ctx)

	_, err := orchestrator.ProcessInstruction(ctx, newInstruction("tx-failed"))
	require.Error(t, err)
	_, err = orchestrator.ProcessInstruction(ctx, newInstruction("tx-ok"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return orchestrator.RefreshMetrics(ctx).LastProcessedAt != nil
	}, time.Second, 5*time.Millisecond)
	metrics := orchestrator.GetMetrics()
	assert.Equal(t, uint64(2), metrics.TotalSettlementsProcessed)
	assert.Equal(t, uint64(1), metrics.SuccessfulSettlements)
	assert.Equal(t, uint64(1), metrics.FailedSettlements)
	assert.Equal(t, uint64(100_000), metrics.TotalVolume)
	assert.Equal(t, uint64(5_000_000), metrics.VaultBalance)
	assert.True(t, metrics.VaultBalanceUSDC.Equal(decimal.NewFromInt(5)))
	assert.InDelta(t, 50.0, metrics.SuccessRate(), 0.001)

	health := orchestrator.CheckHealth(ctx)
	assert.Equal(t, map[string]bool{"database": true, "destination_chain": true, "source_chain": false}, health)
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	ledger.block = make(chan struct{})
	store := db.NewMemoryStore()
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, store, nil)
	require.NoError(t, orchestrator.Start(ctx))

	instr := newInstruction("tx-inflight")
	orchestrator.Queue().Push(instr)
	require.Eventually(t, func() bool { return ledger.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- orchestrator.Shutdown(ctx) }()
	select {
	case <-done:
		t.Fatal("shutdown returned while a settlement was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(ledger.block)
	require.NoError(t, <-done)

	result, err := store.GetResult(ctx, instr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusCompleted, result.Status)

	_, err = orchestrator.ProcessInstruction(ctx, newInstruction("tx-late"))
	require.ErrorIs(t, err, settlement.ErrShuttingDown)
}

func TestShutdownDeadline(t *testing.T) {
	ledger := newFakeLedger()
	ledger.block = make(chan struct{})
	defer close(ledger.block)
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, db.NewMemoryStore(), nil)
	require.NoError(t, orchestrator.Start(context.Background()))
	orchestrator.Queue().Push(newInstruction("tx-stuck"))
	require.Eventually(t, func() bool { return ledger.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := orchestrator.Shutdown(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindTimeout, types.KindOf(err))
}

func TestLatencyWindowDropsOldest(t *testing.T) {
	window := settlement.NewLatencyWindow(2)
	avg, last := window.Snapshot()
	assert.Zero(t, avg)
	assert.Nil(t, last)

	now := time.Now()
	window.Add(10*time.Millisecond, now)
	window.Add(20*time.Millisecond, now)
	window.Add(40*time.Millisecond, now)
	avg, last = window.Snapshot()
	assert.Equal(t, 2, window.Len())
	assert.InDelta(t, 30.0, avg, 0.001)
	require.NotNil(t, last)
}

func TestIngestRetriesStoreFailures(t *testing.T) {
	ledger := newFakeLedger()
	store := &flakyStore{Store: db.NewMemoryStore(), failures: 1}
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, store, nil)

	result, err := orchestrator.ProcessInstruction(context.Background(), newInstruction("flaky-tx"))
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusCompleted, result.Status)
	assert.Equal(t, 2, store.calls)
	assert.Equal(t, 1, ledger.settledCount())
}

func TestIngestGivesUpWithoutSubmitting(t *testing.T) {
	ledger := newFakeLedger()
	store := &flakyStore{Store: db.NewMemoryStore(), failures: 10}
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, store, nil)

	_, err := orchestrator.ProcessInstruction(context.Background(), newInstruction("down-tx"))
	require.Error(t, err)
	assert.Equal(t, types.ErrKindDatabase, types.KindOf(err))
	assert.Equal(t, 3, store.calls)
	assert.Empty(t, ledger.submitted())
}

func TestProcessInstructionHonoursConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	cfg := processingConfig()
	cfg.MaxConcurrentSettlements = 1
	ledger := newFakeLedger()
	ledger.block = make(chan struct{})
	orchestrator := settlement.NewOrchestrator(cfg, time.Second, nil, ledger, db.NewMemoryStore(), nil)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func(i int) {
			_, err := orchestrator.ProcessInstruction(ctx, newInstruction(fmt.Sprintf("direct-%d", i)))
			errs <- err
		}(i)
	}
	require.Eventually(t, func() bool { return ledger.active.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), ledger.active.Load())

	close(ledger.block)
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), ledger.maxActive.Load())
	assert.Equal(t, 3, ledger.settledCount())
}

func TestShutdownWaitsForDirectSubmissions(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	ledger.block = make(chan struct{})
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, db.NewMemoryStore(), nil)

	submitted := make(chan *types.SettlementResult, 1)
	go func() {
		result, _ := orchestrator.ProcessInstruction(ctx, newInstruction("tx-direct"))
		submitted <- result
	}()
	require.Eventually(t, func() bool { return ledger.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- orchestrator.Shutdown(ctx) }()
	select {
	case <-done:
		t.Fatal("shutdown returned while a direct submission was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(ledger.block)
	require.NoError(t, <-done)
	result := <-submitted
	require.NotNil(t, result)
	assert.Equal(t, types.SettlementStatusCompleted, result.Status)
}

func TestCallerCancellationDoesNotAbortSubmission(t *testing.T) {
	ledger := newFakeLedger()
	ledger.block = make(chan struct{})
	store := db.NewMemoryStore()
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, store, nil)
	ctx, cancel := context.WithCancel(context.Background())

	type outcome struct {
		result *types.SettlementResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := orchestrator.ProcessInstruction(ctx, newInstruction("tx-impatient"))
		done <- outcome{result: result, err: err}
	}()
	require.Eventually(t, func() bool { return ledger.active.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(ledger.block)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, types.SettlementStatusCompleted, out.result.Status)
	assert.Equal(t, 1, ledger.settledCount())
}

func TestAcceptPersistsBeforeQueueing(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	first := settlement.NewOrchestrator(processingConfig(), time.Second, nil, newFakeLedger(), store, nil)

	instr := newInstruction("tx-accepted")
	require.NoError(t, first.Accept(ctx, instr))
	assert.Equal(t, 1, first.Queue().Len())

	invalid := newInstruction("tx-invalid")
	invalid.Amount = 0
	require.NoError(t, first.Accept(ctx, invalid))
	assert.Equal(t, 1, first.Queue().Len())
	rejected, err := store.GetResult(ctx, invalid.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SettlementStatusFailed, rejected.Status)

	// the first process dies with the instruction still queued; the next one recovers it
	ledger := newFakeLedger()
	second := settlement.NewOrchestrator(processingConfig(), time.Second, nil, ledger, store, nil)
	require.NoError(t, second.Start(ctx))
	defer second.Shutdown(ctx)
	require.Eventually(t, func() bool {
		result, err := store.GetResult(ctx, instr.ID)
		return err == nil && result.Status == types.SettlementStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"tx-accepted"}, ledger.submitted())
}

func TestAcceptFailsWhenStoreIsDown(t *testing.T) {
	store := &flakyStore{Store: db.NewMemoryStore(), failures: 10}
	orchestrator := settlement.NewOrchestrator(processingConfig(), time.Second, nil, newFakeLedger(), store, nil)

	err := orchestrator.Accept(context.Background(), newInstruction("tx-unstored"))
	require.Error(t, err)
	assert.Equal(t, types.ErrKindDatabase, types.KindOf(err))
	assert.Zero(t, orchestrator.Queue().Len())
}
