package settlement_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scalarorg/settlement-relayer/config"
	"github.com/scalarorg/settlement-relayer/pkg/chains"
	"github.com/scalarorg/settlement-relayer/pkg/db"
	"github.com/scalarorg/settlement-relayer/pkg/types"
)

// fakeLedger settles each source tx hash at most once, like the vault contract.
type fakeLedger struct {
	mu          sync.Mutex
	settled     map[string]bool
	submissions []string
	script      []error
	alwaysFail  error
	block       chan struct{}
	active      atomic.Int32
	maxActive   atomic.Int32
	balance     uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{settled: make(map[string]bool), balance: 5_000_000}
}

func (l *fakeLedger) Name() string { return types.CHAIN_APTOS }

func (l *fakeLedger) SubmitSettlement(ctx context.Context, instr *types.SettlementInstruction) (*types.SettlementResult, error) {
	active := l.active.Add(1)
	defer l.active.Add(-1)
	for {
		peak := l.maxActive.Load()
		if active <= peak || l.maxActive.CompareAndSwap(peak, active) {
			break
		}
	}
	if l.block != nil {
		select {
		case <-l.block:
		case <-ctx.Done():
			return types.NewFailedResult(instr.ID, ctx.Err()), types.TimeoutError("blocked", ctx.Err())
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.submissions = append(l.submissions, instr.SourceTxHash)
	if len(l.script) > 0 {
		err := l.script[0]
		l.script = l.script[1:]
		if err != nil {
			return types.NewFailedResult(instr.ID, err), err
		}
	}
	if l.alwaysFail != nil {
		return types.NewFailedResult(instr.ID, l.alwaysFail), l.alwaysFail
	}
	if l.settled[instr.SourceTxHash] {
		err := types.AlreadyProcessed(instr.SourceTxHash)
		return types.NewFailedResult(instr.ID, err), err
	}
	l.settled[instr.SourceTxHash] = true
	return types.NewSuccessResult(instr.ID, "0xresult", 21_000), nil
}

func (l *fakeLedger) IsSettlementProcessed(_ context.Context, sourceTxHash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settled[sourceTxHash]
}

func (l *fakeLedger) GetVaultBalance(context.Context) uint64 { return l.balance }

func (l *fakeLedger) GetTotalSettled(context.Context) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.settled))
}

func (l *fakeLedger) CheckHealth(context.Context) bool { return true }

func (l *fakeLedger) submitted() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.submissions...)
}

func (l *fakeLedger) settledCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.settled)
}

// fakeSource pushes its instructions once the listener starts.
type fakeSource struct {
	instructions []*types.SettlementInstruction
}

func (s *fakeSource) Name() string { return types.CHAIN_SOLANA }

func (s *fakeSource) StartEventListener(ctx context.Context, sink chains.InstructionSink) error {
	for _, instr := range s.instructions {
		if err := sink.Accept(ctx, instr); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeSource) GetSettlementEvents(context.Context, *uint64) ([]*types.SettlementInstruction, error) {
	return s.instructions, nil
}

func (s *fakeSource) VerifyTransaction(context.Context, string) (bool, error) { return true, nil }

func (s *fakeSource) GetLatestCursor(context.Context) (uint64, error) { return 1, nil }

func processingConfig() *config.ProcessingConfig {
	return &config.ProcessingConfig{
		MaxConcurrentSettlements: 4,
		BatchSize:                5,
		RetryAttempts:            3,
		RetryDelay:               5 * time.Millisecond,
		SettlementTimeout:        5 * time.Second,
		AttemptTimeout:           time.Second,
		ReconcileInterval:        time.Hour,
		MetricsInterval:          time.Hour,
		MaxReconcileRetries:      5,
		StoreRetryAttempts:       2,
		LatencyWindow:            10,
	}
}

func newInstruction(txHash string) *types.SettlementInstruction {
	return types.NewSettlementInstruction(types.CHAIN_SOLANA, txHash, types.CHAIN_APTOS, "program", "0xabc", 100_000, 1)
}

// flakyStore fails StoreInstruction until failures runs out.
type flakyStore struct {
	db.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) StoreInstruction(ctx context.Context, instr *types.SettlementInstruction) (*types.SettlementInstruction, bool, error) {
	s.mu.Lock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, false, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Store.StoreInstruction(ctx, instr)
}
