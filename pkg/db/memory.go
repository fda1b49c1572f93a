package db

import (
	"context"
	"sort"
	"sync"

	"github.com/scalarorg/settlement-relayer/pkg/types"
)

// MemoryStore keeps everything in process memory. It is used for local runs and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	instructions map[string]*types.SettlementInstruction
	bySourceKey  map[string]string
	results      map[string]*types.SettlementResult
	checkpoints  map[string]uint64
	closed       bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instructions: make(map[string]*types.SettlementInstruction),
		bySourceKey:  make(map[string]string),
		results:      make(map[string]*types.SettlementResult),
		checkpoints:  make(map[string]uint64),
	}
}

func (s *MemoryStore) StoreInstruction(_ context.Context, instr *types.SettlementInstruction) (*types.SettlementInstruction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.instructions[instr.ID]; ok {
		return copyInstruction(existing), false, nil
	}
	if id, ok := s.bySourceKey[instr.SourceKey()]; ok {
		return copyInstruction(s.instructions[id]), false, nil
	}
	s.instructions[instr.ID] = copyInstruction(instr)
	s.bySourceKey[instr.SourceKey()] = instr.ID
	s.results[instr.ID] = types.NewPendingResult(instr.ID)
	return copyInstruction(instr), true, nil
}

func (s *MemoryStore) StoreResult(_ context.Context, result *types.SettlementResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *result
	s.results[result.InstructionID] = &copied
	return nil
}

func (s *MemoryStore) GetInstruction(_ context.Context, id string) (*types.SettlementInstruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instr, ok := s.instructions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInstruction(instr), nil
}

func (s *MemoryStore) GetInstructionBySourceTx(ctx context.Context, sourceChain, sourceTxHash string) (*types.SettlementInstruction, error) {
	s.mu.RLock()
	id, ok := s.bySourceKey[sourceChain+":"+sourceTxHash]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetInstruction(ctx, id)
}

func (s *MemoryStore) GetResult(_ context.Context, instructionID string) (*types.SettlementResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[instructionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *result
	return &copied, nil
}

func (s *MemoryStore) GetPendingInstructions(_ context.Context) ([]*types.SettlementInstruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []*types.SettlementInstruction
	for id, result := range s.results {
		for _, status := range RecoverableStatuses {
			if result.Status == status {
				pending = append(pending, copyInstruction(s.instructions[id]))
				break
			}
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func (s *MemoryStore) GetInstructionsByStatus(_ context.Context, status types.SettlementStatus, limit int) ([]types.PendingInstruction, error) {
	pairs := s.collect(func(result *types.SettlementResult) bool { return result.Status == status })
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Result.ProcessedAt.Before(pairs[j].Result.ProcessedAt)
	})
	return truncate(pairs, limit), nil
}

func (s *MemoryStore) GetRetryableFailures(_ context.Context, maxRetryCount uint32, limit int) ([]types.PendingInstruction, error) {
	pairs := s.collect(func(result *types.SettlementResult) bool {
		return result.RetryCount < maxRetryCount && result.IsRetryableFailure()
	})
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Result.ProcessedAt.Before(pairs[j].Result.ProcessedAt)
	})
	return truncate(pairs, limit), nil
}

func (s *MemoryStore) GetRecentResults(_ context.Context, limit int) ([]types.PendingInstruction, error) {
	pairs := s.collect(func(*types.SettlementResult) bool { return true })
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Result.ProcessedAt.After(pairs[j].Result.ProcessedAt)
	})
	return truncate(pairs, limit), nil
}

func (s *MemoryStore) collect(match func(*types.SettlementResult) bool) []types.PendingInstruction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pairs []types.PendingInstruction
	for id, result := range s.results {
		if !match(result) {
			continue
		}
		copied := *result
		pairs = append(pairs, types.PendingInstruction{Instruction: copyInstruction(s.instructions[id]), Result: &copied})
	}
	return pairs
}

func (s *MemoryStore) GetStatistics(_ context.Context) (*types.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &types.Statistics{TotalInstructions: uint64(len(s.instructions))}
	for id, result := range s.results {
		switch result.Status {
		case types.SettlementStatusCompleted:
			stats.CompletedSettlements++
			stats.TotalVolume += s.instructions[id].Amount
		case types.SettlementStatusFailed:
			stats.FailedSettlements++
		default:
			stats.PendingSettlements++
		}
	}
	return stats, nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, chainName string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cursor, ok := s.checkpoints[chainName]
	if !ok {
		return 0, ErrNotFound
	}
	return cursor, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, chainName string, cursor uint64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[chainName] = cursor
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.DatabaseError("store is closed", nil)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyInstruction(instr *types.SettlementInstruction) *types.SettlementInstruction {
	copied := *instr
	if instr.Payload != nil {
		copied.Payload = append([]byte(nil), instr.Payload...)
	}
	return &copied
}

func truncate(pairs []types.PendingInstruction, limit int) []types.PendingInstruction {
	if limit > 0 && len(pairs) > limit {
		return pairs[:limit]
	}
	return pairs
}
