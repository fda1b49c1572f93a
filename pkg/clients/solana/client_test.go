package solana

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/scalarorg/settlement-relayer/config"
	"github.com/scalarorg/settlement-relayer/pkg/db"
	"github.com/scalarorg/settlement-relayer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	sig       solana.Signature
	slot      uint64
	logs      []string
	blockTime int64
}

type fakeRpc struct {
	mu        sync.Mutex
	slot      uint64
	slotErr   error
	txs       []fakeTx
	failing   map[solana.Signature]int
	statuses  map[solana.Signature]*rpc.SignatureStatusesResult
	pageCalls int
}

func newFakeRpc(slot uint64) *fakeRpc {
	return &fakeRpc{
		slot:     slot,
		failing:  make(map[solana.Signature]int),
		statuses: make(map[solana.Signature]*rpc.SignatureStatusesResult),
	}
}

func (f *fakeRpc) add(n byte, slot uint64, logs ...string) solana.Signature {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sig solana.Signature
	sig[0], sig[63] = n, 1
	f.txs = append(f.txs, fakeTx{sig: sig, slot: slot, logs: logs, blockTime: 1_700_000_000 + int64(n)})
	return sig
}

func (f *fakeRpc) failNext(sig solana.Signature, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[sig] = times
}

func (f *fakeRpc) setSlot(slot uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slot = slot
}

func (f *fakeRpc) GetSlot(context.Context, rpc.CommitmentType) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slot, f.slotErr
}

func (f *fakeRpc) GetSignaturesForAddressWithOpts(_ context.Context, _ solana.PublicKey,
	opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	sorted := append([]fakeTx(nil), f.txs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].slot > sorted[j].slot })
	start := 0
	if !opts.Before.IsZero() {
		for i, tx := range sorted {
			if tx.sig == opts.Before {
				start = i + 1
				break
			}
		}
	}
	var page []*rpc.TransactionSignature
	for _, tx := range sorted[start:] {
		if opts.Limit != nil && len(page) == *opts.Limit {
			break
		}
		page = append(page, &rpc.TransactionSignature{Signature: tx.sig, Slot: tx.slot})
	}
	return page, nil
}

func (f *fakeRpc) GetTransaction(_ context.Context, sig solana.Signature, _ *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[sig] > 0 {
		f.failing[sig]--
		return nil, errors.New("rpc unavailable")
	}
	for _, tx := range f.txs {
		if tx.sig == sig {
			blockTime := solana.UnixTimeSeconds(tx.blockTime)
			return &rpc.GetTransactionResult{
				Slot:      tx.slot,
				BlockTime: &blockTime,
				Meta:      &rpc.TransactionMeta{LogMessages: tx.logs},
			}, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeRpc) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := &rpc.GetSignatureStatusesResult{}
	for _, sig := range sigs {
		result.Value = append(result.Value, f.statuses[sig])
	}
	return result, nil
}

type collectingSink struct {
	mu           sync.Mutex
	instructions []*types.SettlementInstruction
	panicOnPush  bool
	refuse       error
}

func (s *collectingSink) Accept(_ context.Context, instr *types.SettlementInstruction) error {
	if s.panicOnPush {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse != nil {
		return s.refuse
	}
	s.instructions = append(s.instructions, instr)
	return nil
}

func (s *collectingSink) hashes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashes := make([]string, len(s.instructions))
	for i, instr := range s.instructions {
		hashes[i] = instr.SourceTxHash
	}
	return hashes
}

func settlementLog(recipient string, amount uint64) string {
	return `Program log: SETTLEMENT_EVENT: {"aptos_recipient":"` + recipient + `","amount":` +
		strconv.FormatUint(amount, 10) + `,"nonce":1,"timestamp":1700000000}`
}

func newTestClient(t *testing.T, fake *fakeRpc, store CheckpointStore) *SolanaClient {
	cfg := &config.SolanaConfig{
		RPCUrl:         "http://localhost:8899",
		ProgramID:      solana.TokenProgramID.String(),
		Commitment:     "confirmed",
		PollIntervalMs: 5,
		LookbackSlots:  10,
		SignatureLimit: 2,
	}
	client, err := NewSolanaClientWithRpc(cfg, fake, types.CHAIN_APTOS, store)
	require.NoError(t, err)
	client.failureBackoff = time.Millisecond
	client.failureCooldown = 5 * time.Millisecond
	return client
}

func TestParseSettlementLogs(t *testing.T) {
	payload, raw, err := ParseSettlementLogs("sig", []string{
		"Program invoke [1]",
		"Program log: SETTLEMENT_EVENT: {not json",
		`Program log: SETTLEMENT_EVENT: {"recipient":"0xabc","amount":0,"nonce":1}`,
		`Program log: SETTLEMENT_EVENT: {"recipient":"0xabc","amount":100000,"nonce":7,"timestamp":5}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", payload.GetRecipient())
	assert.Equal(t, uint64(100000), payload.Amount)
	assert.Equal(t, uint64(7), payload.Nonce)
	assert.JSONEq(t, `{"recipient":"0xabc","amount":100000,"nonce":7,"timestamp":5}`, string(raw))

	_, _, err = ParseSettlementLogs("sig", []string{"Program log: transfer"})
	require.ErrorIs(t, err, ErrNoSettlementEvent)
}

func TestBuildInstructionTimestamp(t *testing.T) {
	payload := &SettlementEventPayload{AptosRecipient: "0xabc", Amount: 1, Nonce: 2, Timestamp: 1_600_000_000}
	instr := BuildInstruction("sig", "program", types.CHAIN_APTOS, payload, nil, nil)
	assert.Equal(t, time.Unix(1_600_000_000, 0).UTC(), instr.Timestamp)
	assert.Equal(t, types.CHAIN_SOLANA, instr.SourceChain)
	assert.Equal(t, "program", instr.Sender)
	assert.Equal(t, types.USDC_SYMBOL, instr.TokenSymbol)

	blockTime := time.Unix(1_700_000_000, 0)
	instr = BuildInstruction("sig", "program", types.CHAIN_APTOS, payload, nil, &blockTime)
	assert.Equal(t, blockTime.UTC(), instr.Timestamp)
}

func TestGetSettlementEventsPagesOldestFirst(t *testing.T) {
	fake := newFakeRpc(200)
	var expected []string
	for i := byte(1); i <= 5; i++ {
		sig := fake.add(i, 150+uint64(i), settlementLog("0xabc", uint64(i)*1000))
		expected = append(expected, sig.String())
	}
	fake.add(9, 50, settlementLog("0xabc", 1))
	fake.add(10, 160, "Program log: unrelated")
	client := newTestClient(t, fake, nil)

	cursor := uint64(100)
	instructions, err := client.GetSettlementEvents(context.Background(), &cursor)
	require.NoError(t, err)
	hashes := make([]string, len(instructions))
	for i, instr := range instructions {
		hashes[i] = instr.SourceTxHash
		assert.Equal(t, types.CHAIN_APTOS, instr.DestinationChain)
	}
	assert.Equal(t, expected, hashes)
	assert.Greater(t, fake.pageCalls, 1)

	// default window is the last 100 slots, which excludes slot 50
	instructions, err = client.GetSettlementEvents(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, instructions, 5)
}

func TestPollAdvancesCursorOnlyAfterFullFetch(t *testing.T) {
	fake := newFakeRpc(120)
	first := fake.add(1, 111, settlementLog("0xabc", 1000))
	second := fake.add(2, 115, settlementLog("0xdef", 2000))
	fake.failNext(second, 1)
	store := db.NewMemoryStore()
	client := newTestClient(t, fake, store)
	sink := &collectingSink{}
	ctx := context.Background()

	next, err := client.poll(ctx, 110, sink)
	require.Error(t, err)
	assert.Equal(t, uint64(110), next)
	assert.Equal(t, []string{first.String()}, sink.hashes())
	_, err = store.GetCheckpoint(ctx, types.CHAIN_SOLANA)
	require.ErrorIs(t, err, db.ErrNotFound)

	next, err = client.poll(ctx, next, sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), next)
	assert.Equal(t, []string{first.String(), first.String(), second.String()}, sink.hashes())
	saved, err := store.GetCheckpoint(ctx, types.CHAIN_SOLANA)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), saved)
}

func TestPollKeepsCursorWhenSinkRefuses(t *testing.T) {
	fake := newFakeRpc(120)
	sig := fake.add(1, 115, settlementLog("0xabc", 1000))
	store := db.NewMemoryStore()
	client := newTestClient(t, fake, store)
	sink := &collectingSink{refuse: types.DatabaseError("store unavailable", nil)}
	ctx := context.Background()

	next, err := client.poll(ctx, 110, sink)
	require.Error(t, err)
	assert.Equal(t, uint64(110), next)
	_, err = store.GetCheckpoint(ctx, types.CHAIN_SOLANA)
	require.ErrorIs(t, err, db.ErrNotFound)

	sink.mu.Lock()
	sink.refuse = nil
	sink.mu.Unlock()
	next, err = client.poll(ctx, next, sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), next)
	assert.Equal(t, []string{sig.String()}, sink.hashes())
}

func TestPollRecoversFromPanic(t *testing.T) {
	fake := newFakeRpc(120)
	fake.add(1, 115, settlementLog("0xabc", 1000))
	client := newTestClient(t, fake, nil)

	next, err := client.poll(context.Background(), 110, &collectingSink{panicOnPush: true})
	require.Error(t, err)
	assert.Equal(t, uint64(110), next)
}

func TestInitialCursor(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRpc(500)
	store := db.NewMemoryStore()
	client := newTestClient(t, fake, store)

	cursor, err := client.initialCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(490), cursor)

	require.NoError(t, store.SaveCheckpoint(ctx, types.CHAIN_SOLANA, 321, "sig"))
	cursor, err = client.initialCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(321), cursor)

	fake.setSlot(3)
	cursor, err = newTestClient(t, fake, nil).initialCursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, cursor)
}

func TestStartEventListener(t *testing.T) {
	fake := newFakeRpc(100)
	client := newTestClient(t, fake, db.NewMemoryStore())
	sink := &collectingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- client.StartEventListener(ctx, sink) }()

	// the listener starts at tip - lookback, so events at or below slot 90 are never seen
	fake.add(1, 85, settlementLog("0xold", 1))
	sig := fake.add(2, 101, settlementLog("0xabc", 100000))
	fake.failNext(sig, 4)
	fake.setSlot(101)

	require.Eventually(t, func() bool { return len(sink.hashes()) > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, sig.String(), sink.hashes()[0])

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestVerifyTransaction(t *testing.T) {
	fake := newFakeRpc(100)
	finalized := fake.add(1, 10)
	confirmed := fake.add(2, 11)
	failed := fake.add(3, 12)
	fake.statuses[finalized] = &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized}
	fake.statuses[confirmed] = &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
	fake.statuses[failed] = &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized, Err: "InstructionError"}
	client := newTestClient(t, fake, nil)
	ctx := context.Background()

	ok, err := client.VerifyTransaction(ctx, finalized.String())
	require.NoError(t, err)
	assert.True(t, ok)
	for _, sig := range []solana.Signature{confirmed, failed} {
		ok, err = client.VerifyTransaction(ctx, sig.String())
		require.NoError(t, err)
		assert.False(t, ok)
	}
	ok, err = client.VerifyTransaction(ctx, fake.add(4, 13).String())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = client.VerifyTransaction(ctx, "not-a-signature")
	assert.Equal(t, types.ErrKindInvalidInstruction, types.KindOf(err))
}
