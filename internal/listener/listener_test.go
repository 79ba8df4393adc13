package listener

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/infra/kv"
	"github.com/vietddude/txtracker/internal/infra/node"
)

// mockNode answers lookups from per-hash functions and counts calls.
type mockNode struct {
	mu          sync.Mutex
	byID        func(hash string, call int) (*node.Transaction, bool, error)
	unconfirmed func(hash string) (bool, error)
	calls       map[string]int
}

func newMockNode() *mockNode {
	return &mockNode{
		byID: func(string, int) (*node.Transaction, bool, error) { return nil, false, nil },
		unconfirmed: func(string) (bool, error) {
			return false, nil
		},
		calls: make(map[string]int),
	}
}

func (m *mockNode) GetTransactionByID(ctx context.Context, id string) (*node.Transaction, bool, error) {
	m.mu.Lock()
	m.calls[id]++
	call := m.calls[id]
	fn := m.byID
	m.mu.Unlock()
	return fn(id, call)
}

func (m *mockNode) GetUnconfirmedTransactionByID(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	fn := m.unconfirmed
	m.mu.Unlock()
	return fn(id)
}

func (m *mockNode) callCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubBalances struct {
	mu    sync.Mutex
	snaps []domain.BalanceSnapshot
	err   error
	calls int
}

func (s *stubBalances) Snapshot(ctx context.Context) (domain.BalanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return domain.BalanceSnapshot{}, s.err
	}
	i := min(s.calls-1, len(s.snaps)-1)
	return s.snaps[i], nil
}

var (
	preState = domain.BalanceSnapshot{Base: "100", Stable: "0", Volatile: "0"}
	expected = domain.ExpectedChanges{Base: "-5", Stable: "+2.1", Volatile: "+2.1", Fees: "-0.01"}
)

func newTestListener(t *testing.T, cfg Config, src TxSource, opts ...Option) (*Listener, *kv.MemoryStore, *fakeClock) {
	t.Helper()
	store := kv.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	if cfg.PollInterval == 0 {
		// Keep the background task out of the way of manual Poll calls.
		cfg.PollInterval = time.Hour
	}
	l := New(cfg, store, src, append([]Option{WithClock(clock.Now)}, opts...)...)
	t.Cleanup(l.Stop)
	return l, store, clock
}

func TestPoll_ConfirmsOnThirdPoll(t *testing.T) {
	src := newMockNode()
	src.byID = func(hash string, call int) (*node.Transaction, bool, error) {
		if hash == "tx-1" && call == 3 {
			return &node.Transaction{ID: "tx-1", InclusionHeight: 12345}, true, nil
		}
		return nil, false, nil
	}
	src.unconfirmed = func(string) (bool, error) { return true, nil }

	l, _, clock := newTestListener(t, Config{}, src)
	ctx := context.Background()

	if err := l.SaveUpTransaction(ctx, "tx-1", domain.ActionBaseToPair, preState, expected); err != nil {
		t.Fatalf("SaveUpTransaction failed: %v", err)
	}

	var statuses []domain.TxStatus
	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Second)
		if err := l.Poll(ctx); err != nil {
			t.Fatalf("Poll %d failed: %v", i+1, err)
		}
		e, ok := l.Entry("tx-1")
		if !ok {
			t.Fatalf("Entry disappeared after poll %d", i+1)
		}
		statuses = append(statuses, e.Status)
	}

	want := []domain.TxStatus{domain.TxStatusPending, domain.TxStatusPending, domain.TxStatusConfirmed}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("Expected statuses %v, got %v", want, statuses)
		}
	}

	e, _ := l.Entry("tx-1")
	if e.ConfirmationHeight == nil || *e.ConfirmationHeight != 12345 {
		t.Errorf("Expected confirmationHeight 12345, got %v", e.ConfirmationHeight)
	}
	if e.RetryCount != 2 {
		t.Errorf("Expected retryCount 2, got %d", e.RetryCount)
	}
	if e.ConfirmationTime == nil || *e.ConfirmationTime != clock.Now().UnixMilli() {
		t.Errorf("Expected confirmationTime = now, got %v", e.ConfirmationTime)
	}
	if e.ExpectedChanges != expected {
		t.Errorf("Expected changes mutated: %+v", e.ExpectedChanges)
	}
	if l.HasPendingTransactions() {
		t.Error("No transaction should be pending after confirmation")
	}
}

func TestPoll_TimesOutAfterMaxAttempts(t *testing.T) {
	src := newMockNode()
	src.unconfirmed = func(string) (bool, error) { return true, nil }

	l, _, clock := newTestListener(t, Config{MaxAttempts: 3, MaxWait: time.Hour}, src)
	ctx := context.Background()
	if err := l.SaveUpTransaction(ctx, "tx-2", domain.ActionPairToBase, preState, expected); err != nil {
		t.Fatalf("SaveUpTransaction failed: %v", err)
	}

	for i := 0; i < 6; i++ {
		clock.Advance(10 * time.Second)
		if err := l.Poll(ctx); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
	}

	e, _ := l.Entry("tx-2")
	if e.Status != domain.TxStatusTimeout {
		t.Fatalf("Expected timeout, got %s", e.Status)
	}
	if e.RetryCount != 3 {
		t.Errorf("Expected retryCount 3, got %d", e.RetryCount)
	}
	if e.ErrorMessage == "" {
		t.Error("Expected an error message on timeout")
	}
	if got := src.callCount("tx-2"); got != 3 {
		t.Errorf("Expected exactly 3 node lookups, got %d", got)
	}
}

func TestPoll_AgeCutoffOnlyWhenNotInMempool(t *testing.T) {
	src := newMockNode()
	inPool := map[string]bool{"visible": true}
	src.unconfirmed = func(hash string) (bool, error) { return inPool[hash], nil }

	l, _, clock := newTestListener(t, Config{MaxWait: 20 * time.Minute}, src)
	ctx := context.Background()
	for _, h := range []string{"visible", "dropped"} {
		if err := l.SaveUpTransaction(ctx, h, domain.ActionVolatileToStable, preState, expected); err != nil {
			t.Fatalf("SaveUpTransaction failed: %v", err)
		}
	}

	clock.Advance(19 * time.Minute)
	if err := l.Poll(ctx); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if e, _ := l.Entry("dropped"); e.Status != domain.TxStatusPending {
		t.Fatalf("Expected pending before max wait, got %s", e.Status)
	}

	clock.Advance(2 * time.Minute)
	if err := l.Poll(ctx); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if e, _ := l.Entry("dropped"); e.Status != domain.TxStatusTimeout {
		t.Errorf("Expected dropped tx to time out, got %s", e.Status)
	}
	if e, _ := l.Entry("visible"); e.Status != domain.TxStatusPending {
		t.Errorf("Expected mempool tx to stay pending, got %s", e.Status)
	}
}

func TestPoll_TransientErrorsNeverFailDirectly(t *testing.T) {
	src := newMockNode()
	src.byID = func(string, int) (*node.Transaction, bool, error) {
		return nil, false, domain.ErrExternalService
	}

	l, _, clock := newTestListener(t, Config{MaxAttempts: 4, MaxWait: time.Minute}, src)
	ctx := context.Background()
	if err := l.SaveUpTransaction(ctx, "tx-3", domain.ActionStableToVolatile, preState, expected); err != nil {
		t.Fatalf("SaveUpTransaction failed: %v", err)
	}

	// Well past max wait, but the node is unreachable: only the attempt cap applies.
	clock.Advance(time.Hour)
	for i := 1; i <= 3; i++ {
		if err := l.Poll(ctx); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		e, _ := l.Entry("tx-3")
		if e.Status != domain.TxStatusPending {
			t.Fatalf("Poll %d: expected pending, got %s", i, e.Status)
		}
		if e.RetryCount != i {
			t.Fatalf("Poll %d: expected retryCount %d, got %d", i, i, e.RetryCount)
		}
	}

	if err := l.Poll(ctx); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if e, _ := l.Entry("tx-3"); e.Status != domain.TxStatusTimeout {
		t.Errorf("Expected timeout at the attempt cap, got %s", e.Status)
	}
}

func TestPoll_TerminalStatusIsFinal(t *testing.T) {
	src := newMockNode()
	src.byID = func(hash string, call int) (*node.Transaction, bool, error) {
		if call == 1 {
			return &node.Transaction{ID: hash, InclusionHeight: 10}, true, nil
		}
		return nil, false, nil
	}

	l, _, _ := newTestListener(t, Config{MaxAttempts: 1}, src)
	ctx := context.Background()
	if err := l.SaveUpTransaction(ctx, "tx-4", domain.ActionBaseToPair, preState, expected); err != nil {
		t.Fatalf("SaveUpTransaction failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := l.Poll(ctx); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
	}
	e, _ := l.Entry("tx-4")
	if e.Status != domain.TxStatusConfirmed {
		t.Errorf("Expected confirmed to stick, got %s", e.Status)
	}
	if src.callCount("tx-4") != 1 {
		t.Errorf("Confirmed entry must not be polled again, got %d lookups", src.callCount("tx-4"))
	}
}

func TestPoll_WalletReflection(t *testing.T) {
	src := newMockNode()
	src.byID = func(hash string, call int) (*node.Transaction, bool, error) {
		return &node.Transaction{ID: hash, InclusionHeight: 5}, true, nil
	}
	post := domain.BalanceSnapshot{Base: "95", Stable: "2.1", Volatile: "2.1"}
	balances := &stubBalances{snaps: []domain.BalanceSnapshot{preState, post}}

	l, _, _ := newTestListener(t, Config{WalletChecks: 5}, src, WithBalanceReader(balances))
	ctx := context.Background()
	if err := l.SaveUpTransaction(ctx, "tx-5", domain.ActionBaseToPair, preState, expected); err != nil {
		t.Fatalf("SaveUpTransaction failed: %v", err)
	}

	// Pass 1 confirms, pass 2 sees unchanged balances, pass 3 sees the swap.
	for i := 0; i < 3; i++ {
		if err := l.Poll(ctx); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
	}
	e, _ := l.Entry("tx-5")
	if !e.WalletUpdated {
		t.Fatal("Expected wallet to be marked updated")
	}
	if e.PostState == nil || *e.PostState != post {
		t.Errorf("Expected postState %+v, got %+v", post, e.PostState)
	}
	if e.WalletChecks != 2 {
		t.Errorf("Expected 2 wallet checks, got %d", e.WalletChecks)
	}
}

func TestPoll_WalletChecksAreBounded(t *testing.T) {
	src := newMockNode()
	src.byID = func(hash string, call int) (*node.Transaction, bool, error) {
		return &node.Transaction{ID: hash, InclusionHeight: 5}, true, nil
	}
	balances := &stubBalances{err: errors.New("wallet locked")}

	l, _, _ := newTestListener(t, Config{WalletChecks: 2}, src, WithBalanceReader(balances))
	ctx := context.Background()
	_ = l.SaveUpTransaction(ctx, "tx-6", domain.ActionBaseToPair, preState, expected)

	for i := 0; i < 3; i++ {
		if err := l.Poll(ctx); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
	}
	e, _ := l.Entry("tx-6")
	if !e.WalletUpdated {
		t.Error("Expected entry to stop waiting for the wallet")
	}
	if e.PostState != nil {
		t.Errorf("No balances were ever read, postState should be nil: %+v", e.PostState)
	}
}

func TestPoll_UnknownPreStateSkipsWalletReflection(t *testing.T) {
	src := newMockNode()
	src.byID = func(hash string, call int) (*node.Transaction, bool, error) {
		return &node.Transaction{ID: hash, InclusionHeight: 5}, true, nil
	}
	balances := &stubBalances{snaps: []domain.BalanceSnapshot{{Base: "95", Stable: "2.1", Volatile: "2.1"}}}

	l, _, _ := newTestListener(t, Config{WalletChecks: 5}, src, WithBalanceReader(balances))
	ctx := context.Background()
	if err := l.SaveUpTransaction(ctx, "tx-8", domain.ActionBaseToPair, domain.BalanceSnapshot{}, expected); err != nil {
		t.Fatalf("SaveUpTransaction failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := l.Poll(ctx); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
	}

	e, _ := l.Entry("tx-8")
	if e.Status != domain.TxStatusConfirmed || !e.WalletUpdated {
		t.Fatalf("Expected confirmed and done, got %+v", e)
	}
	if e.PostState != nil {
		t.Errorf("Without a pre-state no postState can be attributed, got %+v", e.PostState)
	}
	if balances.calls != 0 {
		t.Errorf("Expected no balance reads, got %d", balances.calls)
	}
}

func TestPoll_KeepsRegistrationMadeDuringPass(t *testing.T) {
	src := newMockNode()
	l, _, _ := newTestListener(t, Config{}, src)
	ctx := context.Background()

	fresh := domain.BalanceSnapshot{Base: "7", Stable: "0", Volatile: "0"}
	src.byID = func(hash string, call int) (*node.Transaction, bool, error) {
		if call == 1 {
			// The entry is dropped and registered again while the pass runs.
			if err := l.CleanUpTransaction(ctx, hash); err != nil {
				t.Errorf("CleanUpTransaction failed: %v", err)
			}
			if err := l.SaveUpTransaction(ctx, hash, domain.ActionPairToBase, fresh, expected); err != nil {
				t.Errorf("SaveUpTransaction failed: %v", err)
			}
		}
		return nil, false, nil
	}

	if err := l.SaveUpTransaction(ctx, "tx-9", domain.ActionBaseToPair, preState, expected); err != nil {
		t.Fatalf("SaveUpTransaction failed: %v", err)
	}
	if err := l.Poll(ctx); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	e, ok := l.Entry("tx-9")
	if !ok {
		t.Fatal("Fresh registration was dropped")
	}
	if e.ActionType != domain.ActionPairToBase || e.PreState != fresh || e.RetryCount != 0 {
		t.Errorf("Stale pass result overwrote the fresh registration: %+v", e)
	}
}

func TestSaveUpTransaction_PersistsImmediately(t *testing.T) {
	l, store, _ := newTestListener(t, Config{}, newMockNode())
	ctx := context.Background()

	if err := l.SaveUpTransaction(ctx, "tx-7", domain.ActionBaseToPair, preState, expected); err != nil {
		t.Fatalf("SaveUpTransaction failed: %v", err)
	}

	raw, err := store.Get(ctx, DefaultStorageKey)
	if err != nil {
		t.Fatalf("Working set not persisted: %v", err)
	}
	var set map[string]domain.LegacyEntry
	if err := json.Unmarshal(raw, &set); err != nil {
		t.Fatalf("Working set is not JSON: %v", err)
	}
	if set["tx-7"].Status != domain.TxStatusPending {
		t.Errorf("Expected persisted pending entry, got %+v", set["tx-7"])
	}

	if err := l.SaveUpTransaction(ctx, "", domain.ActionBaseToPair, preState, expected); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected ErrValidation for empty hash, got %v", err)
	}
	if err := l.SaveUpTransaction(ctx, "x", "convert-magic", preState, expected); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected ErrValidation for unknown action, got %v", err)
	}
}

func TestCleanUpTransaction(t *testing.T) {
	l, store, clock := newTestListener(t, Config{Retention: time.Hour}, newMockNode())
	ctx := context.Background()

	// Seed a persisted set: an old timeout, a recent timeout and a pending entry.
	now := clock.Now()
	seed := map[string]*domain.LegacyEntry{
		"old":     {TxHash: "old", ActionType: domain.ActionBaseToPair, Status: domain.TxStatusTimeout, Timestamp: now.Add(-2 * time.Hour).UnixMilli()},
		"recent":  {TxHash: "recent", ActionType: domain.ActionBaseToPair, Status: domain.TxStatusTimeout, Timestamp: now.Add(-10 * time.Minute).UnixMilli()},
		"pending": {TxHash: "pending", ActionType: domain.ActionBaseToPair, Status: domain.TxStatusPending, Timestamp: now.Add(-3 * time.Hour).UnixMilli()},
		"unreflected": {
			TxHash: "unreflected", ActionType: domain.ActionBaseToPair, Status: domain.TxStatusConfirmed,
			Timestamp: now.Add(-3 * time.Hour).UnixMilli(),
		},
	}
	raw, _ := json.Marshal(seed)
	_ = store.Put(ctx, DefaultStorageKey, raw)

	if err := l.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, ok := l.Entry("old"); ok {
		t.Error("Old terminal entry should have been swept")
	}
	for _, h := range []string{"recent", "pending", "unreflected"} {
		if _, ok := l.Entry(h); !ok {
			t.Errorf("Entry %s should survive the sweep", h)
		}
	}

	// Single-entry removal.
	for _, h := range []string{"recent", "pending", "unreflected"} {
		if err := l.CleanUpTransaction(ctx, h); err != nil {
			t.Fatalf("CleanUpTransaction failed: %v", err)
		}
	}
	if store.Has(DefaultStorageKey) {
		t.Error("Empty working set must delete the storage key")
	}
}

func TestCleanUpTransaction_SweepKeepsRecentTerminal(t *testing.T) {
	src := newMockNode()
	src.byID = func(hash string, call int) (*node.Transaction, bool, error) {
		return &node.Transaction{ID: hash, InclusionHeight: 1}, true, nil
	}
	l, store, clock := newTestListener(t, Config{Retention: time.Hour}, src)
	ctx := context.Background()
	_ = l.SaveUpTransaction(ctx, "tx-8", domain.ActionBaseToPair, preState, expected)
	_ = l.Poll(ctx) // confirmed
	_ = l.Poll(ctx) // wallet-updated without a reader

	if err := l.CleanUpTransaction(ctx, ""); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if _, ok := l.Entry("tx-8"); !ok {
		t.Fatal("Recent terminal entry must survive the sweep")
	}

	clock.Advance(61 * time.Minute)
	if err := l.CleanUpTransaction(ctx, ""); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if _, ok := l.Entry("tx-8"); ok {
		t.Error("Expired terminal entry should be swept")
	}
	if store.Has(DefaultStorageKey) {
		t.Error("Empty working set must delete the storage key")
	}
}

func TestInitialize_IdleWhenNothingToTrack(t *testing.T) {
	l, _, _ := newTestListener(t, Config{}, newMockNode())
	if err := l.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if l.Running() {
		t.Error("Listener must stay idle with an empty working set")
	}
}

func TestInitialize_ResumesPersistedEntries(t *testing.T) {
	store := kv.NewMemoryStore()
	seed := map[string]*domain.LegacyEntry{
		"tx-9": {ActionType: domain.ActionBaseToPair, Status: domain.TxStatusPending, Timestamp: time.Now().UnixMilli()},
	}
	raw, _ := json.Marshal(seed)
	_ = store.Put(context.Background(), DefaultStorageKey, raw)

	l := New(Config{PollInterval: time.Hour}, store, newMockNode())
	defer l.Stop()

	if err := l.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !l.Running() {
		t.Error("Expected polling to resume")
	}
	pending := l.GetPendingTransactionsList()
	if len(pending) != 1 || pending[0].TxHash != "tx-9" {
		t.Errorf("Expected tx-9 pending with hash filled from its key, got %+v", pending)
	}
}

func TestLoop_EndsItselfWhenNothingRemains(t *testing.T) {
	src := newMockNode()
	src.byID = func(hash string, call int) (*node.Transaction, bool, error) {
		return &node.Transaction{ID: hash, InclusionHeight: 42}, true, nil
	}
	l, _, _ := newTestListener(t, Config{PollInterval: 5 * time.Millisecond}, src)

	if err := l.SaveUpTransaction(context.Background(), "tx-10", domain.ActionBaseToPair, preState, expected); err != nil {
		t.Fatalf("SaveUpTransaction failed: %v", err)
	}
	if !l.Running() {
		t.Fatal("Expected the loop to start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for l.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if l.Running() {
		t.Fatal("Loop should stop once no active entries remain")
	}
	e, _ := l.Entry("tx-10")
	if e.Status != domain.TxStatusConfirmed || !e.WalletUpdated {
		t.Errorf("Expected confirmed and wallet-updated, got %+v", e)
	}

	// A new registration starts a fresh loop.
	src.mu.Lock()
	src.byID = func(string, int) (*node.Transaction, bool, error) { return nil, false, nil }
	src.mu.Unlock()
	_ = l.SaveUpTransaction(context.Background(), "tx-11", domain.ActionBaseToPair, preState, expected)
	if !l.Running() {
		t.Error("Expected a new loop for the new registration")
	}
}

func TestStop_CancelsLoop(t *testing.T) {
	l, _, _ := newTestListener(t, Config{PollInterval: time.Hour}, newMockNode())
	_ = l.SaveUpTransaction(context.Background(), "tx-12", domain.ActionBaseToPair, preState, expected)
	if !l.Running() {
		t.Fatal("Expected the loop to start")
	}
	l.Stop()
	if l.Running() {
		t.Error("Expected the loop to stop")
	}
	// Registrations after Stop are kept but do not start polling.
	_ = l.SaveUpTransaction(context.Background(), "tx-13", domain.ActionBaseToPair, preState, expected)
	if l.Running() {
		t.Error("Stopped listener must not start a new loop")
	}
}
