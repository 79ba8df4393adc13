// Package listener reconciles locally submitted transactions against the
// node until each one is confirmed or times out.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/infra/kv"
	"github.com/vietddude/txtracker/internal/infra/node"
	"github.com/vietddude/txtracker/internal/infra/wallet"
	"github.com/vietddude/txtracker/internal/metrics"
	"github.com/vietddude/txtracker/internal/poll"
)

// DefaultStorageKey is the blob key the working set is persisted under.
const DefaultStorageKey = "pending_transactions"

// Config holds listener settings.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	MaxWait      time.Duration `yaml:"max_wait"`
	WalletChecks int           `yaml:"wallet_checks"`
	Retention    time.Duration `yaml:"retention"`
	StorageKey   string        `yaml:"storage_key"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 60
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 20 * time.Minute
	}
	if c.WalletChecks <= 0 {
		c.WalletChecks = 6
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.StorageKey == "" {
		c.StorageKey = DefaultStorageKey
	}
	return c
}

// TxSource is the node read API the listener polls.
type TxSource interface {
	GetTransactionByID(ctx context.Context, id string) (*node.Transaction, bool, error)
	GetUnconfirmedTransactionByID(ctx context.Context, id string) (bool, error)
}

// Listener tracks submitted transactions in a persisted working set.
type Listener struct {
	cfg      Config
	store    kv.BlobStore
	node     TxSource
	balances wallet.BalanceReader
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// passMu serialises Poll so no two passes touch an entry at once.
	passMu sync.Mutex

	mu      sync.Mutex
	entries map[string]*domain.LegacyEntry
	task    *poll.Task
}

// Option configures a Listener.
type Option func(*Listener)

// WithBalanceReader enables wallet reflection for confirmed entries.
func WithBalanceReader(r wallet.BalanceReader) Option {
	return func(l *Listener) { l.balances = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Listener) { l.now = now }
}

// New creates an idle listener. Call Initialize to load persisted entries.
func New(cfg Config, store kv.BlobStore, src TxSource, opts ...Option) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		cfg:     cfg.WithDefaults(),
		store:   store,
		node:    src,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*domain.LegacyEntry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadWorkingSet reads a persisted working set. A missing key yields an empty set.
func LoadWorkingSet(ctx context.Context, store kv.BlobStore, key string) (map[string]*domain.LegacyEntry, error) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return map[string]*domain.LegacyEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read working set: %v", domain.ErrStorageUnavailable, err)
	}
	set := make(map[string]*domain.LegacyEntry)
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode working set: %w", err)
	}
	for hash, e := range set {
		if e == nil {
			delete(set, hash)
			continue
		}
		if e.TxHash == "" {
			e.TxHash = hash
		}
	}
	return set, nil
}

// Initialize loads the persisted working set and resumes polling when any
// entry still needs work. With nothing to track it stays idle.
func (l *Listener) Initialize(ctx context.Context) error {
	set, err := LoadWorkingSet(ctx, l.store, l.cfg.StorageKey)
	if err != nil {
		return err
	}

	l.mu.Lock()
	for hash, e := range set {
		if _, ok := l.entries[hash]; !ok {
			l.entries[hash] = e
		}
	}
	l.mu.Unlock()

	if err := l.sweep(ctx); err != nil {
		return err
	}
	if l.ensureRunning() {
		slog.Info("Resumed confirmation listener", "pending", len(l.GetPendingTransactionsList()))
	}
	return nil
}

// SaveUpTransaction starts tracking txHash as pending and persists the working
// set before returning. Re-registering a tracked hash is a no-op.
func (l *Listener) SaveUpTransaction(
	ctx context.Context,
	txHash string,
	actionType domain.ActionType,
	preState domain.BalanceSnapshot,
	expected domain.ExpectedChanges,
) error {
	if txHash == "" {
		return fmt.Errorf("%w: tx hash is required", domain.ErrValidation)
	}
	if !actionType.Valid() {
		return fmt.Errorf("%w: unknown action type %q", domain.ErrValidation, actionType)
	}

	l.mu.Lock()
	if _, ok := l.entries[txHash]; ok {
		l.mu.Unlock()
		return nil
	}
	l.entries[txHash] = &domain.LegacyEntry{
		TxHash:          txHash,
		ActionType:      actionType,
		Timestamp:       l.now().UnixMilli(),
		PreState:        preState,
		ExpectedChanges: expected,
		Status:          domain.TxStatusPending,
	}
	err := l.persistLocked(ctx)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	slog.Info("Tracking transaction", "tx", txHash, "action", actionType)
	l.ensureRunning()
	return nil
}

// CleanUpTransaction removes txHash from the working set. An empty hash sweeps
// every terminal entry older than the retention window instead.
func (l *Listener) CleanUpTransaction(ctx context.Context, txHash string) error {
	if txHash == "" {
		return l.sweep(ctx)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[txHash]; !ok {
		return nil
	}
	delete(l.entries, txHash)
	return l.persistLocked(ctx)
}

func (l *Listener) sweep(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(ctx)
}

// HasPendingTransactions reports whether any entry is still pending.
func (l *Listener) HasPendingTransactions() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Status == domain.TxStatusPending {
			return true
		}
	}
	return false
}

// GetPendingTransactionsList returns copies of the pending entries, oldest first.
func (l *Listener) GetPendingTransactionsList() []*domain.LegacyEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.LegacyEntry, 0)
	for _, e := range l.entries {
		if e.Status == domain.TxStatusPending {
			out = append(out, e.Clone())
		}
	}
	sortEntries(out)
	return out
}

// Entries returns copies of every tracked entry, oldest first.
func (l *Listener) Entries() []*domain.LegacyEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.LegacyEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.Clone())
	}
	sortEntries(out)
	return out
}

// Entry returns a copy of one tracked entry.
func (l *Listener) Entry(txHash string) (*domain.LegacyEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[txHash]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Running reports whether the polling task is scheduled or running.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.task != nil && l.task.Active()
}

// Stop cancels the polling task and waits for it to exit.
func (l *Listener) Stop() {
	l.cancel()
	l.mu.Lock()
	task := l.task
	l.task = nil
	l.mu.Unlock()
	if task != nil {
		task.Cancel()
		<-task.Done()
	}
}

func sortEntries(entries []*domain.LegacyEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp == entries[j].Timestamp {
			return entries[i].TxHash < entries[j].TxHash
		}
		return entries[i].Timestamp < entries[j].Timestamp
	})
}

func (l *Listener) hasActiveLocked() bool {
	for _, e := range l.entries {
		if e.Active() {
			return true
		}
	}
	return false
}

// ensureRunning starts a polling task when active entries exist and none is
// running. It reports whether a task was started.
func (l *Listener) ensureRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil || l.task != nil || !l.hasActiveLocked() {
		return false
	}

	var task *poll.Task
	task = poll.New(poll.Options{Interval: l.cfg.PollInterval}, func(ctx context.Context, attempt int) (bool, error) {
		if err := l.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			slog.Warn("Listener pass failed", "attempt", attempt, "error", err)
		}

		// Decide and detach under one lock so a concurrent SaveUpTransaction
		// either sees this task still attached or starts a fresh one.
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.hasActiveLocked() {
			return false, nil
		}
		if l.task == task {
			l.task = nil
		}
		slog.Debug("Confirmation listener idle")
		return true, nil
	})
	l.task = task
	task.Start(l.ctx)
	return true
}

// Poll runs one reconciliation pass over every active entry.
func (l *Listener) Poll(ctx context.Context) error {
	l.passMu.Lock()
	defer l.passMu.Unlock()
	metrics.ListenerPollsTotal.Inc()

	l.mu.Lock()
	var work []*domain.LegacyEntry
	origin := make(map[string]*domain.LegacyEntry)
	for _, e := range l.entries {
		if e.Active() {
			work = append(work, e.Clone())
			origin[e.TxHash] = e
		}
	}
	l.mu.Unlock()
	sortEntries(work)

	var (
		snapshot    *domain.BalanceSnapshot
		snapshotErr error
		fetched     bool
	)
	readBalances := func() (*domain.BalanceSnapshot, error) {
		if !fetched {
			fetched = true
			snap, err := l.balances.Snapshot(ctx)
			if err != nil {
				snapshotErr = err
			} else {
				snapshot = &snap
			}
		}
		return snapshot, snapshotErr
	}

	for _, e := range work {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch e.Status {
		case domain.TxStatusPending:
			l.checkPending(ctx, e)
		case domain.TxStatusConfirmed:
			// Nothing to compare against without a pre-swap snapshot.
			if l.balances == nil || !e.PreState.Known() {
				e.WalletUpdated = true
				break
			}
			snap, err := readBalances()
			l.checkWallet(e, snap, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, updated := range work {
		// Entries removed or re-registered during the pass keep their
		// current state.
		if l.entries[updated.TxHash] == origin[updated.TxHash] {
			l.entries[updated.TxHash] = updated
		}
	}
	if err := l.persistLocked(ctx); err != nil {
		return err
	}
	return l.sweepLocked(ctx)
}

func (l *Listener) sweepLocked(ctx context.Context) error {
	cutoff := l.now().Add(-l.cfg.Retention).UnixMilli()
	removed := 0
	for hash, e := range l.entries {
		if !e.Active() && e.Status.IsTerminal() && e.Timestamp < cutoff {
			delete(l.entries, hash)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	slog.Debug("Swept terminal transactions", "removed", removed)
	return l.persistLocked(ctx)
}

func (l *Listener) checkPending(ctx context.Context, e *domain.LegacyEntry) {
	tx, found, err := l.node.GetTransactionByID(ctx, e.TxHash)
	if err == nil && found && tx.Included() {
		now := l.now()
		height := tx.InclusionHeight
		confirmedAt := now.UnixMilli()
		e.Status = domain.TxStatusConfirmed
		e.ConfirmationHeight = &height
		e.ConfirmationTime = &confirmedAt
		e.ErrorMessage = ""

		metrics.ListenerTransitionsTotal.WithLabelValues(string(domain.TxStatusConfirmed)).Inc()
		metrics.ConfirmationLatency.Observe(float64(confirmedAt-e.Timestamp) / 1000)
		slog.Info("Transaction confirmed", "tx", e.TxHash, "height", height, "retries", e.RetryCount)
		return
	}

	// Unknown mempool visibility counts as in flight, so only the attempt
	// cap can time out an entry while the node is unreachable.
	inFlight := true
	if err != nil {
		slog.Warn("Transaction lookup failed", "tx", e.TxHash, "error", err)
	} else {
		inPool, poolErr := l.node.GetUnconfirmedTransactionByID(ctx, e.TxHash)
		if poolErr != nil {
			slog.Warn("Mempool lookup failed", "tx", e.TxHash, "error", poolErr)
		} else {
			inFlight = inPool
		}
	}

	e.RetryCount++
	age := l.now().Sub(time.UnixMilli(e.Timestamp))
	switch {
	case e.RetryCount >= l.cfg.MaxAttempts:
		e.Status = domain.TxStatusTimeout
		e.ErrorMessage = fmt.Sprintf("not confirmed after %d attempts", e.RetryCount)
	case !inFlight && age >= l.cfg.MaxWait:
		e.Status = domain.TxStatusTimeout
		e.ErrorMessage = fmt.Sprintf("not seen by the node after %s", age.Truncate(time.Second))
	default:
		slog.Debug("Transaction still pending", "tx", e.TxHash, "retry", e.RetryCount, "in_flight", inFlight)
		return
	}
	metrics.ListenerTransitionsTotal.WithLabelValues(string(domain.TxStatusTimeout)).Inc()
	slog.Warn("Transaction timed out", "tx", e.TxHash, "reason", e.ErrorMessage)
}

// checkWallet records the post-swap balances once the wallet reflects the
// confirmed transaction, or gives up after the configured number of checks.
func (l *Listener) checkWallet(e *domain.LegacyEntry, snap *domain.BalanceSnapshot, err error) {
	e.WalletChecks++
	if err == nil && !snap.Equal(e.PreState) {
		post := *snap
		e.PostState = &post
		e.WalletUpdated = true
		slog.Info("Wallet reflects transaction", "tx", e.TxHash)
		return
	}
	if err != nil {
		slog.Warn("Balance lookup failed", "tx", e.TxHash, "error", err)
	}
	if e.WalletChecks >= l.cfg.WalletChecks {
		if snap != nil {
			post := *snap
			e.PostState = &post
		}
		e.WalletUpdated = true
		slog.Info("Gave up waiting for wallet balances", "tx", e.TxHash, "checks", e.WalletChecks)
	}
}

// persistLocked writes the working set, deleting the key once it is empty.
func (l *Listener) persistLocked(ctx context.Context) error {
	pending := 0
	for _, e := range l.entries {
		if e.Status == domain.TxStatusPending {
			pending++
		}
	}
	metrics.ListenerPendingTransactions.Set(float64(pending))

	if len(l.entries) == 0 {
		if err := l.store.Delete(ctx, l.cfg.StorageKey); err != nil {
			return fmt.Errorf("%w: clear working set: %v", domain.ErrStorageUnavailable, err)
		}
		return nil
	}
	data, err := json.Marshal(l.entries)
	if err != nil {
		return fmt.Errorf("encode working set: %w", err)
	}
	if err := l.store.Put(ctx, l.cfg.StorageKey, data); err != nil {
		return fmt.Errorf("%w: write working set: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}
