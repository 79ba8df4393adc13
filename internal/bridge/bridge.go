// Package bridge copies the confirmation listener's working set into the
// durable history. Writes only ever move a record forward.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/infra/kv"
	"github.com/vietddude/txtracker/internal/listener"
	"github.com/vietddude/txtracker/internal/metrics"
)

// History is the subset of the durable store the bridge writes to.
type History interface {
	GetTransaction(ctx context.Context, id string) (*domain.TransactionRecord, error)
	SaveTransaction(ctx context.Context, rec *domain.TransactionRecord) error
	UpdateTransactionStatus(ctx context.Context, id string, status domain.TxStatus, patch domain.RecordPatch) error
}

// Config holds bridge settings.
type Config struct {
	SyncInterval time.Duration `yaml:"sync_interval"`
	// Key is the blob holding the working set.
	Key string `yaml:"key"`
}

// Bridge keeps the durable history consistent with the working set.
type Bridge struct {
	cfg     Config
	store   kv.BlobStore
	history History
}

// New creates a bridge that reads the working set from store.
func New(cfg Config, store kv.BlobStore, history History) *Bridge {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.Key == "" {
		cfg.Key = listener.DefaultStorageKey
	}
	return &Bridge{cfg: cfg, store: store, history: history}
}

// MigrateFromLegacy inserts every entry under key that the durable store does
// not hold yet. Existing records are never overwritten. It returns the number
// of records inserted. Per-entry failures are joined into the returned error.
func (b *Bridge) MigrateFromLegacy(ctx context.Context, key string) (int, error) {
	set, err := listener.LoadWorkingSet(ctx, b.store, key)
	if err != nil {
		return 0, fmt.Errorf("load legacy set: %w", err)
	}

	var (
		inserted int
		errs     []error
	)
	for _, e := range set {
		_, err := b.history.GetTransaction(ctx, e.TxHash)
		if err == nil {
			continue
		}
		if errors.Is(err, domain.ErrNotFound) {
			err = b.history.SaveTransaction(ctx, e.ToRecord())
		}
		if err != nil {
			slog.Warn("Failed to migrate transaction", "tx", e.TxHash, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.TxHash, err))
			continue
		}
		inserted++
	}
	if inserted > 0 {
		metrics.BridgeWritesTotal.WithLabelValues("migrate").Add(float64(inserted))
		slog.Info("Migrated legacy transactions", "key", key, "inserted", inserted, "total", len(set))
	}
	return inserted, errors.Join(errs...)
}

// SyncToHistory reconciles the durable store with the current working set and
// reports how many writes it made. Running it again without working-set
// changes writes nothing. A failing entry does not hold back the others; the
// failures are joined into the returned error.
func (b *Bridge) SyncToHistory(ctx context.Context) (int, error) {
	set, err := listener.LoadWorkingSet(ctx, b.store, b.cfg.Key)
	if err != nil {
		return 0, fmt.Errorf("load working set: %w", err)
	}

	var (
		writes int
		errs   []error
	)
	for _, e := range set {
		wrote, err := b.syncEntry(ctx, e)
		if err != nil {
			slog.Warn("Failed to sync transaction", "tx", e.TxHash, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.TxHash, err))
			continue
		}
		if wrote {
			writes++
		}
	}
	return writes, errors.Join(errs...)
}

// syncEntry inserts or promotes the durable record for e. It reports whether
// anything was written.
func (b *Bridge) syncEntry(ctx context.Context, e *domain.LegacyEntry) (bool, error) {
	rec, err := b.history.GetTransaction(ctx, e.TxHash)
	if errors.Is(err, domain.ErrNotFound) {
		if err := b.history.SaveTransaction(ctx, e.ToRecord()); err != nil {
			return false, err
		}
		metrics.BridgeWritesTotal.WithLabelValues("insert").Inc()
		return true, nil
	}
	if err != nil {
		return false, err
	}

	status, patch, ok := promotion(rec, e)
	if !ok {
		return false, nil
	}
	if err := b.history.UpdateTransactionStatus(ctx, rec.ID, status, patch); err != nil {
		return false, err
	}
	metrics.BridgeWritesTotal.WithLabelValues(string(status)).Inc()
	return true, nil
}

// promotion computes the forward-only update that brings rec in line with e.
// ok is false when nothing needs writing.
func promotion(rec *domain.TransactionRecord, e *domain.LegacyEntry) (domain.TxStatus, domain.RecordPatch, bool) {
	var (
		patch   domain.RecordPatch
		status  = rec.Status
		changed bool
	)

	if rec.Status == domain.TxStatusPending {
		switch e.Status {
		case domain.TxStatusConfirmed:
			status = domain.TxStatusConfirmed
			patch.ConfirmationHeight = e.ConfirmationHeight
			patch.ConfirmationTime = e.ConfirmationTime
			retries := e.RetryCount
			patch.RetryCount = &retries
			changed = true
		case domain.TxStatusTimeout:
			status = domain.TxStatusTimeout
			msg := e.ErrorMessage
			patch.ErrorMessage = &msg
			retries := e.RetryCount
			patch.RetryCount = &retries
			changed = true
		}
	}

	if status == domain.TxStatusConfirmed && e.WalletUpdated && e.PostState != nil && rec.PostState == nil {
		post := *e.PostState
		patch.PostState = &post
		changed = true
	}
	return status, patch, changed
}

// Run migrates once and then syncs on every tick until ctx is done. Failures
// are logged and never stop the schedule.
func (b *Bridge) Run(ctx context.Context) {
	if _, err := b.MigrateFromLegacy(ctx, b.cfg.Key); err != nil {
		slog.Warn("Legacy migration failed", "error", err)
	}

	ticker := time.NewTicker(b.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.SyncToHistory(ctx)
			if err != nil {
				slog.Warn("Sync failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("Synced working set to history", "writes", n)
			}
		}
	}
}
