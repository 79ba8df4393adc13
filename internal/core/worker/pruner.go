package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/txtracker/internal/metrics"
)

// Pruner deletes history records older than the retention period.
type Pruner struct {
	retention time.Duration
	store     PruneStore
	now       func() time.Time
}

// PruneStore is the history operation the pruner drives.
type PruneStore interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, store PruneStore) *Pruner {
	return &Pruner{
		retention: retention,
		store:     store,
		now:       time.Now,
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check at 10% of the retention period, clamped to [1m, 1h]
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one pass and returns the number of records removed.
func (p *Pruner) Prune(ctx context.Context) int {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PruneOlderThan(ctx, cutoff)
	if n > 0 {
		metrics.RecordsPruned.Add(float64(n))
		slog.Info("Pruned history", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	if err != nil {
		slog.Error("Failed to prune history", "error", err)
	}
	return n
}
