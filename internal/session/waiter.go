package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/poll"
)

// Waiter polls a session until the signer reports a final status.
type Waiter struct {
	reg         Registry
	interval    time.Duration
	maxAttempts int
}

// NewWaiter creates a waiter bounded by cfg's poll settings.
func NewWaiter(reg Registry, cfg Config) *Waiter {
	cfg = cfg.WithDefaults()
	return &Waiter{reg: reg, interval: cfg.PollInterval, maxAttempts: cfg.PollMaxAttempts}
}

// Wait blocks until session id is terminal, disappears, the attempt budget
// runs out (poll.ErrMaxAttempts) or ctx is cancelled. The last session seen
// is returned alongside budget and cancellation errors.
func (w *Waiter) Wait(ctx context.Context, id string) (*domain.SigningSession, error) {
	var (
		mu   sync.Mutex
		last *domain.SigningSession
	)
	task := poll.New(poll.Options{
		Interval:    w.interval,
		MaxAttempts: w.maxAttempts,
		Immediate:   true,
	}, func(ctx context.Context, attempt int) (bool, error) {
		s, err := w.reg.Get(ctx, id)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return false, err
		}
		if err != nil {
			slog.Warn("Session poll failed", "session_id", id, "attempt", attempt, "error", err)
			return false, nil
		}
		mu.Lock()
		last = s
		mu.Unlock()
		return s.Status.IsTerminal(), nil
	})

	err := task.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, err
	}
	return last, err
}
