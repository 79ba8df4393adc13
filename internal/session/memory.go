package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/metrics"
)

// MemoryRegistry keeps sessions in process. Expiry is enforced lazily on
// read; Run sweeps periodically to bound memory.
type MemoryRegistry struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*domain.SigningSession
}

// MemoryOption configures a MemoryRegistry.
type MemoryOption func(*MemoryRegistry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) { r.now = now }
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry(cfg Config, opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		cfg:      cfg.WithDefaults(),
		now:      time.Now,
		sessions: make(map[string]*domain.SigningSession),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRegistry) Store(ctx context.Context, req CreateRequest) (s *domain.SigningSession, err error) {
	defer func() { metrics.SessionOpsTotal.WithLabelValues("store", resultLabel(err)).Inc() }()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s = newSession(req, r.visibleLocked(req.SessionID), r.now())
	r.sessions[s.SessionID] = s
	r.updateGaugeLocked()
	out := *s
	return &out, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*domain.SigningSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.visibleLocked(id)
	if s == nil {
		return nil, domain.ErrSessionNotFound
	}
	out := *s
	return &out, nil
}

func (r *MemoryRegistry) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (err error) {
	defer func() { metrics.SessionOpsTotal.WithLabelValues("update_status", resultLabel(err)).Inc() }()
	if err := update.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.visibleLocked(id)
	if s == nil {
		return domain.ErrSessionNotFound
	}
	if err := checkTransition(s.Status, update.Status); err != nil {
		return err
	}
	applyStatus(s, update)
	return nil
}

func (r *MemoryRegistry) UpdateAddress(ctx context.Context, id, address string) (err error) {
	defer func() { metrics.SessionOpsTotal.WithLabelValues("update_address", resultLabel(err)).Inc() }()
	if err := validateAddress(address); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.visibleLocked(id)
	if s == nil {
		return domain.ErrSessionNotFound
	}
	s.Address = address
	return nil
}

func (r *MemoryRegistry) StoreOrUpdateAddress(ctx context.Context, id, address string) (_ *domain.SigningSession, err error) {
	defer func() { metrics.SessionOpsTotal.WithLabelValues("store_address", resultLabel(err)).Inc() }()
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := validateAddress(address); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.visibleLocked(id)
	if s == nil {
		s = placeholder(id, address, r.now())
		r.sessions[id] = s
		r.updateGaugeLocked()
	} else {
		s.Address = address
	}
	out := *s
	return &out, nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	r.updateGaugeLocked()
	return nil
}

// CleanupExpired removes every expired session and returns how many it dropped.
func (r *MemoryRegistry) CleanupExpired(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for id, s := range r.sessions {
		if s.Expired(now, r.cfg.ExpiryWindow) {
			delete(r.sessions, id)
			removed++
		}
	}
	r.updateGaugeLocked()
	return removed, nil
}

// Run sweeps expired sessions every CleanupInterval until ctx is done.
func (r *MemoryRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, _ := r.CleanupExpired(ctx)
			if n > 0 {
				slog.Debug("Removed expired sessions", "count", n)
			}
		}
	}
}

// visibleLocked returns the live session for id, dropping it if expired.
func (r *MemoryRegistry) visibleLocked(id string) *domain.SigningSession {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	if s.Expired(r.now(), r.cfg.ExpiryWindow) {
		delete(r.sessions, id)
		r.updateGaugeLocked()
		return nil
	}
	return s
}

func (r *MemoryRegistry) updateGaugeLocked() {
	metrics.SessionsActive.Set(float64(len(r.sessions)))
}
