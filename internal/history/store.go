package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/infra/storage"
)

// Opener opens the backing repository. It is called at most once per
// successful Init.
type Opener func(ctx context.Context) (storage.RecordRepository, error)

// Store is the durable transaction history. Every operation opens the
// backend on first use.
type Store struct {
	open  Opener
	group singleflight.Group

	mu   sync.RWMutex
	repo storage.RecordRepository
}

// NewStore creates a store that opens its backend lazily through open.
func NewStore(open Opener) *Store {
	return &Store{open: open}
}

// NewStoreWithRepo wraps an already opened repository.
func NewStoreWithRepo(repo storage.RecordRepository) *Store {
	return &Store{repo: repo}
}

// Init opens the backend. Concurrent callers share one in-flight open, and a
// failed open is retried by the next call.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.repository(ctx)
	return err
}

func (s *Store) repository(ctx context.Context) (storage.RecordRepository, error) {
	s.mu.RLock()
	repo := s.repo
	s.mu.RUnlock()
	if repo != nil {
		return repo, nil
	}
	if s.open == nil {
		return nil, fmt.Errorf("%w: no backend configured", domain.ErrStorageUnavailable)
	}

	v, err, _ := s.group.Do("init", func() (any, error) {
		s.mu.RLock()
		existing := s.repo
		s.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		opened, err := s.open(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
		s.mu.Lock()
		s.repo = opened
		s.mu.Unlock()
		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(storage.RecordRepository), nil
}

// SaveTransaction upserts rec by id.
func (s *Store) SaveTransaction(ctx context.Context, rec *domain.TransactionRecord) error {
	repo, err := s.repository(ctx)
	if err != nil {
		return err
	}
	if err := repo.Save(ctx, rec); err != nil {
		return fmt.Errorf("save transaction: %w", err)
	}
	return nil
}

// GetTransaction returns domain.ErrNotFound for unknown ids.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.TransactionRecord, error) {
	repo, err := s.repository(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return rec, nil
}

// QueryTransactions returns the matching page. The result is never nil.
func (s *Store) QueryTransactions(
	ctx context.Context,
	opts storage.QueryOptions,
) ([]*domain.TransactionRecord, error) {
	repo, err := s.repository(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := repo.Query(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	if recs == nil {
		recs = []*domain.TransactionRecord{}
	}
	return recs, nil
}

// GetAllTransactions returns every record in ascending timestamp order.
func (s *Store) GetAllTransactions(ctx context.Context) ([]*domain.TransactionRecord, error) {
	repo, err := s.repository(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return recs, nil
}

// UpdateTransactionStatus sets status and merges patch. It fails with
// domain.ErrNotFound when the record does not exist.
func (s *Store) UpdateTransactionStatus(
	ctx context.Context,
	id string,
	status domain.TxStatus,
	patch domain.RecordPatch,
) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
	}
	repo, err := s.repository(ctx)
	if err != nil {
		return err
	}
	if err := repo.UpdateStatus(ctx, id, status, patch); err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	return nil
}

// DeleteTransaction removes one record.
func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	repo, err := s.repository(ctx)
	if err != nil {
		return err
	}
	if err := repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	return nil
}

// ClearAll removes every record.
func (s *Store) ClearAll(ctx context.Context) error {
	repo, err := s.repository(ctx)
	if err != nil {
		return err
	}
	if err := repo.Clear(ctx); err != nil {
		return fmt.Errorf("clear transactions: %w", err)
	}
	return nil
}

// GetStats aggregates the whole history.
func (s *Store) GetStats(ctx context.Context) (storage.Stats, error) {
	recs, err := s.GetAllTransactions(ctx)
	if err != nil {
		return storage.Stats{}, err
	}
	return storage.ComputeStats(recs), nil
}

// PruneOlderThan deletes records created before cutoff and reports how many
// were removed.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	recs, err := s.QueryTransactions(ctx, storage.QueryOptions{EndDate: cutoff, Order: storage.SortAsc})
	if err != nil {
		return 0, err
	}
	for i, rec := range recs {
		if err := s.DeleteTransaction(ctx, rec.ID); err != nil {
			return i, err
		}
	}
	return len(recs), nil
}

// Health opens the backend if needed and pings it when the backend supports
// that. Failures wrap domain.ErrStorageUnavailable.
func (s *Store) Health(ctx context.Context) error {
	repo, err := s.repository(ctx)
	if err != nil {
		return err
	}
	pinger, ok := repo.(interface{ Health(context.Context) error })
	if !ok {
		return nil
	}
	if err := pinger.Health(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// Ready reports whether the backend has been opened.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo != nil
}

// Close releases the backend if it was opened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repo == nil {
		return nil
	}
	err := s.repo.Close()
	s.repo = nil
	return err
}
