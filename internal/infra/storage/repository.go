package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/txtracker/internal/core/domain"
)

// SortOrder controls timestamp ordering of query results.
type SortOrder string

const (
	SortDesc SortOrder = "desc"
	SortAsc  SortOrder = "asc"
)

// QueryOptions filters and paginates a record query. Zero values mean "unset".
type QueryOptions struct {
	ActionType domain.ActionType
	Status     domain.TxStatus
	StartDate  time.Time // inclusive
	EndDate    time.Time // exclusive
	Limit      int
	Offset     int
	Order      SortOrder
}

// HasRange reports whether a time bound is set.
func (o QueryOptions) HasRange() bool {
	return !o.StartDate.IsZero() || !o.EndDate.IsZero()
}

// Validate rejects option combinations no backend can serve.
func (o QueryOptions) Validate() error {
	if o.ActionType != "" && !o.ActionType.Valid() {
		return fmt.Errorf("%w: unknown action type %q", domain.ErrValidation, o.ActionType)
	}
	if o.Status != "" && !o.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrValidation, o.Status)
	}
	if o.Order != "" && o.Order != SortAsc && o.Order != SortDesc {
		return fmt.Errorf("%w: unknown sort order %q", domain.ErrValidation, o.Order)
	}
	if o.Limit < 0 || o.Offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", domain.ErrValidation)
	}
	return nil
}

// Matches applies every predicate in o to rec.
func (o QueryOptions) Matches(rec *domain.TransactionRecord) bool {
	if o.ActionType != "" && rec.ActionType != o.ActionType {
		return false
	}
	if o.Status != "" && rec.Status != o.Status {
		return false
	}
	if !o.StartDate.IsZero() && rec.Timestamp < o.StartDate.UnixMilli() {
		return false
	}
	if !o.EndDate.IsZero() && rec.Timestamp >= o.EndDate.UnixMilli() {
		return false
	}
	return true
}

// RecordRepository handles transaction record storage operations
type RecordRepository interface {
	// Save upserts a record by id
	Save(ctx context.Context, rec *domain.TransactionRecord) error

	// Get returns domain.ErrNotFound when the id is absent
	Get(ctx context.Context, id string) (*domain.TransactionRecord, error)

	// Query returns matching records, never nil
	Query(ctx context.Context, opts QueryOptions) ([]*domain.TransactionRecord, error)

	// All returns every record
	All(ctx context.Context) ([]*domain.TransactionRecord, error)

	// UpdateStatus merges patch into an existing record
	UpdateStatus(
		ctx context.Context,
		id string,
		status domain.TxStatus,
		patch domain.RecordPatch,
	) error

	// Delete removes a record; deleting an absent id is not an error
	Delete(ctx context.Context, id string) error

	// Clear removes every record
	Clear(ctx context.Context) error

	// Close releases the backend
	Close() error
}
