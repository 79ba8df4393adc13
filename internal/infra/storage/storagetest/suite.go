// Package storagetest holds behaviour tests shared by every RecordRepository
// backend.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/infra/storage"
)

// Factory returns an empty repository. Cleanup is the factory's job.
type Factory func(t *testing.T) storage.RecordRepository

// Record builds a pending record with fixed balances.
func Record(id string, ts int64, action domain.ActionType, status domain.TxStatus) *domain.TransactionRecord {
	return &domain.TransactionRecord{
		ID:         id,
		Timestamp:  ts,
		ActionType: action,
		Status:     status,
		PreState:   domain.BalanceSnapshot{Base: "100", Stable: "50", Volatile: "25"},
		ExpectedChanges: domain.ExpectedChanges{
			Base: "-1.5", Stable: "+3", Volatile: "0", Fees: "-0.0011",
		},
	}
}

func ids(recs []*domain.TransactionRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

// Seed writes a fixed data set used by the query tests:
//
//	a1 t=1000 base-to-pair   confirmed
//	a2 t=2000 base-to-pair   pending
//	b1 t=3000 pair-to-base   confirmed
//	c1 t=4000 stable-to-vol  timeout
//	a3 t=5000 base-to-pair   confirmed
func Seed(t *testing.T, repo storage.RecordRepository) {
	t.Helper()
	ctx := context.Background()
	for _, rec := range []*domain.TransactionRecord{
		Record("a1", 1000, domain.ActionBaseToPair, domain.TxStatusConfirmed),
		Record("a2", 2000, domain.ActionBaseToPair, domain.TxStatusPending),
		Record("b1", 3000, domain.ActionPairToBase, domain.TxStatusConfirmed),
		Record("c1", 4000, domain.ActionStableToVolatile, domain.TxStatusTimeout),
		Record("a3", 5000, domain.ActionBaseToPair, domain.TxStatusConfirmed),
	} {
		require.NoError(t, repo.Save(ctx, rec))
	}
}

// Run exercises the full RecordRepository contract.
func Run(t *testing.T, newRepo Factory) {
	t.Run("SaveIsIdempotentUpsert", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		rec := Record("tx-1", 1000, domain.ActionBaseToPair, domain.TxStatusPending)
		require.NoError(t, repo.Save(ctx, rec))
		require.NoError(t, repo.Save(ctx, rec))

		rec.Status = domain.TxStatusConfirmed
		require.NoError(t, repo.Save(ctx, rec))

		all, err := repo.All(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, domain.TxStatusConfirmed, all[0].Status)

		// Status index must follow the upsert.
		pending, err := repo.Query(ctx, storage.QueryOptions{Status: domain.TxStatusPending})
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("GetRoundTripsOptionalFields", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		_, err := repo.Get(ctx, "missing")
		assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

		rec := Record("tx-2", 1000, domain.ActionPairToBase, domain.TxStatusConfirmed)
		h, ct := int64(12345), int64(1500)
		rec.ConfirmationHeight = &h
		rec.ConfirmationTime = &ct
		rec.PostState = &domain.BalanceSnapshot{Base: "98.5", Stable: "53", Volatile: "25"}
		rec.RetryCount = 2
		require.NoError(t, repo.Save(ctx, rec))

		got, err := repo.Get(ctx, "tx-2")
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("SaveRejectsEmptyID", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.Save(context.Background(), Record("", 1, domain.ActionBaseToPair, domain.TxStatusPending))
		assert.True(t, errors.Is(err, domain.ErrValidation), "got %v", err)
	})

	t.Run("QueryFiltersAndOrders", func(t *testing.T) {
		repo := newRepo(t)
		Seed(t, repo)
		ctx := context.Background()

		cases := []struct {
			name string
			opts storage.QueryOptions
			want []string
		}{
			{"all desc by default", storage.QueryOptions{}, []string{"a3", "c1", "b1", "a2", "a1"}},
			{"all asc", storage.QueryOptions{Order: storage.SortAsc}, []string{"a1", "a2", "b1", "c1", "a3"}},
			{"action", storage.QueryOptions{ActionType: domain.ActionBaseToPair}, []string{"a3", "a2", "a1"}},
			{"status", storage.QueryOptions{Status: domain.TxStatusConfirmed}, []string{"a3", "b1", "a1"}},
			{
				"action and status",
				storage.QueryOptions{ActionType: domain.ActionBaseToPair, Status: domain.TxStatusConfirmed},
				[]string{"a3", "a1"},
			},
			{
				"start inclusive end exclusive",
				storage.QueryOptions{StartDate: time.UnixMilli(2000), EndDate: time.UnixMilli(4000)},
				[]string{"b1", "a2"},
			},
			{
				"action with range",
				storage.QueryOptions{
					ActionType: domain.ActionBaseToPair,
					StartDate:  time.UnixMilli(1500),
					Order:      storage.SortAsc,
				},
				[]string{"a2", "a3"},
			},
			{
				"status with range",
				storage.QueryOptions{Status: domain.TxStatusConfirmed, EndDate: time.UnixMilli(3500)},
				[]string{"b1", "a1"},
			},
			{"limit", storage.QueryOptions{Limit: 2}, []string{"a3", "c1"}},
			{"offset", storage.QueryOptions{Offset: 3}, []string{"a2", "a1"}},
			{"limit and offset", storage.QueryOptions{Limit: 2, Offset: 1, Order: storage.SortAsc}, []string{"a2", "b1"}},
			{"offset past end", storage.QueryOptions{Offset: 10}, []string{}},
			{"no match", storage.QueryOptions{Status: domain.TxStatusFailed}, []string{}},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				got, err := repo.Query(ctx, tc.opts)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, tc.want, ids(got))
			})
		}
	})

	t.Run("QueryRejectsUnknownEnums", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Query(context.Background(), storage.QueryOptions{Status: "lost"})
		assert.True(t, errors.Is(err, domain.ErrValidation), "got %v", err)
	})

	t.Run("UpdateStatusMergesPatch", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		err := repo.UpdateStatus(ctx, "missing", domain.TxStatusTimeout, domain.RecordPatch{})
		assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

		require.NoError(t, repo.Save(ctx, Record("tx-3", 1000, domain.ActionBaseToPair, domain.TxStatusPending)))
		msg := "not confirmed after 60 attempts"
		retries := 60
		require.NoError(t, repo.UpdateStatus(ctx, "tx-3", domain.TxStatusTimeout, domain.RecordPatch{
			ErrorMessage: &msg,
			RetryCount:   &retries,
		}))

		got, err := repo.Get(ctx, "tx-3")
		require.NoError(t, err)
		assert.Equal(t, domain.TxStatusTimeout, got.Status)
		assert.Equal(t, msg, got.ErrorMessage)
		assert.Equal(t, 60, got.RetryCount)
		assert.Nil(t, got.PostState)
		assert.Equal(t, "100", got.PreState.Base)

		timeouts, err := repo.Query(ctx, storage.QueryOptions{Status: domain.TxStatusTimeout})
		require.NoError(t, err)
		assert.Equal(t, []string{"tx-3"}, ids(timeouts))
	})

	t.Run("DeleteAndClear", func(t *testing.T) {
		repo := newRepo(t)
		Seed(t, repo)
		ctx := context.Background()

		require.NoError(t, repo.Delete(ctx, "b1"))
		require.NoError(t, repo.Delete(ctx, "b1"))
		_, err := repo.Get(ctx, "b1")
		assert.True(t, errors.Is(err, domain.ErrNotFound))

		byAction, err := repo.Query(ctx, storage.QueryOptions{ActionType: domain.ActionPairToBase})
		require.NoError(t, err)
		assert.Empty(t, byAction)

		require.NoError(t, repo.Clear(ctx))
		all, err := repo.All(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}
