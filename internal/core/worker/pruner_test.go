package worker

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/history"
	"github.com/vietddude/txtracker/internal/infra/storage/memory"
)

func TestPrune_RemovesOnlyExpiredRecords(t *testing.T) {
	ctx := context.Background()
	store := history.NewStoreWithRepo(memory.NewRecordStore())
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for id, age := range map[string]time.Duration{
		"old":    48 * time.Hour,
		"edge":   24 * time.Hour,
		"recent": time.Hour,
	} {
		rec := &domain.TransactionRecord{
			ID:         id,
			Timestamp:  now.Add(-age).UnixMilli(),
			ActionType: domain.ActionBaseToPair,
			Status:     domain.TxStatusConfirmed,
		}
		if err := store.SaveTransaction(ctx, rec); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	p := NewPruner(24*time.Hour, store)
	p.now = func() time.Time { return now }

	if n := p.Prune(ctx); n != 1 {
		t.Fatalf("Expected 1 record pruned, got %d", n)
	}
	all, _ := store.GetAllTransactions(ctx)
	if len(all) != 2 {
		t.Fatalf("Expected 2 records left, got %d", len(all))
	}
	for _, rec := range all {
		if rec.ID == "old" {
			t.Errorf("Expired record survived")
		}
	}
}

func TestStart_DisabledRetentionReturns(t *testing.T) {
	done := make(chan struct{})
	go func() {
		NewPruner(0, history.NewStoreWithRepo(memory.NewRecordStore())).Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return immediately when retention is disabled")
	}
}
