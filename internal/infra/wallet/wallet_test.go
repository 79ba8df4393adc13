package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/txtracker/internal/core/domain"
)

type stubWallet struct {
	balances map[string]string
	err      error
}

func (s *stubWallet) GetBalance(ctx context.Context, assetID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.balances[assetID], nil
}

func (s *stubWallet) GetUnspentOutputs(ctx context.Context) ([]UnspentOutput, error) {
	return nil, nil
}

func (s *stubWallet) Sign(ctx context.Context, tx UnsignedTx) (SignedTx, error) {
	return SignedTx{Payload: tx.Payload}, nil
}

func (s *stubWallet) Submit(ctx context.Context, tx SignedTx) (string, error) {
	return "tx", nil
}

func TestAssetReader_Snapshot(t *testing.T) {
	w := &stubWallet{balances: map[string]string{"erg": "10.50", "sig": "3", "rsv": "0"}}
	r := NewAssetReader(w, Assets{Base: "erg", Stable: "sig", Volatile: "rsv"})

	snap, err := r.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	want := domain.BalanceSnapshot{Base: "10.5", Stable: "3", Volatile: "0"}
	if snap != want {
		t.Errorf("Expected %+v, got %+v", want, snap)
	}
}

func TestAssetReader_WrapsFailures(t *testing.T) {
	r := NewAssetReader(&stubWallet{err: errors.New("locked")}, Assets{Base: "erg"})
	if _, err := r.Snapshot(context.Background()); !errors.Is(err, domain.ErrExternalService) {
		t.Errorf("Expected ErrExternalService, got %v", err)
	}

	r = NewAssetReader(&stubWallet{balances: map[string]string{"erg": "lots"}}, Assets{Base: "erg"})
	if _, err := r.Snapshot(context.Background()); !errors.Is(err, domain.ErrExternalService) {
		t.Errorf("Expected ErrExternalService for non-decimal balance, got %v", err)
	}
}
