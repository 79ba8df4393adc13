// Package wallet defines the wallet capability the tracker consumes. Concrete
// wallets are adapted to Wallet at the edge of the process.
package wallet

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vietddude/txtracker/internal/core/domain"
)

// UnspentOutput is a spendable box owned by the wallet.
type UnspentOutput struct {
	BoxID  string            `json:"boxId"`
	Value  int64             `json:"value"`
	Assets map[string]string `json:"assets,omitempty"`
}

// UnsignedTx is an opaque transaction produced by the protocol SDK.
type UnsignedTx struct {
	Payload []byte
}

// SignedTx is an opaque signed transaction.
type SignedTx struct {
	Payload []byte
}

// Wallet is the user's wallet.
type Wallet interface {
	// GetBalance returns the balance of assetID as a decimal string.
	GetBalance(ctx context.Context, assetID string) (string, error)
	GetUnspentOutputs(ctx context.Context) ([]UnspentOutput, error)
	Sign(ctx context.Context, tx UnsignedTx) (SignedTx, error)
	// Submit broadcasts tx and returns its id.
	Submit(ctx context.Context, tx SignedTx) (string, error)
}

// BalanceReader returns the three tracked balances as one snapshot.
type BalanceReader interface {
	Snapshot(ctx context.Context) (domain.BalanceSnapshot, error)
}

// Assets maps the tracked asset roles to wallet asset ids.
type Assets struct {
	Base     string `yaml:"base"`
	Stable   string `yaml:"stable"`
	Volatile string `yaml:"volatile"`
}

// AssetReader adapts a Wallet to BalanceReader.
type AssetReader struct {
	wallet Wallet
	assets Assets
}

// NewAssetReader creates a BalanceReader over w.
func NewAssetReader(w Wallet, assets Assets) *AssetReader {
	return &AssetReader{wallet: w, assets: assets}
}

// Snapshot reads every tracked balance. Failures wrap domain.ErrExternalService.
func (r *AssetReader) Snapshot(ctx context.Context) (domain.BalanceSnapshot, error) {
	var snap domain.BalanceSnapshot
	for _, f := range []struct {
		id  string
		dst *string
	}{
		{r.assets.Base, &snap.Base},
		{r.assets.Stable, &snap.Stable},
		{r.assets.Volatile, &snap.Volatile},
	} {
		bal, err := r.wallet.GetBalance(ctx, f.id)
		if err != nil {
			return domain.BalanceSnapshot{}, fmt.Errorf("%w: balance of %s: %v", domain.ErrExternalService, f.id, err)
		}
		d, err := decimal.NewFromString(bal)
		if err != nil {
			return domain.BalanceSnapshot{}, fmt.Errorf("%w: balance of %s is not a decimal: %q", domain.ErrExternalService, f.id, bal)
		}
		*f.dst = d.String()
	}
	return snap, nil
}
