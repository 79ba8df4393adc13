// Package protocol is the boundary to the third-party protocol SDK. Only the
// operations the swap flow invokes are exposed, with concrete types, so the
// rest of the tracker never sees the SDK's own shapes.
package protocol

import (
	"context"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/infra/wallet"
)

// Prediction is the quoted outcome of a conversion. Amounts are decimal
// strings in whole units, unsigned.
type Prediction struct {
	Base     string
	Stable   string
	Volatile string
}

// BuildRequest describes the transaction the SDK should assemble.
type BuildRequest struct {
	Action  domain.ActionType
	Amount  string
	Inputs  []wallet.UnspentOutput
	Height  int64
	Address string
}

// SDK is the protocol capability.
type SDK interface {
	// PredictOutput quotes the assets moved by converting amount.
	PredictOutput(ctx context.Context, action domain.ActionType, amount string) (Prediction, error)
	// PredictFee quotes the network and protocol fee in base units.
	PredictFee(ctx context.Context, action domain.ActionType, amount string) (string, error)
	BuildUnsignedTx(ctx context.Context, req BuildRequest) (wallet.UnsignedTx, error)
	CurrentHeight(ctx context.Context) (int64, error)
}
