// Package swap runs a user-initiated conversion end to end: snapshot, quote,
// build, sign, submit, then hand the transaction to the tracker.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/infra/protocol"
	"github.com/vietddude/txtracker/internal/infra/wallet"
)

// Tracker is the confirmation listener's registration entry point.
type Tracker interface {
	SaveUpTransaction(ctx context.Context, txHash string, actionType domain.ActionType, preState domain.BalanceSnapshot, expected domain.ExpectedChanges) error
}

// Recorder is the durable history subset used to create pending records.
type Recorder interface {
	GetTransaction(ctx context.Context, id string) (*domain.TransactionRecord, error)
	SaveTransaction(ctx context.Context, rec *domain.TransactionRecord) error
}

// Request is a conversion of Amount units of the action's input asset.
type Request struct {
	Action  domain.ActionType `json:"action"`
	Amount  string            `json:"amount"`
	Address string            `json:"address,omitempty"`
}

// Result describes a submitted swap.
type Result struct {
	TxID            string                 `json:"txId"`
	PreState        domain.BalanceSnapshot `json:"preState"`
	ExpectedChanges domain.ExpectedChanges `json:"expectedChanges"`
}

// Registrar hands a submitted transaction to the listener and the history.
type Registrar struct {
	tracker  Tracker
	recorder Recorder
	now      func() time.Time
}

// NewRegistrar creates a Registrar.
func NewRegistrar(tracker Tracker, recorder Recorder) *Registrar {
	return &Registrar{tracker: tracker, recorder: recorder, now: time.Now}
}

// Service executes swaps.
type Service struct {
	*Registrar
	sdk      protocol.SDK
	wallet   wallet.Wallet
	balances wallet.BalanceReader
}

// NewService wires a swap service.
func NewService(sdk protocol.SDK, w wallet.Wallet, balances wallet.BalanceReader, reg *Registrar) *Service {
	return &Service{
		Registrar: reg,
		sdk:       sdk,
		wallet:    w,
		balances:  balances,
	}
}

// Execute runs req. Any failure before submission is returned and leaves no
// trace in the listener or the history.
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", domain.ErrValidation, req.Action)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be a positive decimal", domain.ErrValidation)
	}

	pre, err := s.balances.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("pre-swap snapshot: %w", err)
	}
	pred, err := s.sdk.PredictOutput(ctx, req.Action, req.Amount)
	if err != nil {
		return nil, external("predict output", err)
	}
	fee, err := s.sdk.PredictFee(ctx, req.Action, req.Amount)
	if err != nil {
		return nil, external("predict fee", err)
	}
	expected, err := ExpectedChanges(req.Action, amount, pred, fee)
	if err != nil {
		return nil, err
	}

	inputs, err := s.wallet.GetUnspentOutputs(ctx)
	if err != nil {
		return nil, external("unspent outputs", err)
	}
	height, err := s.sdk.CurrentHeight(ctx)
	if err != nil {
		return nil, external("current height", err)
	}
	unsigned, err := s.sdk.BuildUnsignedTx(ctx, protocol.BuildRequest{
		Action:  req.Action,
		Amount:  req.Amount,
		Inputs:  inputs,
		Height:  height,
		Address: req.Address,
	})
	if err != nil {
		return nil, external("build tx", err)
	}
	signed, err := s.wallet.Sign(ctx, unsigned)
	if err != nil {
		return nil, external("sign tx", err)
	}
	txID, err := s.wallet.Submit(ctx, signed)
	if err != nil {
		return nil, external("submit tx", err)
	}
	slog.Info("Swap submitted", "tx", txID, "action", req.Action, "amount", req.Amount)

	if err := s.Track(ctx, txID, req.Action, pre, expected); err != nil {
		return nil, fmt.Errorf("track %s: %w", txID, err)
	}
	return &Result{TxID: txID, PreState: pre, ExpectedChanges: expected}, nil
}

// Track registers a submitted transaction with the listener and creates its
// pending history record. A record that already exists is left alone.
func (r *Registrar) Track(
	ctx context.Context,
	txID string,
	action domain.ActionType,
	pre domain.BalanceSnapshot,
	expected domain.ExpectedChanges,
) error {
	if err := r.tracker.SaveUpTransaction(ctx, txID, action, pre, expected); err != nil {
		return err
	}

	_, err := r.recorder.GetTransaction(ctx, txID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return r.recorder.SaveTransaction(ctx, &domain.TransactionRecord{
		ID:              txID,
		Timestamp:       r.now().UnixMilli(),
		ActionType:      action,
		Status:          domain.TxStatusPending,
		PreState:        pre,
		ExpectedChanges: expected,
	})
}

// ExpectedChanges computes signed deltas for converting amount. Inputs are
// negative, outputs positive, and the fee is reported as a negative figure.
func ExpectedChanges(action domain.ActionType, amount decimal.Decimal, pred protocol.Prediction, fee string) (domain.ExpectedChanges, error) {
	parse := func(name, v string) (decimal.Decimal, error) {
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s %q: %v", domain.ErrExternalService, name, v, err)
		}
		return d.Abs(), nil
	}

	base, err := parse("base", pred.Base)
	if err != nil {
		return domain.ExpectedChanges{}, err
	}
	stable, err := parse("stable", pred.Stable)
	if err != nil {
		return domain.ExpectedChanges{}, err
	}
	volatile, err := parse("volatile", pred.Volatile)
	if err != nil {
		return domain.ExpectedChanges{}, err
	}
	feeAmt, err := parse("fee", fee)
	if err != nil {
		return domain.ExpectedChanges{}, err
	}
	amount = amount.Abs()

	var b, st, v decimal.Decimal
	switch action {
	case domain.ActionBaseToPair:
		b, st, v = amount.Neg(), stable, volatile
	case domain.ActionPairToBase:
		b, st, v = base, stable.Neg(), volatile.Neg()
	case domain.ActionVolatileToStable:
		st, v = stable, amount.Neg()
	case domain.ActionStableToVolatile:
		st, v = amount.Neg(), volatile
	default:
		return domain.ExpectedChanges{}, fmt.Errorf("%w: unknown action %q", domain.ErrValidation, action)
	}

	return domain.ExpectedChanges{
		Base:     format(b),
		Stable:   format(st),
		Volatile: format(v),
		Fees:     format(feeAmt.Neg()),
	}, nil
}

// format renders d with an explicit sign; zero is "0".
func format(d decimal.Decimal) string {
	switch {
	case d.IsZero():
		return "0"
	case d.IsPositive():
		return "+" + d.String()
	default:
		return d.String()
	}
}

func external(op string, err error) error {
	if errors.Is(err, domain.ErrExternalService) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrExternalService, op, err)
}
