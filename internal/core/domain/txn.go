package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionType identifies which protocol conversion a transaction performed.
type ActionType string

const (
	ActionBaseToPair       ActionType = "convert-base-to-pair"
	ActionPairToBase       ActionType = "convert-pair-to-base"
	ActionVolatileToStable ActionType = "convert-volatile-to-stable"
	ActionStableToVolatile ActionType = "convert-stable-to-volatile"
)

// ActionTypes lists every supported action in a stable order.
var ActionTypes = []ActionType{
	ActionBaseToPair,
	ActionPairToBase,
	ActionVolatileToStable,
	ActionStableToVolatile,
}

// Valid reports whether a is one of the known action types.
func (a ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if a == known {
			return true
		}
	}
	return false
}

// TxStatus is the lifecycle state of a tracked transaction.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
	TxStatusTimeout   TxStatus = "timeout"
)

// TxStatuses lists every status in a stable order.
var TxStatuses = []TxStatus{TxStatusPending, TxStatusConfirmed, TxStatusFailed, TxStatusTimeout}

// Valid reports whether s is a known status.
func (s TxStatus) Valid() bool {
	switch s {
	case TxStatusPending, TxStatusConfirmed, TxStatusFailed, TxStatusTimeout:
		return true
	}
	return false
}

// IsTerminal reports whether s can no longer change through reconciliation.
func (s TxStatus) IsTerminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed || s == TxStatusTimeout
}

// BalanceSnapshot holds wallet balances as decimal strings.
type BalanceSnapshot struct {
	Base     string `json:"base"`
	Stable   string `json:"stable"`
	Volatile string `json:"volatile"`
}

// Known reports whether the snapshot was actually taken. A transaction
// registered without balances carries the empty snapshot.
func (b BalanceSnapshot) Known() bool {
	return b != BalanceSnapshot{}
}

// Equal compares two snapshots numerically, so "1.0" equals "1".
// Unparseable fields fall back to string comparison.
func (b BalanceSnapshot) Equal(o BalanceSnapshot) bool {
	return decimalEqual(b.Base, o.Base) &&
		decimalEqual(b.Stable, o.Stable) &&
		decimalEqual(b.Volatile, o.Volatile)
}

func decimalEqual(a, b string) bool {
	da, errA := decimal.NewFromString(a)
	db, errB := decimal.NewFromString(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return da.Equal(db)
}

// ExpectedChanges holds the signed per-asset deltas computed at submission time.
type ExpectedChanges struct {
	Base     string `json:"base"`
	Stable   string `json:"stable"`
	Volatile string `json:"volatile"`
	Fees     string `json:"fees"`
}

// TransactionRecord is the durable history entry for one submitted transaction.
type TransactionRecord struct {
	ID                 string           `json:"id"`
	Timestamp          int64            `json:"timestamp"`
	ActionType         ActionType       `json:"actionType"`
	Status             TxStatus         `json:"status"`
	PreState           BalanceSnapshot  `json:"preState"`
	PostState          *BalanceSnapshot `json:"postState,omitempty"`
	ExpectedChanges    ExpectedChanges  `json:"expectedChanges"`
	ConfirmationHeight *int64           `json:"confirmationHeight,omitempty"`
	ConfirmationTime   *int64           `json:"confirmationTime,omitempty"`
	RetryCount         int              `json:"retryCount"`
	ErrorMessage       string           `json:"errorMessage,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *TransactionRecord) Clone() *TransactionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.PostState != nil {
		ps := *r.PostState
		c.PostState = &ps
	}
	if r.ConfirmationHeight != nil {
		h := *r.ConfirmationHeight
		c.ConfirmationHeight = &h
	}
	if r.ConfirmationTime != nil {
		ts := *r.ConfirmationTime
		c.ConfirmationTime = &ts
	}
	return &c
}

// CreatedAt returns Timestamp as a time.Time.
func (r *TransactionRecord) CreatedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// RecordPatch lists optional field updates applied by UpdateTransactionStatus.
// Nil fields are left untouched.
type RecordPatch struct {
	PostState          *BalanceSnapshot `json:"postState,omitempty"`
	ConfirmationHeight *int64           `json:"confirmationHeight,omitempty"`
	ConfirmationTime   *int64           `json:"confirmationTime,omitempty"`
	RetryCount         *int             `json:"retryCount,omitempty"`
	ErrorMessage       *string          `json:"errorMessage,omitempty"`
}

// Apply merges the patch and the new status into r.
func (p RecordPatch) Apply(r *TransactionRecord, status TxStatus) {
	r.Status = status
	if p.PostState != nil {
		ps := *p.PostState
		r.PostState = &ps
	}
	if p.ConfirmationHeight != nil {
		h := *p.ConfirmationHeight
		r.ConfirmationHeight = &h
	}
	if p.ConfirmationTime != nil {
		ts := *p.ConfirmationTime
		r.ConfirmationTime = &ts
	}
	if p.RetryCount != nil {
		r.RetryCount = *p.RetryCount
	}
	if p.ErrorMessage != nil {
		r.ErrorMessage = *p.ErrorMessage
	}
}
