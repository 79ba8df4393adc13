package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the state of an out-of-band signing session.
type SessionStatus string

const (
	SessionStatusPending           SessionStatus = "pending"
	SessionStatusSubmitted         SessionStatus = "submitted"
	SessionStatusError             SessionStatus = "error"
	SessionStatusInsufficientFunds SessionStatus = "insufficient-funds"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusPending, SessionStatusSubmitted, SessionStatusError, SessionStatusInsufficientFunds:
		return true
	}
	return false
}

// IsTerminal reports whether the signer has finished with the session.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusSubmitted || s == SessionStatusError || s == SessionStatusInsufficientFunds
}

// SigningSession bridges a browser tab and a mobile signer through a QR code.
type SigningSession struct {
	SessionID      string        `json:"sessionId"`
	OperationType  ActionType    `json:"operationType,omitempty"`
	FromAmount     string        `json:"fromAmount"`
	ToAmount       string        `json:"toAmount"`
	BaseAmount     string        `json:"baseAmount,omitempty"`
	StableAmount   string        `json:"stableAmount,omitempty"`
	VolatileAmount string        `json:"volatileAmount,omitempty"`
	Address        string        `json:"address,omitempty"`
	Status         SessionStatus `json:"status"`
	TxID           string        `json:"txId,omitempty"`
	ErrorMessage   string        `json:"errorMessage,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Expired reports whether the session is past its visibility window at now.
func (s *SigningSession) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(s.CreatedAt) > window
}

// ExpectedChanges derives signed balance deltas from the session amounts.
// Address-only sessions yield zero deltas.
func (s *SigningSession) ExpectedChanges() ExpectedChanges {
	base := pick(s.BaseAmount, s.FromAmount, s.ToAmount, s.OperationType)
	changes := ExpectedChanges{Base: "0", Stable: "0", Volatile: "0", Fees: "0"}

	switch s.OperationType {
	case ActionBaseToPair:
		changes.Base = signed(base, true)
		changes.Stable = signed(s.StableAmount, false)
		changes.Volatile = signed(s.VolatileAmount, false)
	case ActionPairToBase:
		changes.Base = signed(base, false)
		changes.Stable = signed(s.StableAmount, true)
		changes.Volatile = signed(s.VolatileAmount, true)
	case ActionVolatileToStable:
		changes.Volatile = signed(firstNonEmpty(s.VolatileAmount, s.FromAmount), true)
		changes.Stable = signed(firstNonEmpty(s.StableAmount, s.ToAmount), false)
	case ActionStableToVolatile:
		changes.Stable = signed(firstNonEmpty(s.StableAmount, s.FromAmount), true)
		changes.Volatile = signed(firstNonEmpty(s.VolatileAmount, s.ToAmount), false)
	}
	return changes
}

// pick resolves the base-asset amount: explicit, else whichever side of the
// conversion the base asset sits on.
func pick(explicit, from, to string, op ActionType) string {
	if explicit != "" {
		return explicit
	}
	if op == ActionPairToBase {
		return to
	}
	return from
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// signed returns |amount| with a leading sign. Unparseable input yields "0".
func signed(amount string, negative bool) string {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "0"
	}
	d = d.Abs()
	if d.IsZero() {
		return "0"
	}
	if negative {
		return d.Neg().String()
	}
	return "+" + d.String()
}
