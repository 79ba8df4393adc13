// Package session holds out-of-band signing sessions: a browser registers a
// session before showing a QR code and the mobile signer reports back through
// callbacks.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/vietddude/txtracker/internal/core/domain"
)

// DefaultExpiryWindow is how long a session stays visible after creation.
const DefaultExpiryWindow = 15 * time.Minute

// Registry stores signing sessions. Expired sessions read as absent and every
// mutator merges field by field.
type Registry interface {
	Store(ctx context.Context, req CreateRequest) (*domain.SigningSession, error)
	Get(ctx context.Context, id string) (*domain.SigningSession, error)
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error
	UpdateAddress(ctx context.Context, id, address string) error
	// StoreOrUpdateAddress creates a minimal pending session when id is unknown.
	StoreOrUpdateAddress(ctx context.Context, id, address string) (*domain.SigningSession, error)
	Delete(ctx context.Context, id string) error
	CleanupExpired(ctx context.Context) (int, error)
}

// Config holds session settings.
type Config struct {
	ExpiryWindow    time.Duration `yaml:"expiry_window"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// PollInterval and PollMaxAttempts bound the wait endpoint, independently
	// of the confirmation listener.
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollMaxAttempts int           `yaml:"poll_max_attempts"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.ExpiryWindow <= 0 {
		c.ExpiryWindow = DefaultExpiryWindow
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 150
	}
	return c
}

// CreateRequest is the payload for registering a session.
type CreateRequest struct {
	SessionID      string            `json:"sessionId" validate:"required,max=128"`
	OperationType  domain.ActionType `json:"operationType,omitempty" validate:"omitempty,actiontype"`
	FromAmount     string            `json:"fromAmount" validate:"omitempty,amount"`
	ToAmount       string            `json:"toAmount" validate:"omitempty,amount"`
	BaseAmount     string            `json:"baseAmount,omitempty" validate:"omitempty,amount"`
	StableAmount   string            `json:"stableAmount,omitempty" validate:"omitempty,amount"`
	VolatileAmount string            `json:"volatileAmount,omitempty" validate:"omitempty,amount"`
	Address        string            `json:"address,omitempty" validate:"max=256"`
}

// StatusUpdate is the signer callback payload. Empty TxID and ErrorMessage
// leave the stored values untouched.
type StatusUpdate struct {
	Status       domain.SessionStatus `json:"status" validate:"required,sessionstatus"`
	TxID         string               `json:"txId,omitempty" validate:"max=128"`
	ErrorMessage string               `json:"errorMessage,omitempty"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("actiontype", func(fl validator.FieldLevel) bool {
		return domain.ActionType(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("sessionstatus", func(fl validator.FieldLevel) bool {
		return domain.SessionStatus(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		_, err := decimal.NewFromString(fl.Field().String())
		return err == nil
	})
}

// Validate checks the payload. Failures wrap domain.ErrValidation.
func (r CreateRequest) Validate() error {
	return validationError(validate.Struct(r))
}

// Validate checks the payload. Failures wrap domain.ErrValidation.
func (u StatusUpdate) Validate() error {
	return validationError(validate.Struct(u))
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("%w: field %s failed %q", domain.ErrValidation, fe.Field(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", domain.ErrValidation, err)
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: session id is required", domain.ErrValidation)
	}
	return nil
}

func validateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("%w: address is required", domain.ErrValidation)
	}
	return nil
}

// newSession builds the stored form of req. When prev is still visible its
// captured address survives, and so does a terminal outcome the signer
// already reported.
func newSession(req CreateRequest, prev *domain.SigningSession, now time.Time) *domain.SigningSession {
	s := &domain.SigningSession{
		SessionID:      req.SessionID,
		OperationType:  req.OperationType,
		FromAmount:     req.FromAmount,
		ToAmount:       req.ToAmount,
		BaseAmount:     req.BaseAmount,
		StableAmount:   req.StableAmount,
		VolatileAmount: req.VolatileAmount,
		Address:        req.Address,
		Status:         domain.SessionStatusPending,
		CreatedAt:      now,
	}
	if prev == nil {
		return s
	}
	if s.Address == "" {
		s.Address = prev.Address
	}
	if prev.Status.IsTerminal() {
		s.Status = prev.Status
		s.TxID = prev.TxID
		s.ErrorMessage = prev.ErrorMessage
	}
	return s
}

// placeholder is the minimal session synthesized by an early address callback.
func placeholder(id, address string, now time.Time) *domain.SigningSession {
	return &domain.SigningSession{
		SessionID: id,
		Address:   address,
		Status:    domain.SessionStatusPending,
		CreatedAt: now,
	}
}

// checkTransition rejects moving a finished session back to pending.
func checkTransition(from, to domain.SessionStatus) error {
	if from.IsTerminal() && to == domain.SessionStatusPending {
		return fmt.Errorf("%w: session is %s", domain.ErrInvalidTransition, from)
	}
	return nil
}

// applyStatus merges u into s.
func applyStatus(s *domain.SigningSession, u StatusUpdate) {
	s.Status = u.Status
	if u.TxID != "" {
		s.TxID = u.TxID
	}
	if u.ErrorMessage != "" {
		s.ErrorMessage = u.ErrorMessage
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidTransition):
		return "rejected"
	default:
		return "error"
	}
}
