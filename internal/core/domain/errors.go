package domain

import "errors"

var (
	// ErrStorageUnavailable is returned when durable storage cannot be opened.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExternalService wraps failures talking to the node, indexer or wallet.
	ErrExternalService = errors.New("external service error")

	// ErrSessionNotFound is returned for absent and expired sessions alike.
	ErrSessionNotFound = errors.New("session not found")

	// ErrValidation is returned for malformed input rejected at the boundary.
	ErrValidation = errors.New("validation error")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)
