package pairing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both an unknown session and one that already has
	// two participants, so callers cannot probe which codes are live.
	ErrNotFound         = errors.New("session not found or full")
	ErrStoreUnavailable = errors.New("session store unavailable")
	ErrSessionClosed    = errors.New("session is not open")
	ErrNotActive        = errors.New("session is waiting for a partner")
	ErrConflict         = errors.New("session changed concurrently")
)

// ValidationError reports bad input caught before the store is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
