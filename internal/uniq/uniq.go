// Package uniq claims identifiers that must be unique in storage (join codes,
// profile slugs) by regenerating the candidate on conflict a bounded number
// of times.
package uniq

import (
	"context"
	"errors"
	"fmt"
)

// ErrExhausted is returned when every attempt conflicted.
var ErrExhausted = errors.New("unique identifier attempts exhausted")

// Generator returns the candidate for the given zero-based attempt.
type Generator func(attempt int) (string, error)

// Claimer tries to persist value. It must return an error recognized by the
// conflict predicate when value is already taken.
type Claimer func(ctx context.Context, value string) error

// Claim runs up to attempts rounds of generate-then-claim. Non-conflict errors
// from claim are returned immediately.
func Claim(ctx context.Context, attempts int, gen Generator, claim Claimer, isConflict func(error) bool) (string, error) {
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		candidate, err := gen(attempt)
		if err != nil {
			return "", fmt.Errorf("generate candidate: %w", err)
		}
		err = claim(ctx, candidate)
		if err == nil {
			return candidate, nil
		}
		if !isConflict(err) {
			return "", err
		}
	}
	return "", ErrExhausted
}

// ClaimWithFallback behaves like Claim and, once attempts are exhausted,
// makes one final claim with fallback().
func ClaimWithFallback(ctx context.Context, attempts int, gen Generator, fallback func() (string, error), claim Claimer, isConflict func(error) bool) (string, error) {
	value, err := Claim(ctx, attempts, gen, claim, isConflict)
	if !errors.Is(err, ErrExhausted) {
		return value, err
	}
	candidate, err := fallback()
	if err != nil {
		return "", fmt.Errorf("generate fallback: %w", err)
	}
	if err := claim(ctx, candidate); err != nil {
		if isConflict(err) {
			return "", ErrExhausted
		}
		return "", err
	}
	return candidate, nil
}
