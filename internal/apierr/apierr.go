// Package apierr defines the error taxonomy shared by the trust engines.
// Callers branch with errors.Is; the gateway maps each category to a status
// code. Commitment not-found, revoked and expired deliberately collapse into
// one category so a verifier cannot probe for existence.
package apierr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers schema shape, out-of-range thresholds and other
	// malformed input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrPayloadTooLarge is raised for oversized serialized payloads. A
	// distinct class from schema validation.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrAuth covers bad secrets, signature mismatches and hash mismatches.
	ErrAuth = errors.New("authentication failed")

	// ErrConflict covers duplicate registration and non-increasing versions.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is for missing agents or personas. Not used for
	// commitments: those fail as ErrVerificationFailed.
	ErrNotFound = errors.New("not found")

	// ErrVerificationFailed is the uniform failure for anonymous
	// verification, covering unknown, revoked and expired commitments alike.
	ErrVerificationFailed = errors.New("verification failed")
)

// Validationf wraps ErrValidation with field detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Authf wraps ErrAuth with detail.
func Authf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuth, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrConflict with detail.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with detail.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
