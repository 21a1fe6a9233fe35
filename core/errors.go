package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrServiceUnavailable is returned when the circuit breaker is open and
	// calls to the store are being rejected without being attempted.
	ErrServiceUnavailable = errors.New("service unavailable: circuit breaker is open")

	// ErrQueryTimeout is returned when a store query exceeded its execution-time bound.
	ErrQueryTimeout = errors.New("query execution time limit exceeded")
)

// ValidationError indicates malformed input (DSL, detection spec) that was
// rejected before any store call was made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// CompileError indicates that an AST or detection spec could not be
// translated to SQL (disallowed operator, oversized regex, unknown rule type).
// Compile errors are returned synchronously and never reach the store.
type CompileError struct {
	Subject string
	Reason  string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error in %s: %s", e.Subject, e.Reason)
}

// NewCompileError creates a CompileError for the given subject.
func NewCompileError(subject, reason string) *CompileError {
	return &CompileError{Subject: subject, Reason: reason}
}

// DatabaseError wraps an error returned by the columnar store. The circuit
// breaker counts these toward a possible state transition but re-raises the
// original error to the caller.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// RateLimitError is returned when a token-bucket check is denied.
// RetryAfter tells the caller how long to wait before the next attempt.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter)
}

// IsRetryable reports whether the error is transient and the operation can
// be retried on a later tick without operator intervention.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrQueryTimeout) {
		return true
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var dbe *DatabaseError
	return errors.As(err, &dbe)
}
