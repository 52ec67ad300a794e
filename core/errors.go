package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Lookup errors
	ErrServiceNotFound  = errors.New("service not found")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrJobNotFound      = errors.New("job not found")
	ErrRuleNotFound     = errors.New("rule not found")

	// Validation errors
	ErrValidation           = errors.New("validation failed")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrAlreadyStarted    = errors.New("already started")
	ErrNotInitialized    = errors.New("not initialized")

	// Upstream errors
	ErrUpstream         = errors.New("upstream request failed")
	ErrUpstreamTimeout  = errors.New("upstream request timed out")
	ErrConnectionFailed = errors.New("connection failed")

	// Resilience errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// Cache errors (never surfaced to clients; logged and treated as a miss)
	ErrCacheUnavailable = errors.New("cache unavailable")

	// Operation errors
	ErrTimeout         = errors.New("operation timeout")
	ErrContextCanceled = errors.New("context canceled")
)

// RouterError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type RouterError struct {
	Op      string // Operation that failed (e.g., "refresher.Approve")
	Kind    string // Error kind (e.g., "manifest", "intent", "cache")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *RouterError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *RouterError) Unwrap() error {
	return e.Err
}

// NewRouterError creates a new RouterError
func NewRouterError(op, kind string, err error) *RouterError {
	return &RouterError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrManifestNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrRuleNotFound)
}

// IsValidation checks if an error is a client input problem
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotInitialized)
}

// IsUpstream checks if an error came from a downstream or provider call
func IsUpstream(err error) bool {
	return errors.Is(err, ErrUpstream) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrCacheUnavailable)
}
