package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Admission errors
	ErrQueueFull = errors.New("execution queue full")

	// Dispatch errors
	ErrNoMatch          = errors.New("no workflow matched")
	ErrWorkflowNotFound = errors.New("workflow not found")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrMissingParameter = errors.New("missing required parameter")

	// Execution errors
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrExecutionTimeout   = errors.New("execution deadline exceeded")
	ErrExecutionCancelled = errors.New("execution cancelled")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrNotAuthorized      = errors.New("caller not authorized")

	// Resilience errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrRateLimited        = errors.New("rate limit exceeded")

	// Remote collaborator errors
	ErrRemoteCall          = errors.New("remote call failed")
	ErrCapabilityUnhealthy = errors.New("capability not healthy")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op      string // Operation that failed (e.g., "engine.Submit")
	Kind    string // Error kind (e.g., "admission", "validation", "remote")
	ID      string // Optional execution or workflow ID involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *EngineError) Error() string {
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
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues;
// admission and validation failures are deliberately excluded because
// retrying them without fixing the named condition cannot succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteCall) ||
		errors.Is(err, ErrExecutionTimeout) ||
		errors.Is(err, ErrCircuitBreakerOpen) ||
		errors.Is(err, ErrQueueFull)
}

// IsValidationError checks if an error is a validation failure
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrMissingParameter) ||
		errors.Is(err, ErrCapabilityUnhealthy)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrWorkflowNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsTerminalError checks if an error represents a terminal execution outcome
func IsTerminalError(err error) bool {
	return errors.Is(err, ErrExecutionTimeout) ||
		errors.Is(err, ErrExecutionCancelled)
}
