// Package errors defines the classified error taxonomy shared by the
// embedding, migration, and dedup paths. Predictable failures travel as
// *ClassifiedError values so callers can branch on class and clients can
// decide whether to back off.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of an error
type ErrorClass int

const (
	// ClassUnknown indicates an unclassified error
	ClassUnknown ErrorClass = iota
	// ClassInvalidArgument indicates bad input or out-of-range configuration
	ClassInvalidArgument
	// ClassNotFound indicates a missing tenant, task, conflict case, or migration
	ClassNotFound
	// ClassConflict indicates a conflicting in-flight operation
	ClassConflict
	// ClassAuthFailure indicates a credential is absent or rejected
	ClassAuthFailure
	// ClassRateLimited indicates the embedding provider throttled the call
	ClassRateLimited
	// ClassProviderUnavailable indicates the provider cannot serve the model
	ClassProviderUnavailable
	// ClassTransient indicates a temporary provider error that may be retried
	ClassTransient
	// ClassStorageFailure indicates a relational or vector store error
	ClassStorageFailure
	// ClassTimeout indicates a timeout
	ClassTimeout
	// ClassInternal indicates an unexpected internal failure
	ClassInternal
)

// Canonical error codes exposed on the admin surface.
const (
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeAuthFailure         = "AUTH_FAILURE"
	CodeRateLimited         = "PROVIDER_RATE_LIMITED"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeProviderTransient   = "PROVIDER_TRANSIENT"
	CodeStorageFailure      = "STORAGE_FAILURE"
	CodeTimeout             = "TIMEOUT"
	CodeInternal            = "INTERNAL"
)

// RetryStrategy defines how a caller should retry an operation
type RetryStrategy struct {
	ShouldRetry       bool          `json:"should_retry"`
	MaxAttempts       int           `json:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	RetryAfter        *time.Time    `json:"retry_after,omitempty"`
}

// ClassifiedError is an error with classification and retry information
type ClassifiedError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Class     ErrorClass             `json:"class"`
	Operation string                 `json:"operation,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retry     *RetryStrategy         `json:"retry,omitempty"`

	cause error
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Operation, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ClassifiedError) Unwrap() error { return e.cause }

// IsRetryable returns true if the error should be retried
func (e *ClassifiedError) IsRetryable() bool {
	return e.Retry != nil && e.Retry.ShouldRetry
}

// WithOperation records the operation that produced the error
func (e *ClassifiedError) WithOperation(operation string) *ClassifiedError {
	e.Operation = operation
	return e
}

// WithDetail attaches a named detail to the error
func (e *ClassifiedError) WithDetail(key string, value interface{}) *ClassifiedError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new classified error
func New(code string, message string, class ErrorClass) *ClassifiedError {
	return &ClassifiedError{
		Code:      code,
		Message:   message,
		Class:     class,
		Timestamp: time.Now(),
		Retry:     defaultRetryStrategy(class),
	}
}

// Newf creates a new classified error with a formatted message
func Newf(code string, class ErrorClass, format string, args ...interface{}) *ClassifiedError {
	return New(code, fmt.Sprintf(format, args...), class)
}

// Wrap wraps an existing error with classification
func Wrap(err error, code string, class ErrorClass) *ClassifiedError {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Code:      code,
		Message:   err.Error(),
		Class:     class,
		Timestamp: time.Now(),
		Retry:     defaultRetryStrategy(class),
		cause:     err,
	}
}

// Convenience constructors for the common classes.

// InvalidArgument reports bad input
func InvalidArgument(format string, args ...interface{}) *ClassifiedError {
	return Newf(CodeInvalidArgument, ClassInvalidArgument, format, args...)
}

// NotFound reports a missing resource
func NotFound(format string, args ...interface{}) *ClassifiedError {
	return Newf(CodeNotFound, ClassNotFound, format, args...)
}

// Conflict reports a conflicting in-flight operation
func Conflict(format string, args ...interface{}) *ClassifiedError {
	return Newf(CodeConflict, ClassConflict, format, args...)
}

// AuthFailure reports a missing or rejected credential
func AuthFailure(format string, args ...interface{}) *ClassifiedError {
	return Newf(CodeAuthFailure, ClassAuthFailure, format, args...)
}

// StorageFailure wraps a relational or vector store error
func StorageFailure(err error) *ClassifiedError {
	return Wrap(err, CodeStorageFailure, ClassStorageFailure)
}

// Internal wraps an unexpected failure
func Internal(err error) *ClassifiedError {
	return Wrap(err, CodeInternal, ClassInternal)
}

// ClassOf returns the class of err, or ClassUnknown for plain errors
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// CodeOf returns the canonical code of err, or CodeInternal for plain errors
func CodeOf(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given class
func Is(err error, class ErrorClass) bool {
	return ClassOf(err) == class
}

// IsRetryable reports whether err should be retried by clients
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return false
}

func defaultRetryStrategy(class ErrorClass) *RetryStrategy {
	switch class {
	case ClassTransient:
		return &RetryStrategy{
			ShouldRetry:       true,
			MaxAttempts:       3,
			BaseDelay:         1 * time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ClassTimeout:
		return &RetryStrategy{
			ShouldRetry:       true,
			MaxAttempts:       2,
			BaseDelay:         2 * time.Second,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 1.5,
		}
	case ClassRateLimited:
		return &RetryStrategy{
			ShouldRetry:       true,
			MaxAttempts:       5,
			BaseDelay:         5 * time.Second,
			MaxDelay:          60 * time.Second,
			BackoffMultiplier: 1.0,
		}
	default:
		return &RetryStrategy{ShouldRetry: false}
	}
}
