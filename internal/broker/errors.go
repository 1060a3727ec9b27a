// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package broker

import (
	"errors"
	"strings"
)

// ErrBrokerUnavailable is returned when the broker cannot be reached and the
// circuit breaker is open.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// ErrPublisherClosed is returned when publishing after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

// ErrStreamNotFound is returned when the JetStream stream doesn't exist.
var ErrStreamNotFound = errors.New("stream not found")

// ErrInvalidConfig is returned when configuration is invalid.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrorCategory categorizes errors for dead-letter routing and metrics.
type ErrorCategory int

const (
	// ErrorCategoryUnknown is the default category for unclassified errors.
	ErrorCategoryUnknown ErrorCategory = iota
	// ErrorCategoryConnection indicates network or connection failures.
	ErrorCategoryConnection
	// ErrorCategoryTimeout indicates operation timeout.
	ErrorCategoryTimeout
	// ErrorCategoryValidation indicates data validation failures.
	ErrorCategoryValidation
	// ErrorCategoryDatabase indicates database operation failures.
	ErrorCategoryDatabase
	// ErrorCategoryCapacity indicates resource capacity issues.
	ErrorCategoryCapacity
)

// String returns the string representation of the error category.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryConnection:
		return "connection"
	case ErrorCategoryTimeout:
		return "timeout"
	case ErrorCategoryValidation:
		return "validation"
	case ErrorCategoryDatabase:
		return "database"
	case ErrorCategoryCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// RetryableError represents an error that can be retried.
// These errors are typically transient (network issues, timeouts).
type RetryableError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(message string, cause error) *RetryableError {
	return &RetryableError{
		Message:  message,
		Cause:    cause,
		Category: categorizeErrorMessage(message),
	}
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// PermanentError represents an error that should not be retried.
// These errors indicate unrecoverable issues (validation, malformed data).
type PermanentError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, cause error) *PermanentError {
	category := categorizeErrorMessage(message)
	if category == ErrorCategoryUnknown {
		category = ErrorCategoryValidation
	}
	return &PermanentError{
		Message:  message,
		Cause:    cause,
		Category: category,
	}
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// IsRetryableError checks if the error is retryable.
func IsRetryableError(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// IsPermanentError checks if the error is permanent (non-retryable).
func IsPermanentError(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// CategoryOf extracts the error category from a classified error.
// Returns ErrorCategoryUnknown for unclassified errors.
func CategoryOf(err error) ErrorCategory {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr.Category
	}
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return permErr.Category
	}
	return ErrorCategoryUnknown
}

// categorizeErrorMessage attempts to categorize an error based on its message.
func categorizeErrorMessage(message string) ErrorCategory {
	switch {
	case containsAny(message, "connection", "connect", "refused", "reset", "network"):
		return ErrorCategoryConnection
	case containsAny(message, "timeout", "deadline", "timed out"):
		return ErrorCategoryTimeout
	case containsAny(message, "invalid", "validation", "malformed", "parse"):
		return ErrorCategoryValidation
	case containsAny(message, "database", "db", "sql", "query"):
		return ErrorCategoryDatabase
	case containsAny(message, "capacity", "full", "limit", "exceeded"):
		return ErrorCategoryCapacity
	default:
		return ErrorCategoryUnknown
	}
}

// containsAny checks if the string contains any of the substrings, case-insensitively.
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
