// Package errors provides error types for the Watchtower runtime.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProcError represents a runtime error with structured information.
type ProcError struct {
	// Core error information
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	EventID   string                 `json:"event_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	// Context information
	Timestamp time.Time `json:"timestamp"`

	// Error hierarchy
	Cause error `json:"-"` // Original error (not serialized)

	// Retry information
	Retryable  bool           `json:"retryable"`
	RetryAfter *time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface
func (e *ProcError) Error() string {
	if e.Component != "" && e.EventID != "" {
		return fmt.Sprintf("%s: %s (component: %s, event: %s)", e.Code, e.Message, e.Component, e.EventID)
	}
	if e.Component != "" {
		return fmt.Sprintf("%s: %s (component: %s)", e.Code, e.Message, e.Component)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *ProcError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error by code
func (e *ProcError) Is(target error) bool {
	if targetErr, ok := target.(*ProcError); ok {
		return e.Code == targetErr.Code
	}
	return false
}

// MarshalJSON implements json.Marshaler
func (e *ProcError) MarshalJSON() ([]byte, error) {
	type Alias ProcError
	return json.Marshal(&struct {
		*Alias
		CauseMessage string `json:"cause_message,omitempty"`
	}{
		Alias:        (*Alias)(e),
		CauseMessage: e.getCauseMessage(),
	})
}

func (e *ProcError) getCauseMessage() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return ""
}

// WithCause adds a cause error
func (e *ProcError) WithCause(cause error) *ProcError {
	e.Cause = cause
	return e
}

// WithComponent sets the originating component
func (e *ProcError) WithComponent(component string) *ProcError {
	e.Component = component
	return e
}

// WithEventID sets the related event id
func (e *ProcError) WithEventID(eventID string) *ProcError {
	e.EventID = eventID
	return e
}

// WithMetadata adds metadata
func (e *ProcError) WithMetadata(key string, value interface{}) *ProcError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithRetryAfter sets the recommended retry delay
func (e *ProcError) WithRetryAfter(delay time.Duration) *ProcError {
	e.RetryAfter = &delay
	return e
}

// IsRetryable returns whether the error is retryable
func (e *ProcError) IsRetryable() bool {
	if e.Retryable {
		return true
	}
	return IsRetryableCode(e.Code)
}

// Constructor functions

// New creates a new ProcError
func New(code ErrorCode, message string) *ProcError {
	return &ProcError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableCode(code),
	}
}

// Newf creates a new ProcError with formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *ProcError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a ProcError
func Wrap(err error, code ErrorCode, message string) *ProcError {
	return New(code, message).WithCause(err)
}

// Wrapf wraps an existing error with a ProcError and formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *ProcError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// Classification helpers

// GetCode extracts the error code from an error; unknown errors map to ErrInternal
func GetCode(err error) ErrorCode {
	var procErr *ProcError
	if errors.As(err, &procErr) {
		return procErr.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	var procErr *ProcError
	if errors.As(err, &procErr) {
		return procErr.Code == code
	}
	return false
}

// IsRetryable reports whether err should be retried
func IsRetryable(err error) bool {
	var procErr *ProcError
	if errors.As(err, &procErr) {
		return procErr.IsRetryable()
	}
	return false
}

// IsFatal reports whether err must abort startup. Only configuration
// errors qualify; everything else is absorbed or surfaced per policy.
func IsFatal(err error) bool {
	return IsCode(err, ErrInvalidConfig)
}

// As is a convenience re-export so callers don't need both packages
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
