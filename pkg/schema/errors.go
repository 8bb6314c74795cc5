package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration  = "CONFIGURATION_ERROR"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeStepFailed     = "STEP_FAILED"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeTransient      = "TRANSIENT_ERROR"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeSecret         = "SECRET_ERROR"
)

// AutoflowError is the structured error type for all engine operations.
type AutoflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AutoflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AutoflowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether an attempt failing with this error may be retried.
// Mistakes in the workflow definition never heal on their own.
func (e *AutoflowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConfiguration, ErrCodeValidation, ErrCodeNotFound, ErrCodeSecret:
		return false
	}
	return true
}

// NewError creates a new AutoflowError.
func NewError(code, message string) *AutoflowError {
	return &AutoflowError{Code: code, Message: message}
}

// NewErrorf creates a new AutoflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *AutoflowError {
	return &AutoflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *AutoflowError) WithStep(stepID string) *AutoflowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *AutoflowError) WithCause(err error) *AutoflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AutoflowError) WithDetails(details map[string]any) *AutoflowError {
	e.Details = details
	return e
}

// HasCode reports whether err is (or wraps) an AutoflowError with the given code.
func HasCode(err error, code string) bool {
	var afErr *AutoflowError
	if errors.As(err, &afErr) {
		return afErr.Code == code
	}
	return false
}

// IsConfigurationError reports whether err stems from a broken workflow definition.
func IsConfigurationError(err error) bool {
	return HasCode(err, ErrCodeConfiguration) || HasCode(err, ErrCodeValidation)
}
