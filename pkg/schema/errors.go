package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeNotInitialized    = "NOT_INITIALIZED"
	ErrCodeInterrupted       = "INTERRUPTED"
	ErrCodeAuth              = "AUTH_ERROR"
	ErrCodeToolNotFound      = "TOOL_NOT_FOUND"
	ErrCodeRejected          = "REJECTED"
)

// FlowError is the structured error type for all genflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsRetryable reports whether retrying the same operation could succeed.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNotInitialized, ErrCodeStore:
		return true
	default:
		return false
	}
}

// CodeOf returns the FlowError code found in err's chain, or "" if none.
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries a FlowError with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// MessageOf returns the user-facing message of err. For a FlowError this is
// the bare message without the code prefix.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
