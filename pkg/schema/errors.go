package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConfig            = "CONFIG_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeDuplicate         = "DUPLICATE"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodePermanent         = "PERMANENT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeMaxDepth          = "MAX_DEPTH_EXCEEDED"
	ErrCodeStore             = "STORE_ERROR"
)

// RatchetError is the structured error type for all engine operations.
type RatchetError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepIndex int            `json:"step_index,omitempty"`
	Cause     error          `json:"-"`
}

func (e *RatchetError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RatchetError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error class is worth retrying.
// Config, validation and cancellation errors are final; infrastructure
// errors (timeouts, unavailable dependencies, store hiccups) are retried.
func (e *RatchetError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeExecution, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new RatchetError.
func NewError(code, message string) *RatchetError {
	return &RatchetError{Code: code, Message: message}
}

// NewErrorf creates a new RatchetError with a formatted message.
func NewErrorf(code, format string, args ...any) *RatchetError {
	return &RatchetError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the step index the error occurred at.
func (e *RatchetError) WithStep(idx int) *RatchetError {
	e.StepIndex = idx
	return e
}

// WithCause attaches an underlying cause.
func (e *RatchetError) WithCause(err error) *RatchetError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RatchetError) WithDetails(details map[string]any) *RatchetError {
	e.Details = details
	return e
}
