package domain

import (
	"errors"
	"fmt"
)

// Domain Const errors
var (
	ErrNotFound         = errors.New("resource not found")
	ErrDuplicateRequest = errors.New("duplicate request for channel")
	ErrNotRetryable     = errors.New("notification is not retryable")
	ErrUnknownChannel   = errors.New("no provider bound for channel")
	ErrClaimLost        = errors.New("claim lost to another worker")
	ErrInvalidPayload   = errors.New("invalid event payload")
	ErrMissingVariables = errors.New("missing template variables")
	ErrProviderError    = errors.New("external provider error")
)

// NewDuplicateRequestError wraps ErrDuplicateRequest with the conflicting
// keys so intake callers can report exactly which (request_id, channel)
// pair already exists.
func NewDuplicateRequestError(requestID string, channel Channel) error {
	return fmt.Errorf("%w: request_id=%s channel=%s", ErrDuplicateRequest, requestID, channel)
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (e ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", e.Errors[0].Error())
}

func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// ProviderError carries the provider adapter's classification of a failed
// send. Retryable errors re-enter delivery through the delayed queue;
// non-retryable ones fail the notification immediately.
type ProviderError struct {
	Code      int
	Message   string
	Retryable bool
}

func (e ProviderError) Error() string {
	return fmt.Sprintf("provider error (code %d): %s", e.Code, e.Message)
}

func NewProviderError(code int, message string, retryable bool) ProviderError {
	return ProviderError{
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}
}

// IsRetryableSendError decides the retry classification for a provider send
// failure: an explicit provider verdict wins, anything else (transport
// errors, timeouts) is presumed transient.
func IsRetryableSendError(err error) bool {
	var provErr ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return true
}
