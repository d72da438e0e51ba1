package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/courierhq/notification-delivery/internal/domain"
)

// Response is the JSON envelope used by the ops endpoints.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error represents an API error
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes a JSON response
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := Response{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	json.NewEncoder(w).Encode(response)
}

// JSONError writes an error response
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// HandleError maps domain errors onto HTTP responses.
func HandleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		JSONError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)

	case errors.Is(err, domain.ErrDuplicateRequest):
		JSONError(w, http.StatusConflict, "DUPLICATE_REQUEST", err.Error(), nil)

	case errors.Is(err, domain.ErrNotRetryable):
		JSONError(w, http.StatusConflict, "NOT_RETRYABLE", "Only failed notifications can be retried", nil)

	case errors.Is(err, domain.ErrUnknownChannel):
		JSONError(w, http.StatusBadRequest, "UNKNOWN_CHANNEL", err.Error(), nil)

	case errors.Is(err, domain.ErrMissingVariables):
		JSONError(w, http.StatusBadRequest, "MISSING_VARIABLES", err.Error(), nil)

	default:
		var validationErr domain.ValidationError
		if errors.As(err, &validationErr) {
			JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Message, map[string]string{
				"field": validationErr.Field,
			})
			return
		}

		var validationErrs domain.ValidationErrors
		if errors.As(err, &validationErrs) {
			JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", validationErrs.Errors)
			return
		}

		JSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred", nil)
	}
}
