package models

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes shared by the REST client, the realtime transport and the dev server.
const (
	CodeNetwork          = "NETWORK_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodeValidation       = "VALIDATION_ERROR"
	CodeMalformedPayload = "MALFORMED_PAYLOAD"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorResponse is the JSON body of every non-2xx dev server response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError is an error with a stable code. Err, when set, is the cause.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// HTTPStatus is the status the dev server answers with for e.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeMalformedPayload:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CodeForStatus classifies a non-2xx status seen by the REST client.
// Server errors count as network failures since a retry may succeed.
func CodeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return CodeUnauthorized
	case status == http.StatusNotFound:
		return CodeNotFound
	case status >= 400 && status < 500:
		return CodeValidation
	default:
		return CodeNetwork
	}
}

// IsCode reports whether err wraps an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s with ID %v not found", resource, id)}
}

func NewValidationError(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{Code: CodeUnauthorized, Message: message}
}

// NewNetworkError wraps a transport failure; err may be nil for bad statuses.
func NewNetworkError(message string, err error) *AppError {
	return &AppError{Code: CodeNetwork, Message: message, Err: err}
}

func NewMalformedPayloadError(message string, err error) *AppError {
	return &AppError{Code: CodeMalformedPayload, Message: message, Err: err}
}

func NewInternalError(err error) *AppError {
	return &AppError{Code: CodeInternal, Message: "internal error", Err: err}
}
