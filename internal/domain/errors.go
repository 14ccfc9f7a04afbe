// Package domain provides the OpenAI-compatible wire types and the
// canonical error taxonomy shared by adapters, transport, and handlers.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the category of an API error, matching the `type` field of
// the OpenAI error body.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid inbound request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"

	// ErrorTypeAuthentication indicates an inbound authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication_error"

	// ErrorTypePlatform indicates a non-2xx answer from the upstream provider.
	ErrorTypePlatform ErrorType = "platform_error"

	// ErrorTypeTimeout indicates an upstream call exceeded its deadline.
	ErrorTypeTimeout ErrorType = "timeout_error"

	// ErrorTypeConfiguration indicates an adapter could not be initialized.
	ErrorTypeConfiguration ErrorType = "configuration_error"

	// ErrorTypeInternal indicates any other processing failure.
	ErrorTypeInternal ErrorType = "internal_error"

	// ErrorTypeServer is the OpenAI-compatible alias used on the HTTP
	// surface for unexpected failures.
	ErrorTypeServer ErrorType = "server_error"
)

// APIError is the canonical error carried between the translation core
// and the HTTP layer. Code is either the upstream status code (int) or a
// short machine-readable string, mirroring the OpenAI error body.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    any       `json:"code,omitempty"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`

	// StatusCode is the HTTP status to answer with. Zero means "derive
	// from Type".
	StatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("%s (%v): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the HTTP status to use when surfacing this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypePlatform:
		return http.StatusBadGateway
	case ErrorTypeConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorPayload is the JSON body written to clients for any failure,
// matching the OpenAI error envelope.
type ErrorPayload struct {
	Error *APIError `json:"error"`
}

// Payload wraps the error in the client-facing envelope.
func (e *APIError) Payload() ErrorPayload {
	return ErrorPayload{Error: e}
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return &APIError{Type: ErrorTypeInvalidRequest, Message: message}
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return &APIError{Type: ErrorTypeAuthentication, Message: message}
}

// ErrPlatform creates an upstream HTTP error carrying the upstream status.
func ErrPlatform(statusCode int, message string) *APIError {
	return &APIError{
		Type:       ErrorTypePlatform,
		Code:       statusCode,
		Message:    message,
		StatusCode: statusCode,
	}
}

// ErrTimeout creates an upstream timeout error.
func ErrTimeout(message string) *APIError {
	return &APIError{Type: ErrorTypeTimeout, Message: message}
}

// ErrConfiguration creates an adapter configuration error.
func ErrConfiguration(message string) *APIError {
	return &APIError{Type: ErrorTypeConfiguration, Message: message}
}

// ErrInternal creates an internal processing error.
func ErrInternal(message string) *APIError {
	return &APIError{Type: ErrorTypeInternal, Code: "processing_error", Message: message}
}

// WithParam attaches the offending parameter name.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// AsAPIError normalizes an arbitrary error into an APIError. Errors that
// already carry a taxonomy pass through untouched; everything else becomes
// an internal error so no raw failure leaks to a client.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternal(err.Error())
}
