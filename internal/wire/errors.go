package wire

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds carried in the Anthropic error envelope.
const (
	ErrInvalidRequest = "invalid_request_error"
	ErrAuthentication = "authentication_error"
	ErrPermission     = "permission_error"
	ErrNotFound       = "not_found_error"
	ErrRateLimit      = "rate_limit_error"
	ErrAPI            = "api_error"
	ErrOverloaded     = "overloaded_error"
)

// StatusOverloaded is Anthropic's non-standard "overloaded" HTTP status.
const StatusOverloaded = 529

// ErrorDetail is the inner error object, shared by the HTTP envelope and
// streamed error chunks.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorEnvelope is the top-level Anthropic error body:
//
//	{"type":"error","error":{"type":<kind>,"message":<string>}}
type ErrorEnvelope struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// NewErrorEnvelope builds the envelope for one kind/message pair.
func NewErrorEnvelope(kind, message string) ErrorEnvelope {
	return ErrorEnvelope{Type: "error", Error: ErrorDetail{Type: kind, Message: message}}
}

// APIError is a request-scoped failure carrying the HTTP status to answer
// with and the envelope kind to report. It satisfies error so it can travel
// ordinary return paths from the upstream client up to the HTTP handler.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
}

// Retryable reports whether the failure is eligible for the fallback policy.
// Client errors are final; server errors and transport failures may be
// retried against another backend.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500
}

// NewAPIError builds an APIError with the kind derived from the status code.
func NewAPIError(status int, message string) *APIError {
	return &APIError{StatusCode: status, Kind: KindForStatus(status), Message: message}
}

// InvalidRequest builds the 400-class validation failure.
func InvalidRequest(format string, args ...any) *APIError {
	return &APIError{StatusCode: http.StatusBadRequest, Kind: ErrInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// Internal builds the 500-class api_error used for translation and other
// gateway-side failures.
func Internal(format string, args ...any) *APIError {
	return &APIError{StatusCode: http.StatusInternalServerError, Kind: ErrAPI, Message: fmt.Sprintf(format, args...)}
}

// Upstream builds the 502-class failure used when the backend could not be
// reached or answered with a server error and no fallback remained.
func Upstream(format string, args ...any) *APIError {
	return &APIError{StatusCode: http.StatusBadGateway, Kind: ErrAPI, Message: fmt.Sprintf(format, args...)}
}

// KindForStatus maps an HTTP status to the envelope kind. Unrecognized 4xx
// codes collapse to invalid_request_error, everything else to api_error.
func KindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrInvalidRequest
	case http.StatusUnauthorized:
		return ErrAuthentication
	case http.StatusForbidden:
		return ErrPermission
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimit
	case StatusOverloaded:
		return ErrOverloaded
	}
	if status >= 400 && status < 500 {
		return ErrInvalidRequest
	}
	return ErrAPI
}

// AsAPIError unwraps err to an *APIError if one is in the chain. Errors that
// are not APIErrors are reported as a 500-class api_error so every failure
// has a well-formed envelope.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{StatusCode: http.StatusInternalServerError, Kind: ErrAPI, Message: err.Error()}
}
