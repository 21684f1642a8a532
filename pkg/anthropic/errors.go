package anthropic

import "net/http"

// Wire error types and their HTTP status codes.
const (
	ErrInvalidRequest  = "invalid_request_error"
	ErrAuthentication  = "authentication_error"
	ErrPermission      = "permission_error"
	ErrNotFound        = "not_found_error"
	ErrRequestTooLarge = "request_too_large"
	ErrRateLimit       = "rate_limit_error"
	ErrAPI             = "api_error"
	ErrOverloaded      = "overloaded_error"
)

var errStatusCodes = map[string]int{
	ErrInvalidRequest:  http.StatusBadRequest,
	ErrAuthentication:  http.StatusUnauthorized,
	ErrPermission:      http.StatusForbidden,
	ErrNotFound:        http.StatusNotFound,
	ErrRequestTooLarge: http.StatusRequestEntityTooLarge,
	ErrRateLimit:       http.StatusTooManyRequests,
	ErrAPI:             http.StatusInternalServerError,
	ErrOverloaded:      529,
}

// StatusCode maps a wire error type to its HTTP status. Unknown types map
// to 500 like api_error.
func StatusCode(errType string) int {
	if code, ok := errStatusCodes[errType]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// ErrorDetail is the inner error object of the error envelope.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is the envelope every error reply uses:
// {"type":"error","error":{"type":...,"message":...}}.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// NewErrorResponse builds an error envelope.
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{Type: "error", Error: ErrorDetail{Type: errType, Message: message}}
}

// APIError is a Go error that already knows its wire error type. Layers
// that map errors onto the envelope check for it with errors.As and fall
// back to api_error otherwise.
type APIError struct {
	ErrType string
	Message string
}

func (e *APIError) Error() string { return e.Message }

// NewAPIError builds a typed wire error.
func NewAPIError(errType, message string) *APIError {
	return &APIError{ErrType: errType, Message: message}
}
