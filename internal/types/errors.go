package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// Handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField       ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidEmail       ErrorCode = "validation_invalid_email"
	ErrCodeValidationInvalidJSON        ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidPayload     ErrorCode = "validation_invalid_payload"
	ErrCodeValidationMalformedSignature ErrorCode = "validation_malformed_signature"

	// Auth (401)
	ErrCodeAuthTokenMissing      ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid      ErrorCode = "auth_token_invalid"
	ErrCodeAuthInvalidSignature  ErrorCode = "auth_invalid_signature"
	ErrCodeAuthOAuthStateInvalid ErrorCode = "auth_oauth_state_invalid"
	ErrCodeAuthOAuthDenied       ErrorCode = "auth_oauth_denied"

	// Not Found (404)
	ErrCodeNotFoundPayment     ErrorCode = "not_found_payment"
	ErrCodeNotFoundAccount     ErrorCode = "not_found_account"
	ErrCodeNotFoundIntegration ErrorCode = "not_found_integration"

	// Conflict (409)
	ErrCodeConflictAlreadyTerminal ErrorCode = "conflict_already_terminal"
	ErrCodeConflictDuplicate       ErrorCode = "conflict_duplicate_record"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB                  ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected          ErrorCode = "internal_unexpected_error"
	ErrCodeInternalMisconfiguredSecret ErrorCode = "internal_misconfigured_secret"
	ErrCodeUpstreamUnavailable         ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamIntegration         ErrorCode = "upstream_integration_unavailable"
	ErrCodeUpstreamPaymentProvider     ErrorCode = "upstream_payment_provider_unavailable"
	ErrCodeUpstreamOAuthNoPages        ErrorCode = "upstream_oauth_no_pages"

	// Payment-specific
	ErrCodePaymentDeclined ErrorCode = "payment_declined"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodePaymentDeclined):
		return http.StatusPaymentRequired
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type used throughout the service.
// Domain and handler errors are expressed as AppError to get consistent
// formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not an AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether err (or anything it wraps) is an AppError with code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
