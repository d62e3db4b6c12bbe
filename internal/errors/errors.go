// Package errors provides standardized error handling for the grant service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the grant service.
type ErrorCode string

const (
	// Validation errors
	GRANT_VALIDATION     ErrorCode = "GRANT_VALIDATION"     // General validation error
	GRANT_BAD_REQUEST    ErrorCode = "GRANT_BAD_REQUEST"    // Bad request
	GRANT_CURSOR_INVALID ErrorCode = "GRANT_CURSOR_INVALID" // Invalid pagination cursor

	// Authentication/Authorization errors
	GRANT_AUTHZ          ErrorCode = "GRANT_AUTHZ"          // Authorization failed
	GRANT_AUTHN          ErrorCode = "GRANT_AUTHN"          // Authentication failed
	GRANT_JWT_INVALID    ErrorCode = "GRANT_JWT_INVALID"    // Invalid JWT
	GRANT_JWT_EXPIRED    ErrorCode = "GRANT_JWT_EXPIRED"    // Expired JWT
	GRANT_JWT_MALFORMED  ErrorCode = "GRANT_JWT_MALFORMED"  // Malformed JWT
	GRANT_OWNER_MISMATCH ErrorCode = "GRANT_OWNER_MISMATCH" // Owner must match JWT subject

	// Issuance errors
	GRANT_NOT_AUTHORIZED     ErrorCode = "GRANT_NOT_AUTHORIZED"     // No qualifying completed purchase
	GRANT_INVALID_RESOURCE   ErrorCode = "GRANT_INVALID_RESOURCE"   // Target not digital/licensable
	GRANT_ISSUANCE_EXHAUSTED ErrorCode = "GRANT_ISSUANCE_EXHAUSTED" // Token-generation collision budget exceeded

	// Redemption/activation errors
	GRANT_INVALID_TOKEN        ErrorCode = "GRANT_INVALID_TOKEN"        // Unknown or malformed token
	GRANT_EXPIRED              ErrorCode = "GRANT_EXPIRED"              // Grant validity window elapsed
	GRANT_EXHAUSTED            ErrorCode = "GRANT_EXHAUSTED"            // Usage/activation ceiling reached
	GRANT_REVOKED              ErrorCode = "GRANT_REVOKED"              // Grant revoked by an administrator
	GRANT_ALREADY_ACTIVATED    ErrorCode = "GRANT_ALREADY_ACTIVATED"    // Device already holds an open activation
	GRANT_DEVICE_NOT_ACTIVATED ErrorCode = "GRANT_DEVICE_NOT_ACTIVATED" // No open activation for device

	// Resource errors
	GRANT_NOT_FOUND ErrorCode = "GRANT_NOT_FOUND" // Resource not found
	GRANT_CONFLICT  ErrorCode = "GRANT_CONFLICT"  // Resource conflict

	// Server errors
	GRANT_INTERNAL    ErrorCode = "GRANT_INTERNAL"    // Internal server error
	GRANT_UNAVAILABLE ErrorCode = "GRANT_UNAVAILABLE" // Dependency unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case GRANT_VALIDATION, GRANT_BAD_REQUEST, GRANT_CURSOR_INVALID, GRANT_INVALID_RESOURCE:
		return http.StatusBadRequest
	case GRANT_AUTHZ, GRANT_OWNER_MISMATCH, GRANT_NOT_AUTHORIZED:
		return http.StatusForbidden
	case GRANT_AUTHN, GRANT_JWT_INVALID, GRANT_JWT_EXPIRED, GRANT_JWT_MALFORMED:
		return http.StatusUnauthorized
	case GRANT_NOT_FOUND, GRANT_INVALID_TOKEN:
		return http.StatusNotFound
	case GRANT_CONFLICT, GRANT_ALREADY_ACTIVATED, GRANT_DEVICE_NOT_ACTIVATED, GRANT_EXHAUSTED, GRANT_REVOKED:
		return http.StatusConflict
	case GRANT_EXPIRED:
		return http.StatusGone
	case GRANT_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
