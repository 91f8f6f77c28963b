// Package errors provides custom error types with error codes for the Kakao gateway.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code represents an application error code.
type Code string

// Error codes for the application.
const (
	// General errors
	CodeInternal    Code = "INTERNAL"
	CodeRateLimited Code = "RATE_LIMITED"
	CodeCanceled    Code = "CANCELED"

	// OAuth exchange errors
	CodeConfiguration            Code = "CONFIGURATION_ERROR"
	CodeInvalidAuthorizationCode Code = "INVALID_AUTHORIZATION_CODE"
	CodeInvalidAccessToken       Code = "INVALID_ACCESS_TOKEN"
	CodeAccessDenied             Code = "ACCESS_DENIED"

	// Upstream errors
	CodeUpstreamProtocol    Code = "UPSTREAM_PROTOCOL_ERROR"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
)

// Error is the application's custom error type with code and details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	Err     error  `json:"-"` // Underlying error, not serialized
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if the target error has the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Err:     e.Err,
	}
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Err:     err,
	}
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Sentinel values for errors.Is comparisons. Matching is by code only.
var (
	ErrConfiguration            = New(CodeConfiguration, "configuration error")
	ErrInvalidAuthorizationCode = New(CodeInvalidAuthorizationCode, "invalid authorization code")
	ErrInvalidAccessToken       = New(CodeInvalidAccessToken, "invalid access token")
	ErrUpstreamProtocol         = New(CodeUpstreamProtocol, "upstream protocol error")
	ErrUpstreamUnavailable      = New(CodeUpstreamUnavailable, "upstream unavailable")
)

// Common error constructors

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// InternalWrap creates an internal error wrapping another error.
func InternalWrap(message string, err error) *Error {
	return Wrap(CodeInternal, message, err)
}

// Canceled creates an error for a request the caller abandoned.
func Canceled(message string, err error) *Error {
	return Wrap(CodeCanceled, message, err)
}

// RateLimited creates a rate limited error.
func RateLimited(message string) *Error {
	return New(CodeRateLimited, message)
}

// OAuth error constructors

// Configuration creates a configuration error.
func Configuration(message string) *Error {
	return New(CodeConfiguration, message)
}

// InvalidAuthorizationCode creates an invalid authorization code error.
func InvalidAuthorizationCode(message string) *Error {
	return New(CodeInvalidAuthorizationCode, message)
}

// InvalidAccessToken creates an invalid access token error.
func InvalidAccessToken(message string) *Error {
	return New(CodeInvalidAccessToken, message)
}

// AccessDenied creates an access denied error for a refused consent screen.
func AccessDenied(message string) *Error {
	return New(CodeAccessDenied, message)
}

// UpstreamProtocol creates an upstream protocol error.
func UpstreamProtocol(message string) *Error {
	return New(CodeUpstreamProtocol, message)
}

// UpstreamUnavailable creates an upstream unavailable error.
func UpstreamUnavailable(message string) *Error {
	return New(CodeUpstreamUnavailable, message)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *Error) HTTPStatusCode() int {
	switch e.Code {
	case CodeInvalidAuthorizationCode, CodeAccessDenied:
		return http.StatusBadRequest
	case CodeInvalidAccessToken:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstreamProtocol:
		return http.StatusBadGateway
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case CodeCanceled:
		return 499 // Client Closed Request
	default:
		return http.StatusInternalServerError
	}
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, or CodeInternal if not found.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// From returns err as an *Error, wrapping unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InternalWrap("internal error", err)
}
