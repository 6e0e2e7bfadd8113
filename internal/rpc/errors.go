package rpc

import (
	"fmt"
	"time"

	"adsync/internal/model"
)

// ErrorCode is the closed enumeration of backend error codes.
type ErrorCode string

const (
	CodeInternalError       ErrorCode = "INTERNAL_ERROR"
	CodeValidationError     ErrorCode = "VALIDATION_ERROR"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeConflict            ErrorCode = "CONFLICT"
	CodeBadRequest          ErrorCode = "BAD_REQUEST"
	CodePlatformError       ErrorCode = "PLATFORM_ERROR"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeTokenExpired        ErrorCode = "TOKEN_EXPIRED"
	CodeTokenInvalid        ErrorCode = "TOKEN_INVALID"
	CodeOAuthFailed         ErrorCode = "OAUTH_FAILED"
	CodePlatformTimeout     ErrorCode = "PLATFORM_TIMEOUT"
	CodePlatformUnavailable ErrorCode = "PLATFORM_UNAVAILABLE"
	CodeSyncFailed          ErrorCode = "SYNC_FAILED"
	CodePartialSync         ErrorCode = "PARTIAL_SYNC"
	CodeSyncConflict        ErrorCode = "SYNC_CONFLICT"
	CodeSubscriptionLimit   ErrorCode = "SUBSCRIPTION_LIMIT"
	CodeSubscriptionExpired ErrorCode = "SUBSCRIPTION_EXPIRED"
)

// APIError is a backend-issued failure normalized from the error envelope.
type APIError struct {
	Code       ErrorCode
	Status     int
	Message    string
	RetryAfter time.Duration
	Platform   model.Platform
	Details    map[string]string
}

func (e *APIError) Error() string {
	if e.Platform != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Platform, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unauthorized reports whether this failure should drive the
// refresh-and-retry-once policy.
func (e *APIError) Unauthorized() bool {
	switch e.Code {
	case CodeUnauthorized, CodeTokenExpired, CodeTokenInvalid:
		return true
	}
	return e.Status == 401
}

// Retryable reports whether policy allows the caller to retry. Only rate
// limiting and platform timeouts qualify among backend-issued errors.
func (e *APIError) Retryable() bool {
	switch e.Code {
	case CodeRateLimited, CodePlatformTimeout:
		return true
	}
	return false
}

// UserMessage renders a human-readable message for display, preferring the
// backend-provided message and filling in from the code when absent.
func (e *APIError) UserMessage() string {
	msg := e.Message
	if msg == "" {
		msg = defaultMessage(e.Code)
	}
	if e.Platform != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Platform)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s, try again in %d seconds", msg, int(e.RetryAfter.Seconds()))
	}
	return msg
}

func defaultMessage(code ErrorCode) string {
	switch code {
	case CodeValidationError, CodeBadRequest:
		return "The request was invalid"
	case CodeNotFound:
		return "Not found"
	case CodeUnauthorized, CodeTokenExpired, CodeTokenInvalid:
		return "Your session has expired, please sign in again"
	case CodeForbidden:
		return "You do not have permission to do that"
	case CodeConflict, CodeSyncConflict:
		return "The operation conflicted with another change"
	case CodeRateLimited:
		return "Too many requests"
	case CodeOAuthFailed:
		return "Connecting the account failed"
	case CodePlatformError, CodePlatformTimeout, CodePlatformUnavailable:
		return "The advertising platform is currently unavailable"
	case CodeSyncFailed, CodePartialSync:
		return "Synchronization failed"
	case CodeSubscriptionLimit:
		return "Your plan limit has been reached"
	case CodeSubscriptionExpired:
		return "Your subscription has expired"
	default:
		return "Something went wrong"
	}
}

func platformFrom(s string) model.Platform {
	if s == "" {
		return ""
	}
	if p, err := model.ParsePlatform(s); err == nil {
		return p
	}
	// Keep unknown tags rather than dropping the attribution.
	return model.Platform(s)
}

// TransportError covers failures where no backend response was received,
// including the client-side request timeout. It is deliberately a distinct
// type from APIError so callers can tell the two classes apart.
type TransportError struct {
	Err     error
	Timeout bool
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("request timed out: %v", e.Err)
	}
	return fmt.Sprintf("request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
