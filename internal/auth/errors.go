package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotFound       = errors.New("auth: not found")
	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrBadCredentials = errors.New("auth: bad credentials")
	ErrMFAInvalid     = errors.New("auth: invalid mfa code")
)

// Kind classifies an authorization outcome for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindHIPAA
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindHIPAA:
		return "hipaa"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Rejection codes surfaced to callers.
const (
	CodeTokenMissing            = "AUTH_TOKEN_MISSING"
	CodeInvalidCredentials      = "INVALID_CREDENTIALS"
	CodeSessionInvalid          = "SESSION_INVALID"
	CodeUserInactive            = "USER_INACTIVE"
	CodeInsufficientRole        = "INSUFFICIENT_ROLE"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodeLocationDenied          = "LOCATION_DENIED"
	CodeMFARequired             = "MFA_REQUIRED"
	CodeRateLimited             = "RATE_LIMITED"
	CodeAccessReasonRequired    = "HIPAA_ACCESS_REASON_REQUIRED"
	CodeBackendUnavailable      = "BACKEND_UNAVAILABLE"
	CodeInternal                = "INTERNAL_ERROR"
)

// Error is a typed rejection. Message is safe to show to callers; Err carries
// the internal cause and is only ever logged.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error.
func (e *Error) Status() int {
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		if e.Code == CodeRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	case KindHIPAA:
		return http.StatusForbidden
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Unauthenticated(code, msg string) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Message: msg}
}

func Forbidden(code, msg string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: msg}
}

// RateLimited builds the 429 rejection carrying the wait before retrying.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindAuthorization, Code: CodeRateLimited, Message: "Too many requests", RetryAfter: retryAfter}
}

func HIPAAViolation(msg string) *Error {
	return &Error{Kind: KindHIPAA, Code: CodeAccessReasonRequired, Message: msg}
}

func Unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Code: CodeBackendUnavailable, Message: "Authentication backend unavailable", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "Internal server error", Err: err}
}

// AsError converts any error into an *Error. Untyped errors become internal
// errors with the original error as cause.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
