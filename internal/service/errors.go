package service

import (
	"errors"
	"fmt"
	"net/http"

	"session-service/internal/ratelimit"
)

var (
	ErrRateLimited        = errors.New("too many requests")
	ErrCSRFInvalid        = errors.New("invalid csrf token")
	ErrValidation         = errors.New("validation failed")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountExists      = errors.New("account already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInternal           = errors.New("internal error")
)

// Client-facing messages. Credential failures share one message so callers
// cannot tell an unknown account from a wrong password.
const (
	MsgInvalidCredentials = "Invalid email or password"
	MsgRateLimited        = "Too many attempts, please try again later"
	MsgCSRFInvalid        = "Invalid or missing CSRF token"
	MsgValidation         = "Invalid input"
	MsgAccountLocked      = "Account temporarily locked due to repeated failed attempts"
	MsgAccountExists      = "An account with this email already exists"
	MsgUnauthorized       = "Invalid or expired session"
	MsgSessionNotFound    = "Session not found"
	MsgInternal           = "Internal server error"
)

// AuthError is the single error type returned by the auth and session
// pipelines. Reason is recorded in the audit trail only.
type AuthError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter int
	Fields     map[string]string
	RateLimit  *ratelimit.Outcome

	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Reason)
	}
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func newAuthError(status int, code, message, reason string, err error) *AuthError {
	return &AuthError{Status: status, Code: code, Message: message, Reason: reason, Err: err}
}

func rateLimitedError(o ratelimit.Outcome) *AuthError {
	e := newAuthError(http.StatusTooManyRequests, "rate_limited", MsgRateLimited, "rate_limited", ErrRateLimited)
	e.RetryAfter = o.RetryAfterSeconds()
	return e
}

func csrfError() *AuthError {
	return newAuthError(http.StatusForbidden, "csrf_invalid", MsgCSRFInvalid, "csrf_invalid", ErrCSRFInvalid)
}

func validationError(fields map[string]string) *AuthError {
	e := newAuthError(http.StatusBadRequest, "validation_failed", MsgValidation, "validation_failed", ErrValidation)
	e.Fields = fields
	return e
}

func lockedError(retryAfter int) *AuthError {
	e := newAuthError(http.StatusLocked, "account_locked", MsgAccountLocked, "account_locked", ErrAccountLocked)
	e.RetryAfter = retryAfter
	return e
}

func invalidCredentials(reason string) *AuthError {
	return newAuthError(http.StatusUnauthorized, "invalid_credentials", MsgInvalidCredentials, reason, ErrInvalidCredentials)
}

func unauthorized(reason string, err error) *AuthError {
	if err == nil {
		err = ErrUnauthorized
	}
	return newAuthError(http.StatusUnauthorized, "unauthorized", MsgUnauthorized, reason, err)
}

func internalError(err error) *AuthError {
	return newAuthError(http.StatusInternalServerError, "internal_error", MsgInternal, "internal_error", fmt.Errorf("%w: %w", ErrInternal, err))
}

// asAuthError normalizes any error into an AuthError; unknown errors become 500.
func asAuthError(err error) *AuthError {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return internalError(err)
}
