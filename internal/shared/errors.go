package shared

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// AuthenticationError covers missing, invalid or expired sessions and locked accounts.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }

// AuthorizationError indicates an insufficient role or permission.
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }

// RateLimitError is returned when a caller exhausts its window quota.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return "rate limit exceeded" }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// Is lets errors.Is(err, ErrNotFound) match typed not-found errors.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError indicates a uniqueness violation.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ErrUnauthenticated creates an AuthenticationError with a formatted message.
func ErrUnauthenticated(format string, args ...any) *AuthenticationError {
	return &AuthenticationError{Message: fmt.Sprintf(format, args...)}
}

// ErrForbidden creates an AuthorizationError with a formatted message.
func ErrForbidden(format string, args ...any) *AuthorizationError {
	return &AuthorizationError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrMissing creates a NotFoundError with a formatted message.
func ErrMissing(format string, args ...any) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

type userFacingError struct {
	err error
}

func (e userFacingError) Error() string { return e.err.Error() }
func (e userFacingError) Unwrap() error { return e.err }

// UserFacing marks err as safe to show to the caller verbatim.
func UserFacing(err error) error {
	if err == nil {
		return nil
	}
	return userFacingError{err: err}
}

// IsUserFacing reports whether err (or anything it wraps) may be shown to callers.
func IsUserFacing(err error) bool {
	var uf userFacingError
	if errors.As(err, &uf) {
		return true
	}
	var (
		validation *ValidationError
		notFound   *NotFoundError
		conflict   *ConflictError
	)
	return errors.As(err, &validation) || errors.As(err, &notFound) || errors.As(err, &conflict)
}

// UserSafeMessage returns the error text when it is user facing and a generic message otherwise.
func UserSafeMessage(err error) string {
	if err == nil {
		return ""
	}
	if IsUserFacing(err) {
		return err.Error()
	}
	return "internal error"
}
