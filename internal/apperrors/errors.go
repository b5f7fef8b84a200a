package apperrors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Input
	ErrValidation = errors.New("validation failed")

	// Registration / identity
	ErrDuplicateAccount = errors.New("user already exists")
	ErrNotFound         = errors.New("not found")

	// Login
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRequires2FA        = errors.New("2FA token required")
	ErrLocked             = errors.New("account is locked")

	// Second factor
	ErrInvalidCode             = errors.New("invalid verification code")
	ErrInvalidOrUsed           = errors.New("invalid or used backup code")
	ErrTwoFactorNotInitiated   = errors.New("2FA setup not initiated")
	ErrTwoFactorAlreadyEnabled = errors.New("2FA already enabled")

	// Password change
	ErrWrongCurrentPassword = errors.New("current password is incorrect")
	ErrReusedPassword       = errors.New("password has been used recently")

	// Tokens and sessions
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrForbidden           = errors.New("forbidden")

	// Infrastructure
	ErrConcurrentUpdate = errors.New("concurrent update")
	ErrRateLimited      = errors.New("too many requests")
	ErrInternal         = errors.New("server error")
)

// LockedError reports an active lock and when it ends.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrLocked, e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// Locked builds a *LockedError.
func Locked(until time.Time) error { return &LockedError{Until: until} }

// FieldError is a validation failure on a single input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *FieldError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a *FieldError.
func Invalid(field, msg string) error { return &FieldError{Field: field, Message: msg} }

// IsDomain reports whether err belongs to the taxonomy above and may be
// shown to a caller as-is.
func IsDomain(err error) bool {
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

var domainErrors = []error{
	ErrValidation, ErrDuplicateAccount, ErrNotFound, ErrInvalidCredentials, ErrRequires2FA,
	ErrLocked, ErrInvalidCode, ErrInvalidOrUsed, ErrTwoFactorNotInitiated, ErrTwoFactorAlreadyEnabled,
	ErrWrongCurrentPassword, ErrReusedPassword, ErrUnauthenticated, ErrTokenRevoked,
	ErrInvalidRefreshToken, ErrForbidden, ErrConcurrentUpdate, ErrRateLimited,
}
