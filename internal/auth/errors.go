package auth

import (
	"errors"
	"time"
)

var (
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrWeakPassword       = errors.New("password is too weak")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrNotFound           = errors.New("account not found")
	ErrInvalidRole        = errors.New("invalid role, must be USER or ADMIN")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrRateLimited        = errors.New("too many attempts")
	ErrInvalidUsername    = errors.New("username is required")
	ErrVersionConflict    = errors.New("account was modified concurrently")
	ErrSigningKeyTooShort = errors.New("signing key must be at least 32 bytes")
	ErrInsufficientRole   = errors.New("insufficient role")
)

// WeakPasswordError carries the strength check's human-readable reason.
type WeakPasswordError struct {
	Reason   string
	Strength Strength
}

func (e WeakPasswordError) Error() string {
	return e.Reason
}

func (e WeakPasswordError) Is(target error) bool {
	return target == ErrWeakPassword
}

// LockedError reports a locked account. Until is nil for manual locks.
// RetryAfter is measured on the service clock at the moment of rejection.
type LockedError struct {
	Until      *time.Time
	RetryAfter time.Duration
}

func newLockedError(until *time.Time, now time.Time) LockedError {
	if until == nil {
		return LockedError{}
	}
	return LockedError{Until: until, RetryAfter: until.Sub(now)}
}

func (e LockedError) Error() string {
	return "account temporarily locked"
}

func (e LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}
