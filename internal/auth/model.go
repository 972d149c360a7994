package auth

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

func ParseRole(value string) (Role, error) {
	switch Role(strings.TrimSpace(value)) {
	case RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", ErrInvalidRole
	}
}

// SecurityState is the lockout-relevant part of an account. Locked with a
// nil LockedUntil is a manual lock that never expires on its own.
type SecurityState struct {
	FailedAttempts int
	Locked         bool
	LockedUntil    *time.Time
	LastAttempt    *time.Time
}

type Account struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	Security     SecurityState
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type PublicAccount struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Role           Role      `json:"role"`
	AccountLocked  bool      `json:"account_locked"`
	FailedAttempts int       `json:"failed_login_attempts"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (a Account) Public() PublicAccount {
	return PublicAccount{
		ID:             a.ID,
		Username:       a.Username,
		Role:           a.Role,
		AccountLocked:  a.Security.Locked,
		FailedAttempts: a.Security.FailedAttempts,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func normalizeUsername(username string) string {
	return strings.TrimSpace(strings.ToLower(username))
}
