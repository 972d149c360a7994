package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	MinSigningKeyBytes = 32

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

type tokenClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies HS256 bearer tokens. It holds no state
// beyond the key, so tokens are valid exactly as long as their signature
// and expiry check out.
type TokenService struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenService(key []byte, accessTTL, refreshTTL time.Duration) (*TokenService, error) {
	if len(key) < MinSigningKeyBytes {
		return nil, ErrSigningKeyTooShort
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}

	return &TokenService{
		key:        append([]byte(nil), key...),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *TokenService) AccessTTL() time.Duration {
	return s.accessTTL
}

func (s *TokenService) Issue(subject string) (string, error) {
	return s.sign(subject, tokenTypeAccess, s.accessTTL)
}

func (s *TokenService) IssueRefresh(subject string) (string, error) {
	return s.sign(subject, tokenTypeRefresh, s.refreshTTL)
}

// VerifyAndExtractSubject validates an access token. Every failure is
// reported as ErrInvalidToken.
func (s *TokenService) VerifyAndExtractSubject(token string) (string, error) {
	return s.verify(token, tokenTypeAccess)
}

func (s *TokenService) VerifyRefresh(token string) (string, error) {
	return s.verify(token, tokenTypeRefresh)
}

func (s *TokenService) sign(subject, tokenType string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("token subject is required")
	}

	// NumericDate has whole-second precision; aligning now keeps exp - iat
	// equal to ttl.
	now := s.now().UTC().Truncate(time.Second)
	claims := tokenClaims{
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

func (s *TokenService) verify(raw, tokenType string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidToken
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	// Expiry is exclusive: a token is dead at exp.
	if claims.ExpiresAt == nil || !s.now().Before(claims.ExpiresAt.Time) {
		return "", ErrInvalidToken
	}
	if claims.Type != tokenType || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}
