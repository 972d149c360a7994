package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"account-backend/internal/observability"
)

const (
	defaultLoginRateLimit  = 10
	defaultLoginRateWindow = time.Minute

	// Each conflict means another writer committed, so this bounds how many
	// concurrent writers on one account a cycle can absorb.
	maxSaveAttempts = 16
)

// RateLimiter gates login attempts per key.
type RateLimiter interface {
	TryAcquire(ctx context.Context, key string, maxAttempts int, window time.Duration) (bool, error)
	Remaining(ctx context.Context, key string, maxAttempts int) (int, error)
	Clear(ctx context.Context, key string) error
	ResetIn(ctx context.Context, key string) (time.Duration, error)
}

type Service struct {
	store   Store
	hasher  *PasswordHasher
	tokens  *TokenService
	limiter RateLimiter
	lockout LockoutPolicy
	logger  *observability.Logger
	now     func() time.Time

	loginRateLimit  int
	loginRateWindow time.Duration
}

func NewService(store Store, hasher *PasswordHasher, tokens *TokenService, limiter RateLimiter) *Service {
	return &Service{
		store:           store,
		hasher:          hasher,
		tokens:          tokens,
		limiter:         limiter,
		lockout:         NewLockoutPolicy(DefaultMaxFailedAttempts, DefaultLockoutDuration),
		logger:          observability.NewNopLogger(),
		now:             time.Now,
		loginRateLimit:  defaultLoginRateLimit,
		loginRateWindow: defaultLoginRateWindow,
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration, loginRateLimit int, loginRateWindow time.Duration) {
	s.lockout = NewLockoutPolicy(maxAttempts, lockDuration)
	if loginRateLimit > 0 {
		s.loginRateLimit = loginRateLimit
	}
	if loginRateWindow > 0 {
		s.loginRateWindow = loginRateWindow
	}
}

func (s *Service) WithLogger(logger *observability.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) Register(ctx context.Context, username, password string) (PublicAccount, error) {
	username = normalizeUsername(username)
	if username == "" {
		return PublicAccount{}, ErrInvalidUsername
	}

	exists, err := s.store.ExistsByUsername(ctx, username)
	if err != nil {
		return PublicAccount{}, err
	}
	if exists {
		s.logger.Warn("register_duplicate_username", map[string]any{"username": username})
		return PublicAccount{}, ErrDuplicateUsername
	}

	hash, err := s.hashStrongPassword(ctx, password)
	if err != nil {
		s.logger.Warn("register_rejected", map[string]any{"username": username, "reason": err.Error()})
		return PublicAccount{}, err
	}

	account, err := s.store.Save(ctx, Account{
		Username:     username,
		PasswordHash: hash,
		Role:         RoleUser,
	})
	if err != nil {
		return PublicAccount{}, err
	}

	s.logger.Info("account_registered", map[string]any{"username": username, "id": account.ID})
	return account.Public(), nil
}

// Login admits the attempt through the rate limiter, then runs the
// lockout state machine. A locked account is rejected before any hashing.
func (s *Service) Login(ctx context.Context, username, password string) (Tokens, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return Tokens{}, ErrInvalidCredentials
	}

	allowed, err := s.limiter.TryAcquire(ctx, loginKey(username), s.loginRateLimit, s.loginRateWindow)
	if err != nil {
		return Tokens{}, fmt.Errorf("login rate limit: %w", err)
	}
	if !allowed {
		s.logger.Warn("login_rate_limited", map[string]any{"username": username})
		return Tokens{}, ErrRateLimited
	}

	var verifiedHash string
	var checked, matched bool

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		account, err := s.store.FindByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.hasher.EqualizeTiming(ctx, password)
				s.logger.Warn("login_failed", map[string]any{"username": username, "reason": "unknown_user"})
				return Tokens{}, ErrInvalidCredentials
			}
			return Tokens{}, err
		}

		now := s.now().UTC()
		state, _ := s.lockout.Refresh(account.Security, now)
		if s.lockout.IsLocked(state, now) {
			s.logger.Warn("login_locked", map[string]any{"username": username})
			return Tokens{}, newLockedError(state.LockedUntil, now)
		}

		// Only re-verify when a retry observes a different stored hash.
		if !checked || verifiedHash != account.PasswordHash {
			matched, err = s.hasher.Verify(ctx, password, account.PasswordHash)
			if err != nil {
				return Tokens{}, err
			}
			checked, verifiedHash = true, account.PasswordHash
		}

		if matched {
			account.Security = s.lockout.RecordSuccess(state, now)
		} else {
			account.Security = s.lockout.RecordFailure(state, now)
		}

		saved, err := s.store.Save(ctx, account)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Tokens{}, err
		}

		if !matched {
			fields := map[string]any{
				"username": username,
				"attempt":  saved.Security.FailedAttempts,
				"max":      s.lockout.MaxFailedAttempts,
			}
			if s.lockout.IsLocked(saved.Security, now) {
				s.logger.Warn("account_locked", fields)
				return Tokens{}, newLockedError(saved.Security.LockedUntil, now)
			}
			s.logger.Warn("login_failed", fields)
			return Tokens{}, ErrInvalidCredentials
		}

		if err := s.limiter.Clear(ctx, loginKey(username)); err != nil {
			s.logger.Error("login_rate_limit_clear_failed", map[string]any{"username": username, "error": err.Error()})
		}
		s.logger.Info("login_succeeded", map[string]any{"username": username})
		return s.issueTokens(saved.Username)
	}

	return Tokens{}, fmt.Errorf("login: %w", ErrVersionConflict)
}

// Refresh exchanges a refresh token for a new pair as long as the account
// still exists and is not locked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	subject, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return Tokens{}, err
	}

	account, err := s.store.FindByUsername(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Tokens{}, ErrInvalidToken
		}
		return Tokens{}, err
	}

	now := s.now().UTC()
	state, _ := s.lockout.Refresh(account.Security, now)
	if s.lockout.IsLocked(state, now) {
		return Tokens{}, newLockedError(state.LockedUntil, now)
	}

	return s.issueTokens(account.Username)
}

func (s *Service) CurrentUser(ctx context.Context, accessToken string) (PublicAccount, error) {
	subject, err := s.tokens.VerifyAndExtractSubject(accessToken)
	if err != nil {
		return PublicAccount{}, err
	}
	return s.GetAccount(ctx, subject)
}

func (s *Service) GetAccount(ctx context.Context, username string) (PublicAccount, error) {
	account, err := s.store.FindByUsername(ctx, normalizeUsername(username))
	if err != nil {
		return PublicAccount{}, err
	}
	return account.Public(), nil
}

// Authorize checks that username still exists, holds role and is not locked.
func (s *Service) Authorize(ctx context.Context, username string, role Role) (PublicAccount, error) {
	account, err := s.store.FindByUsername(ctx, normalizeUsername(username))
	if err != nil {
		return PublicAccount{}, err
	}

	now := s.now().UTC()
	state, _ := s.lockout.Refresh(account.Security, now)
	if s.lockout.IsLocked(state, now) {
		s.logger.Warn("authorize_locked", map[string]any{"username": account.Username})
		return PublicAccount{}, newLockedError(state.LockedUntil, now)
	}
	if account.Role != role {
		return PublicAccount{}, ErrInsufficientRole
	}

	return account.Public(), nil
}

// UpdateProfile renames the account and, when newPassword is not blank,
// replaces its credential. An empty newUsername keeps the current one.
func (s *Service) UpdateProfile(ctx context.Context, currentUsername, newUsername, newPassword string) (PublicAccount, error) {
	currentUsername = normalizeUsername(currentUsername)
	newUsername = normalizeUsername(newUsername)
	if newUsername == "" {
		newUsername = currentUsername
	}

	if newUsername != currentUsername {
		exists, err := s.store.ExistsByUsername(ctx, newUsername)
		if err != nil {
			return PublicAccount{}, err
		}
		if exists {
			return PublicAccount{}, ErrDuplicateUsername
		}
	}

	var newHash string
	if strings.TrimSpace(newPassword) != "" {
		hash, err := s.hashStrongPassword(ctx, newPassword)
		if err != nil {
			return PublicAccount{}, err
		}
		newHash = hash
	}

	account, err := s.mutate(ctx, currentUsername, func(account *Account) error {
		account.Username = newUsername
		if newHash != "" {
			account.PasswordHash = newHash
		}
		return nil
	})
	if err != nil {
		return PublicAccount{}, err
	}

	s.logger.Info("profile_updated", map[string]any{
		"username":         account.Username,
		"renamed":          newUsername != currentUsername,
		"password_changed": newHash != "",
	})
	return account.Public(), nil
}

// UpdateRole is an administrative action; callers authorize it.
func (s *Service) UpdateRole(ctx context.Context, username, role string) error {
	parsed, err := ParseRole(role)
	if err != nil {
		return err
	}

	_, err = s.mutate(ctx, normalizeUsername(username), func(account *Account) error {
		account.Role = parsed
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("role_updated", map[string]any{"username": normalizeUsername(username), "role": string(parsed)})
	return nil
}

func (s *Service) LockAccount(ctx context.Context, username string) (PublicAccount, error) {
	account, err := s.mutate(ctx, normalizeUsername(username), func(account *Account) error {
		account.Security = s.lockout.ForceLock(account.Security)
		return nil
	})
	if err != nil {
		return PublicAccount{}, err
	}

	s.logger.Info("account_locked_by_admin", map[string]any{"username": account.Username})
	return account.Public(), nil
}

func (s *Service) UnlockAccount(ctx context.Context, username string) (PublicAccount, error) {
	account, err := s.mutate(ctx, normalizeUsername(username), func(account *Account) error {
		account.Security = s.lockout.ForceUnlock(account.Security)
		return nil
	})
	if err != nil {
		return PublicAccount{}, err
	}

	if err := s.limiter.Clear(ctx, loginKey(account.Username)); err != nil {
		s.logger.Error("login_rate_limit_clear_failed", map[string]any{"username": account.Username, "error": err.Error()})
	}
	s.logger.Info("account_unlocked_by_admin", map[string]any{"username": account.Username})
	return account.Public(), nil
}

func (s *Service) DeleteAccount(ctx context.Context, username string) error {
	username = normalizeUsername(username)

	account, err := s.store.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, account); err != nil {
		return err
	}

	s.logger.Info("account_deleted", map[string]any{"username": username})
	return nil
}

// SearchAccounts filters by case-insensitive username substring and exact
// role; blank filters are ignored. The requester is never in the result.
func (s *Service) SearchAccounts(ctx context.Context, requester, term, role string) ([]PublicAccount, error) {
	var roleFilter Role
	if strings.TrimSpace(role) != "" {
		parsed, err := ParseRole(role)
		if err != nil {
			return nil, err
		}
		roleFilter = parsed
	}

	term = strings.TrimSpace(term)

	var accounts []Account
	var err error
	switch {
	case term != "":
		accounts, err = s.store.Search(ctx, term, roleFilter)
	case roleFilter != "":
		accounts, err = s.store.FindByRole(ctx, roleFilter)
	default:
		accounts, err = s.store.FindAll(ctx)
	}
	if err != nil {
		return nil, err
	}

	requester = normalizeUsername(requester)
	out := make([]PublicAccount, 0, len(accounts))
	for _, account := range accounts {
		if account.Username == requester {
			continue
		}
		out = append(out, account.Public())
	}
	return out, nil
}

// EnsureAdmin creates username as an ADMIN. An existing account is taken
// over: its password is replaced with the configured one, it is promoted and
// any lock is lifted.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	username = normalizeUsername(username)
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("admin username and password are required together")
	}

	hash, err := s.hashStrongPassword(ctx, password)
	if err != nil {
		return fmt.Errorf("admin password: %w", err)
	}

	exists, err := s.store.ExistsByUsername(ctx, username)
	if err != nil {
		return err
	}
	if !exists {
		_, err = s.store.Save(ctx, Account{Username: username, PasswordHash: hash, Role: RoleAdmin})
		if err == nil {
			s.logger.Info("admin_bootstrapped", map[string]any{"username": username})
			return nil
		}
		// Created concurrently by another instance; take it over below.
		if !errors.Is(err, ErrDuplicateUsername) {
			return err
		}
	}

	return s.takeOverAdmin(ctx, username, hash)
}

func (s *Service) takeOverAdmin(ctx context.Context, username, hash string) error {
	_, err := s.mutate(ctx, username, func(account *Account) error {
		account.PasswordHash = hash
		account.Role = RoleAdmin
		account.Security = s.lockout.ForceUnlock(account.Security)
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.limiter.Clear(ctx, loginKey(username)); err != nil {
		s.logger.Error("login_rate_limit_clear_failed", map[string]any{"username": username, "error": err.Error()})
	}
	s.logger.Warn("admin_credentials_reset", map[string]any{"username": username})
	return nil
}

// mutate runs one load, apply, save cycle with optimistic retries.
func (s *Service) mutate(ctx context.Context, username string, apply func(*Account) error) (Account, error) {
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		account, err := s.store.FindByUsername(ctx, username)
		if err != nil {
			return Account{}, err
		}

		if err := apply(&account); err != nil {
			return Account{}, err
		}

		saved, err := s.store.Save(ctx, account)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Account{}, err
		}
		return saved, nil
	}

	return Account{}, fmt.Errorf("update account %q: %w", username, ErrVersionConflict)
}

func (s *Service) hashStrongPassword(ctx context.Context, password string) (string, error) {
	result := ValidatePasswordStrength(password)
	if !result.Accepted {
		return "", WeakPasswordError{Reason: result.Reason, Strength: result.Strength}
	}
	return s.hasher.Hash(ctx, password)
}

func (s *Service) issueTokens(subject string) (Tokens, error) {
	access, err := s.tokens.Issue(subject)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := s.tokens.IssueRefresh(subject)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

func loginKey(username string) string {
	return "login:" + username
}
