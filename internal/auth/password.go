package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// bcrypt only looks at the first 72 bytes.
const bcryptMaxBytes = 72

// PasswordHasher hashes and verifies credentials with bcrypt. At most
// maxConcurrent hash operations run at once; further callers wait for a
// slot or for their context to end.
type PasswordHasher struct {
	cost  int
	slots *semaphore.Weighted

	dummyOnce sync.Once
	dummy     []byte
}

func NewPasswordHasher(cost, maxConcurrent int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}
	return &PasswordHasher{cost: cost, slots: semaphore.NewWeighted(int64(maxConcurrent))}
}

func (h *PasswordHasher) Hash(ctx context.Context, plain string) (string, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire hash slot: %w", err)
	}
	defer h.slots.Release(1)

	digest, err := bcrypt.GenerateFromPassword(prepareSecret(plain), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(digest), nil
}

// Verify reports whether plain matches digest. A mismatch is not an error.
func (h *PasswordHasher) Verify(ctx context.Context, plain, digest string) (bool, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("acquire hash slot: %w", err)
	}
	defer h.slots.Release(1)

	err := bcrypt.CompareHashAndPassword([]byte(digest), prepareSecret(plain))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("verify password: %w", err)
}

// EqualizeTiming spends one comparison against a throwaway digest so that
// unknown usernames cost as much as wrong passwords.
func (h *PasswordHasher) EqualizeTiming(ctx context.Context, plain string) {
	h.dummyOnce.Do(func() {
		seed := make([]byte, 16)
		_, _ = rand.Read(seed)
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(seed)), h.cost)
	})
	if h.dummy == nil {
		return
	}

	if err := h.slots.Acquire(ctx, 1); err != nil {
		return
	}
	defer h.slots.Release(1)

	_ = bcrypt.CompareHashAndPassword(h.dummy, prepareSecret(plain))
}

// Longer secrets are pre-hashed so that no byte past the bcrypt limit is
// silently ignored.
func prepareSecret(plain string) []byte {
	if len(plain) <= bcryptMaxBytes {
		return []byte(plain)
	}
	sum := sha256.Sum256([]byte(plain))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}
