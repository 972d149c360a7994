// Package ratelimit provides fixed-window admission control keyed by
// arbitrary strings such as "login:<username>" or "ip:<addr>".
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidWindow = errors.New("rate limit window must be positive")

// Limiter is implemented by every backend. TryAcquire counts the call
// against the key's current window and reports whether the count is still
// within maxAttempts.
type Limiter interface {
	TryAcquire(ctx context.Context, key string, maxAttempts int, window time.Duration) (bool, error)
	Remaining(ctx context.Context, key string, maxAttempts int) (int, error)
	Clear(ctx context.Context, key string) error
	ResetIn(ctx context.Context, key string) (time.Duration, error)
	Sweep(ctx context.Context) (int, error)
}

// Window is the state of a single key. A window is never extended: once
// now >= End it is replaced by a fresh one on the next acquisition.
type Window struct {
	AttemptCount int
	Start        time.Time
	End          time.Time
}

func (w Window) expired(now time.Time) bool {
	return w.End.IsZero() || !now.Before(w.End)
}

func (w Window) resetIn(now time.Time) time.Duration {
	if w.expired(now) {
		return 0
	}
	return w.End.Sub(now)
}

func remaining(maxAttempts, count int) int {
	left := maxAttempts - count
	if left < 0 {
		return 0
	}
	return left
}
