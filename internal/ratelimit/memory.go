package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps windows in process memory. Each key owns its own
// mutex, so the expiry check, the window replacement and the increment run
// as one unit per key while distinct keys never contend.
type MemoryLimiter struct {
	windows sync.Map // string -> *entry
	now     func() time.Time
}

type entry struct {
	mu      sync.Mutex
	window  Window
	removed bool
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{now: time.Now}
}

func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	if now != nil {
		l.now = now
	}
	return l
}

func (l *MemoryLimiter) TryAcquire(_ context.Context, key string, maxAttempts int, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, ErrInvalidWindow
	}

	for {
		e := l.load(key)

		e.mu.Lock()
		if e.removed {
			// Cleared or swept between load and lock; the map already
			// holds (or will hold) a fresh entry for this key.
			e.mu.Unlock()
			continue
		}

		now := l.now()
		if e.window.expired(now) {
			e.window = Window{Start: now, End: now.Add(window)}
		}
		e.window.AttemptCount++
		allowed := e.window.AttemptCount <= maxAttempts
		e.mu.Unlock()

		return allowed, nil
	}
}

func (l *MemoryLimiter) Remaining(_ context.Context, key string, maxAttempts int) (int, error) {
	value, ok := l.windows.Load(key)
	if !ok {
		return maxAttempts, nil
	}

	e := value.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || e.window.expired(l.now()) {
		return maxAttempts, nil
	}
	return remaining(maxAttempts, e.window.AttemptCount), nil
}

// ResetIn reports how long until the key's current window ends, or zero
// when the key has no live window.
func (l *MemoryLimiter) ResetIn(_ context.Context, key string) (time.Duration, error) {
	value, ok := l.windows.Load(key)
	if !ok {
		return 0, nil
	}

	e := value.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return 0, nil
	}
	return e.window.resetIn(l.now()), nil
}

func (l *MemoryLimiter) Clear(_ context.Context, key string) error {
	value, ok := l.windows.LoadAndDelete(key)
	if !ok {
		return nil
	}

	e := value.(*entry)
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	return nil
}

// Sweep drops every expired window and returns how many were removed.
func (l *MemoryLimiter) Sweep(_ context.Context) (int, error) {
	now := l.now()
	removed := 0

	l.windows.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		if !e.removed && e.window.expired(now) {
			e.removed = true
			if l.windows.CompareAndDelete(key, e) {
				removed++
			}
		}
		e.mu.Unlock()
		return true
	})

	return removed, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (l *MemoryLimiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = l.Sweep(ctx)
		}
	}
}

// Len reports the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	count := 0
	l.windows.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (l *MemoryLimiter) load(key string) *entry {
	if value, ok := l.windows.Load(key); ok {
		return value.(*entry)
	}
	value, _ := l.windows.LoadOrStore(key, &entry{})
	return value.(*entry)
}
