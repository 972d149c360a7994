package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisUnavailable = errors.New("rate limit backend unavailable")

// The TTL is only set by the call that creates the key, which gives
// fixed-window semantics; the script runs atomically on the server.
var acquireScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisLimiter shares windows between processes through Redis counters.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

func (l *RedisLimiter) TryAcquire(ctx context.Context, key string, maxAttempts int, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, ErrInvalidWindow
	}

	ttl := window.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	count, err := acquireScript.Run(ctx, l.client, []string{l.prefix + key}, ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return count <= int64(maxAttempts), nil
}

func (l *RedisLimiter) Remaining(ctx context.Context, key string, maxAttempts int) (int, error) {
	count, err := l.client.Get(ctx, l.prefix+key).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return maxAttempts, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return remaining(maxAttempts, count), nil
}

func (l *RedisLimiter) Clear(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *RedisLimiter) ResetIn(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, l.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	// -2 for a missing key, -1 for a key without expiry.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Sweep is a no-op: Redis expires windows on its own.
func (l *RedisLimiter) Sweep(context.Context) (int, error) {
	return 0, nil
}
