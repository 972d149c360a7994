package auth

import (
	"net/http"
	"strconv"
	"time"

	"account-backend/internal/observability"
)

// LoginRateLimiter admits login requests per client IP through the shared
// RateLimiter under "ip:<addr>" keys. X-Forwarded-For is only honoured
// behind a trusted proxy; otherwise a client could pick a fresh key per
// request.
type LoginRateLimiter struct {
	limiter        RateLimiter
	maxHits        int
	window         time.Duration
	trustForwarded bool
}

func NewLoginRateLimiter(limiter RateLimiter, maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 20
	}
	if window <= 0 {
		window = time.Minute
	}

	return &LoginRateLimiter{limiter: limiter, maxHits: maxHits, window: window}
}

func (l *LoginRateLimiter) WithTrustedProxy(trust bool) *LoginRateLimiter {
	l.trustForwarded = trust
	return l
}

func (l *LoginRateLimiter) clientIP(r *http.Request) string {
	if l.trustForwarded {
		return observability.ClientIP(r)
	}
	return observability.RemoteIP(r)
}

// retryAfter is the time left in the key's window, or the full window when
// the backend cannot say.
func (l *LoginRateLimiter) retryAfter(r *http.Request, key string) time.Duration {
	resetIn, err := l.limiter.ResetIn(r.Context(), key)
	if err != nil || resetIn <= 0 {
		return l.window
	}
	return resetIn
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ipKey(l.clientIP(r))

		allowed, err := l.limiter.TryAcquire(r.Context(), key, l.maxHits, l.window)
		if err != nil {
			observability.ReportError(err, "login_ip_rate_limit")
			writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}

		if remaining, err := l.limiter.Remaining(r.Context(), key, l.maxHits); err == nil {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.maxHits))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(l.retryAfter(r, key))))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func ipKey(ip string) string {
	return "ip:" + ip
}
