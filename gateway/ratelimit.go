package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// COUNTER
// =============================================================================

// Counter increments a key that expires at the end of its window and
// returns the new count.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter shares rate-limit windows across server instances.
// Keys are scoped to one window, so refreshing the TTL on every hit only
// delays cleanup. Plain EXPIRE works on every Redis version; EXPIRE NX
// needs Redis 7.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, c.prefix+key)
	pipe.Expire(ctx, c.prefix+key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rate limit counter %s: %w", key, err)
	}
	return incr.Val(), nil
}

// =============================================================================
// LIMITER
// =============================================================================

// RateLimiter allows Limit requests per client IP per Window.
// Counter failures let the request through.
type RateLimiter struct {
	counter Counter
	limit   int64
	window  time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func NewRateLimiter(counter Counter, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{counter: counter, limit: int64(limit), window: window, now: time.Now, logger: logger}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.counter == nil || l.limit <= 0 || l.window <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		now := l.now()
		bucket := now.Truncate(l.window)
		reset := bucket.Add(l.window)
		key := clientIP(r) + ":" + strconv.FormatInt(bucket.Unix(), 10)

		count, err := l.counter.Incr(r.Context(), key, l.window)
		if err != nil {
			l.logger.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		left := l.limit - count
		if left < 0 {
			left = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(left, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > l.limit {
			retry := int(reset.Sub(now).Seconds() + 0.999)
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			deny(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the connection's host. X-Forwarded-For is client controlled;
// behind a proxy, middleware.RealIP rewrites RemoteAddr before this runs.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
