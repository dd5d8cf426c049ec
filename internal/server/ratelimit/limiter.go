package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"naturecms/internal/server/metrics"
	"naturecms/internal/server/netx"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps Redis failures seen by the limiter.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Options configures a Limiter.
type Options struct {
	Prefix     string
	FailOpen   bool
	TrustProxy bool
	Metrics    *metrics.Metrics
}

// Limiter is a fixed-window request counter stored in Redis.
type Limiter struct {
	redis redis.UniversalClient
	opts  Options
	now   func() time.Time
}

// New creates a Limiter backed by the given Redis client.
func New(client redis.UniversalClient, opts Options) *Limiter {
	if opts.Prefix == "" {
		opts.Prefix = "rl:"
	}
	return &Limiter{redis: client, opts: opts, now: time.Now}
}

// Hit counts one request against key and returns the new count together
// with the time left in the window. The window starts on the first hit.
func (l *Limiter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	count := incr.Val()
	ttl := pttl.Val()
	if ttl < 0 {
		if err := l.redis.PExpire(ctx, key, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		ttl = window
	}
	return count, ttl, nil
}

// undoScript decrements an existing counter, floors it at zero and keeps
// its TTL. A key whose window already expired is left absent.
var undoScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local n = redis.call("DECR", KEYS[1])
if n < 0 then
	n = redis.call("INCRBY", KEYS[1], -n)
end
return n
`)

// Undo gives back one hit. The counter never goes below zero and a counter
// whose window has ended is not recreated.
func (l *Limiter) Undo(ctx context.Context, key string) error {
	if err := undoScript.Run(ctx, l.redis, []string{key}).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Key builds the counter key for a client on a route. The query string is
// not part of the key, so /a?x=1 and /a?x=2 share one bucket.
func (l *Limiter) Key(policy Policy, client, path string) string {
	return l.opts.Prefix + policy.Name + ":" + client + ":" + path
}

// Middleware enforces policy on the wrapped routes.
func (l *Limiter) Middleware(policy Policy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			client := netx.ClientID(req, l.opts.TrustProxy)
			key := l.Key(policy, client, req.URL.Path)

			count, ttl, err := l.Hit(ctx, key, policy.Window)
			if err != nil {
				l.opts.Metrics.RateLimitStoreError()
				slog.Error("rate limiter unavailable", "policy", policy.Name, "key", key, "error", err, "fail_open", l.opts.FailOpen)
				if l.opts.FailOpen {
					return next(c)
				}
				return c.JSON(http.StatusServiceUnavailable, echo.Map{
					"success": false,
					"message": "service temporarily unavailable",
				})
			}

			remaining := policy.Max - count
			if remaining < 0 {
				remaining = 0
			}
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(policy.Max, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(l.now().Add(ttl).Unix(), 10))

			if count > policy.Max {
				l.opts.Metrics.RateLimited(policy.Name)
				slog.Warn("rate limit exceeded", "policy", policy.Name, "client", client, "path", req.URL.Path)
				h.Set("Retry-After", strconv.FormatInt(retryAfterSeconds(ttl), 10))
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"success": false,
					"message": policy.Message,
				})
			}

			err = next(c)

			if policy.SkipSuccessful || policy.SkipFailed {
				status := responseStatus(c, err)
				if (policy.SkipSuccessful && status < http.StatusBadRequest) ||
					(policy.SkipFailed && status >= http.StatusBadRequest) {
					if undoErr := l.Undo(ctx, key); undoErr != nil {
						l.opts.Metrics.RateLimitStoreError()
						slog.Warn("failed to release rate limit hit", "key", key, "error", undoErr)
					}
				}
			}
			return err
		}
	}
}

func retryAfterSeconds(ttl time.Duration) int64 {
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// responseStatus reports the status the client will see, including errors
// that echo's error handler has not rendered yet.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	if c.Response().Committed {
		return c.Response().Status
	}
	return http.StatusInternalServerError
}
