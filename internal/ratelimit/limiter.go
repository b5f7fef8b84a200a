package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrLimiterUnavailable wraps Redis failures.
var ErrLimiterUnavailable = errors.New("rate limiter unavailable")

const keyPrefix = "secureauth:ratelimit:"

// RateLimiter admits at most Requests per fixed Window for each key (client
// IP). Counters live in Redis so every api instance shares the budget.
type RateLimiter struct {
	redis    redis.UniversalClient
	requests int64
	window   time.Duration
	log      *zap.SugaredLogger
	now      func() time.Time

	// limits how often an unreachable Redis is reported
	warn rate.Sometimes
}

func NewRateLimiter(redisClient redis.UniversalClient, requests int, window time.Duration, log *zap.SugaredLogger) *RateLimiter {
	if requests <= 0 {
		requests = 1
	}
	if window < time.Second {
		window = 15 * time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RateLimiter{
		redis:    redisClient,
		requests: int64(requests),
		window:   window,
		log:      log,
		now:      time.Now,
		warn:     rate.Sometimes{Interval: time.Minute},
	}
}

// WithClock overrides the time source.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

// Allow counts one request for key in the current window. When the budget is
// spent it returns false and the time left until the window resets.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := rl.now()
	size := rl.window.Milliseconds()
	slot := now.UnixMilli() / size
	reset := time.UnixMilli((slot + 1) * size)
	k := keyPrefix + key + ":" + strconv.FormatInt(slot, 10)

	count, err := rl.redis.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	// fixed window: the first hit in the slot sets the expiry
	if count == 1 {
		if err := rl.redis.Expire(ctx, k, rl.window).Err(); err != nil {
			return false, 0, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
		}
	}
	if count > rl.requests {
		return false, reset.Sub(now), nil
	}
	return true, 0, nil
}

// Middleware rejects requests over the per-IP budget with 429 and Retry-After.
// Requests pass when Redis is unreachable; account lockout does not depend
// on this layer.
func (rl *RateLimiter) Middleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait, err := rl.Allow(r.Context(), ClientIP(r, trustProxy))
			if err != nil {
				rl.warn.Do(func() { rl.log.Warnw("rate limiter failing open", "error", err) })
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"message":"Too many requests from this IP, please try again later"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the address the trusted reverse proxy appended to
// X-Forwarded-For (the rightmost entry) when trustProxy is set, otherwise the
// host part of RemoteAddr. Entries left of it are client supplied.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.LastIndexByte(xff, ','); i >= 0 {
				xff = xff[i+1:]
			}
			if ip := strings.TrimSpace(xff); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
