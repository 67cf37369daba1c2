package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/pkg/httputil"
	"github.com/ignite/invoice-relay/internal/pkg/logger"
)

// DefaultRequestsPerMin is the webhook ceiling per source address.
const DefaultRequestsPerMin = 10

// rateLimitLuaScript checks and increments one window counter atomically,
// so concurrent receivers cannot race past the limit.
const rateLimitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, current}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// RateLimiter bounds webhook traffic per source with minute-bucketed Redis
// counters. It protects the queue fabric from notification storms; it is
// not an authentication boundary.
type RateLimiter struct {
	client   *redis.Client
	script   *redis.Script
	limit    int
	disabled bool
}

// NewRateLimiter builds the limiter. A nil Redis client disables limiting,
// as does cfg.Disabled.
func NewRateLimiter(client *redis.Client, cfg config.RateLimitConfig) *RateLimiter {
	limit := cfg.RequestsPerMin
	if limit <= 0 {
		limit = DefaultRequestsPerMin
	}
	return &RateLimiter{
		client:   client,
		script:   redis.NewScript(rateLimitLuaScript),
		limit:    limit,
		disabled: cfg.Disabled || client == nil,
	}
}

// Allow reports whether source may proceed and, when denied, how long to
// wait. Redis failures allow the request so a limiter outage never blocks
// ingestion.
func (l *RateLimiter) Allow(ctx context.Context, source string) (bool, time.Duration) {
	if l.disabled {
		return true, 0
	}

	now := time.Now()
	key := fmt.Sprintf("ratelimit:webhook:%s:%d", source, now.Unix()/60)

	result, err := l.script.Run(ctx, l.client, []string{key}, l.limit, 120).Slice()
	if err != nil {
		logger.Warn("rate limit check failed, allowing", "error", err.Error())
		return true, 0
	}

	if allowed, _ := result[0].(int64); allowed == 1 {
		return true, 0
	}
	return false, time.Duration(60-now.Second()) * time.Second
}

// Middleware enforces the limit per remote address, before any enqueue.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, wait := l.Allow(r.Context(), sourceAddr(r))
		if !allowed {
			httputil.TooManyRequests(w, int(wait.Seconds()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sourceAddr strips the ephemeral port so one caller maps to one counter.
func sourceAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
