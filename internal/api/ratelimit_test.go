package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/invoice-relay/internal/config"
)

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, cfg), mr
}

func TestRateLimiterDeniesPastLimit(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{RequestsPerMin: 3})

	// Ten attempts span at most two minute buckets, so a limit of three
	// must deny before the loop ends.
	var denied bool
	for i := 0; i < 10; i++ {
		allowed, wait := l.Allow(context.Background(), "203.0.113.9")
		if !allowed {
			denied = true
			assert.Greater(t, wait, time.Duration(0))
			assert.LessOrEqual(t, wait, time.Minute)
			break
		}
	}
	assert.True(t, denied, "expected a denial within ten attempts")
}

func TestRateLimiterSeparatesSources(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{RequestsPerMin: 1})

	allowed, _ := l.Allow(context.Background(), "203.0.113.1")
	assert.True(t, allowed)

	// A different caller gets its own counter.
	allowed, _ = l.Allow(context.Background(), "203.0.113.2")
	assert.True(t, allowed)
}

func TestRateLimiterDisabled(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{Disabled: true, RequestsPerMin: 1})

	for i := 0; i < 5; i++ {
		allowed, _ := l.Allow(context.Background(), "203.0.113.9")
		assert.True(t, allowed)
	}
}

func TestRateLimiterNilClientDisables(t *testing.T) {
	l := NewRateLimiter(nil, config.RateLimitConfig{RequestsPerMin: 1})

	for i := 0; i < 5; i++ {
		allowed, _ := l.Allow(context.Background(), "203.0.113.9")
		assert.True(t, allowed)
	}
}

func TestRateLimiterAllowsWhenRedisDown(t *testing.T) {
	l, mr := newTestLimiter(t, config.RateLimitConfig{RequestsPerMin: 1})
	mr.Close()

	allowed, _ := l.Allow(context.Background(), "203.0.113.9")
	assert.True(t, allowed, "a limiter outage must not block ingestion")
}

func TestWebhookRateLimitMiddleware(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{RequestsPerMin: 2})
	router := SetupRoutes(NewHandlers(&fakeQueue{}, "s3cret-state"), l, "")

	var ok, limited int
	for i := 0; i < 8; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook?validationToken=ping", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		switch rr.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
			assert.NotEmpty(t, rr.Header().Get("Retry-After"))
		default:
			t.Fatalf("unexpected status %d", rr.Code)
		}
	}

	assert.GreaterOrEqual(t, ok, 2)
	assert.GreaterOrEqual(t, limited, 1, "limit of two must trip within eight requests")
}

func TestRateLimitSeparatesForwardedSources(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{RequestsPerMin: 1})
	router := SetupRoutes(NewHandlers(&fakeQueue{}, "s3cret-state"), l, "")

	first := httptest.NewRequest(http.MethodPost, "/webhook?validationToken=a", nil)
	first.Header.Set("X-Forwarded-For", "198.51.100.7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, first)
	require.Equal(t, http.StatusOK, rr.Code)

	second := httptest.NewRequest(http.MethodPost, "/webhook?validationToken=b", nil)
	second.Header.Set("X-Forwarded-For", "198.51.100.8")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, second)
	assert.Equal(t, http.StatusOK, rr.Code)
}
