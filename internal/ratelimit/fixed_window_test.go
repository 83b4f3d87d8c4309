package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestLimiter(t *testing.T, redis *miniredis.Miniredis, prefix string, limit int, window time.Duration) *FixedWindowLimiter {
	t.Helper()
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", prefix, limit, window)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	return limiter
}

func TestFixedWindowLimiterRedis(t *testing.T) {
	limiter := newTestLimiter(t, miniredis.RunT(t), "test:ratelimit", 2, time.Second)
	ctx := context.Background()
	if !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("first request should pass")
	}
	if !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("second request should pass")
	}
	if limiter.Allow(ctx, "ip-1") {
		t.Fatalf("third request should be blocked")
	}
	if !limiter.Allow(ctx, "ip-2") {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestFixedWindowLimiterDecision(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter := newTestLimiter(t, redis, "", 2, time.Minute)
	now := time.Date(2024, 2, 8, 18, 1, 30, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	d := limiter.Take(ctx, "ip-1")
	wantReset := time.Date(2024, 2, 8, 18, 2, 0, 0, time.UTC)
	if !d.Allowed || d.Limit != 2 || d.Remaining != 1 || !d.ResetAt.Equal(wantReset) {
		t.Fatalf("first decision = %+v", d)
	}
	limiter.Take(ctx, "ip-1")
	d = limiter.Take(ctx, "ip-1")
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("third decision = %+v, want denied with nothing remaining", d)
	}

	now = wantReset
	if d := limiter.Take(ctx, "ip-1"); !d.Allowed || d.Remaining != 1 {
		t.Fatalf("next window decision = %+v", d)
	}
	if !redis.Exists(defaultPrefix + ":ip-1:" + "28456922") {
		t.Fatalf("expected default prefix key, have %v", redis.Keys())
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter := newTestLimiter(t, redis, "test:ratelimit", 1, time.Second)
	redis.Close()
	if d := limiter.Take(context.Background(), "ip-1"); d.Allowed || d.ResetAt.IsZero() {
		t.Fatalf("decision = %+v, want fail closed", d)
	}
}

func TestFixedWindowLimiterValidatesArguments(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter("", "", "p", 1, time.Second); err == nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
	if _, err := NewRedisFixedWindowLimiter("localhost:6379", "", "p", 0, time.Second); err == nil {
		t.Fatalf("expected constructor error for zero limit")
	}
	if _, err := NewRedisFixedWindowLimiter("localhost:6379", "", "p", 1, time.Microsecond); err == nil {
		t.Fatalf("expected constructor error for sub-millisecond window")
	}
}
