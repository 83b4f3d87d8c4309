package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "receipts:ratelimit"

// The first hit in a window starts its expiry so abandoned keys clean up.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FixedWindowLimiter counts requests per key in wall-clock aligned windows
// shared by every replica through Redis.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = defaultPrefix
	}
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// Take records one request for key. Redis failures deny the request.
func (l *FixedWindowLimiter) Take(ctx context.Context, key string) Decision {
	if key = strings.TrimSpace(key); key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UnixMilli() / windowMs
	d := Decision{Limit: l.limit, ResetAt: time.UnixMilli((slot + 1) * windowMs).UTC()}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		slog.Warn("rate limiter redis error", "key", key, "err", err)
		return d
	}
	d.Allowed = count <= int64(l.limit)
	d.Remaining = max(l.limit-int(count), 0)
	return d
}

// Allow reports whether key is still within quota.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	return l.Take(ctx, key).Allowed
}

func (l *FixedWindowLimiter) Close() error {
	return l.client.Close()
}
