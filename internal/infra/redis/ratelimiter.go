package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/dispatch-bot/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "cooldown:"

// Entries scored at or below now-window are outside the window.
var allowScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) >= limit then
  return 0
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
if window > 0 then
  redis.call("PEXPIRE", KEYS[1], window)
end
return 1
`)

var _ ratelimit.Limiter = (*SlidingWindowLimiter)(nil)

// SlidingWindowLimiter is a distributed sliding-log limiter backed by a Redis sorted set.
type SlidingWindowLimiter struct {
	client *goredis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
	member func() string
	script *goredis.Script
}

func NewSlidingWindowLimiter(client *goredis.Client, limit int, window time.Duration) (*SlidingWindowLimiter, error) {
	return newSlidingWindowLimiter(client, int64(limit), window, time.Now, uuid.NewString)
}

func newSlidingWindowLimiter(
	client *goredis.Client,
	limit int64,
	window time.Duration,
	nowFn func() time.Time,
	memberFn func() string,
) (*SlidingWindowLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit < 1 {
		return nil, fmt.Errorf("limit must be at least 1, got %d", limit)
	}
	if window < 0 {
		return nil, fmt.Errorf("window must not be negative, got %s", window)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if memberFn == nil {
		memberFn = uuid.NewString
	}

	return &SlidingWindowLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    nowFn,
		member: memberFn,
		script: allowScript,
	}, nil
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l == nil || l.client == nil || l.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	normalizedKey := strings.ToLower(strings.TrimSpace(key))
	if normalizedKey == "" {
		return false, fmt.Errorf("key is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	result, err := l.script.Run(ctx, l.client,
		[]string{keyPrefix + normalizedKey},
		l.now().UnixMilli(),
		l.window.Milliseconds(),
		l.limit,
		l.member(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}
