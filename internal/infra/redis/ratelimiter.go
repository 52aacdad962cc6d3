package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/alert-dispatch/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	rateKeyPrefix          = "topic-rate:"
	defaultTopicRate int64 = 100
	minWindowWait          = 5 * time.Millisecond
)

// windowScript: KEYS[1]=window key ARGV[1]=limit ARGV[2]=window ms
// Returns {admitted, ms until the window closes}.
var windowScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
local ttl = redis.call("PTTL", KEYS[1])
if count > tonumber(ARGV[1]) then
  return {0, ttl}
end
return {1, ttl}
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter admits at most limit sends per topic per one-second window,
// shared by every dispatcher process pointed at the same Redis.
type RedisRateLimiter struct {
	client *goredis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	limit := int64(limitPerSec)
	if limit <= 0 {
		limit = defaultTopicRate
	}

	return &RedisRateLimiter{
		client: client,
		limit:  limit,
		window: time.Second,
		now:    time.Now,
		sleep:  sleepContext,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, topic string) (bool, error) {
	admitted, _, err := r.take(ctx, topic)
	return admitted, err
}

// Wait blocks until the topic's window admits a send, sleeping to the end of
// the current window between tries.
func (r *RedisRateLimiter) Wait(ctx context.Context, topic string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		admitted, remaining, err := r.take(ctx, topic)
		if err != nil {
			return err
		}
		if admitted {
			return nil
		}

		if remaining < minWindowWait {
			remaining = minWindowWait
		}
		if err := r.sleep(ctx, remaining); err != nil {
			return err
		}
	}
}

func (r *RedisRateLimiter) take(ctx context.Context, topic string) (bool, time.Duration, error) {
	key, err := r.windowKey(topic)
	if err != nil {
		return false, 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	values, err := windowScript.Run(ctx, r.client, []string{key}, r.limit, r.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check for %q failed: %w", topic, err)
	}
	if len(values) != 2 {
		return false, 0, fmt.Errorf("rate limit check for %q returned %d values", topic, len(values))
	}

	return values[0] == 1, time.Duration(values[1]) * time.Millisecond, nil
}

func (r *RedisRateLimiter) windowKey(topic string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(topic))
	if normalized == "" {
		return "", fmt.Errorf("topic is required")
	}
	window := r.now().UTC().UnixMilli() / r.window.Milliseconds()
	return fmt.Sprintf("%s%s:%d", rateKeyPrefix, normalized, window), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
