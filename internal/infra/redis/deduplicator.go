package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/alert-dispatch/internal/dedup"
	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	dedupKeyPrefix = "dedup:"
	claimPrefix    = "claim:"
	seenPrefix     = "seen:"
)

// claimScript: KEYS[1]=key ARGV[1]=claim value ARGV[2]=lease ms
var claimScript = goredis.NewScript(`
local ok = redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2])
if ok then
  return 1
end
return 0
`)

// markSeenScript keeps the claim timestamp as first-seen when one exists.
// KEYS[1]=key ARGV[1]=now ms ARGV[2]=ttl ms
var markSeenScript = goredis.NewScript(`
local current = redis.call("GET", KEYS[1])
local first = ARGV[1]
if current then
  local sep = string.find(current, ":", 1, true)
  if sep then
    first = string.sub(current, sep + 1)
  end
end
redis.call("SET", KEYS[1], "seen:" .. first, "PX", ARGV[2])
return 1
`)

// releaseScript deletes the key only while it still holds a claim.
var releaseScript = goredis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and string.sub(current, 1, 6) == "claim:" then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ dedup.Deduplicator = (*RedisDeduplicator)(nil)

// RedisDeduplicator shares claims and seen records across dispatcher instances.
type RedisDeduplicator struct {
	client *goredis.Client
	lease  time.Duration
	now    func() time.Time
}

func NewRedisDeduplicator(client *goredis.Client, lease time.Duration) (*RedisDeduplicator, error) {
	return newRedisDeduplicator(client, lease, time.Now)
}

func newRedisDeduplicator(client *goredis.Client, lease time.Duration, nowFn func() time.Time) (*RedisDeduplicator, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if lease <= 0 {
		lease = dedup.DefaultClaimLease
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &RedisDeduplicator{
		client: client,
		lease:  lease,
		now:    nowFn,
	}, nil
}

func (d *RedisDeduplicator) ShouldDispatch(ctx context.Context, eventID string) (bool, error) {
	key, err := dedupKey(eventID)
	if err != nil {
		return false, err
	}

	value := claimPrefix + strconv.FormatInt(d.now().UTC().UnixMilli(), 10)
	result, err := claimScript.Run(ctx, d.client, []string{key}, value, d.lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim event %s: %w", eventID, err)
	}

	return result == 1, nil
}

func (d *RedisDeduplicator) MarkSeen(ctx context.Context, eventID string, ttl time.Duration) error {
	key, err := dedupKey(eventID)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = dedup.DefaultTTL
	}

	nowMs := d.now().UTC().UnixMilli()
	if err := markSeenScript.Run(ctx, d.client, []string{key}, nowMs, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("failed to mark event %s as seen: %w", eventID, err)
	}

	return nil
}

func (d *RedisDeduplicator) Release(ctx context.Context, eventID string) error {
	key, err := dedupKey(eventID)
	if err != nil {
		return err
	}

	if err := releaseScript.Run(ctx, d.client, []string{key}).Err(); err != nil {
		return fmt.Errorf("failed to release event %s: %w", eventID, err)
	}

	return nil
}

func dedupKey(eventID string) (string, error) {
	trimmed := strings.TrimSpace(eventID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: event id is required", domain.ErrValidation)
	}
	return dedupKeyPrefix + trimmed, nil
}
