package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the bucket refill and spend atomically in redis.
// KEYS[1] bucket key; ARGV[1] refill rate per second; ARGV[2] capacity;
// ARGV[3] cost; ARGV[4] now in fractional seconds.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return allowed
`)

// RedisStore shares token buckets across server replicas. Keys expire two
// minutes after their last touch, so abandoned buckets clean themselves up.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, now: now}
}

func (s *RedisStore) Allow(ctx context.Context, key string, policy Policy, cost int) (Decision, error) {
	now := float64(s.now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, s.client, []string{"ratelimit:" + key},
		policy.ratePerSec(), policy.burst(), cost, now).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	if allowed != 1 {
		return Decision{RetryAfter: policy.RetryAfter()}, nil
	}
	return Decision{Allowed: true}, nil
}
