package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills, takes and persists a bucket in one round trip.
// KEYS[1] bucket; ARGV capacity, refill per ms, now ms, ttl ms.
// Returns {allowed, floor(tokens), ms until next token}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
if now > ts then
  tokens = tokens + (now - ts) * rate
  ts = now
end
if tokens > capacity then
  tokens = capacity
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(ts))
redis.call("PEXPIRE", KEYS[1], ttl)
local wait = 0
if tokens < 1 and rate > 0 then
  wait = math.ceil((1 - tokens) / rate)
end
return {allowed, math.floor(tokens), wait}
`)

type RedisLimiter struct {
	Client redis.Scripter
	Prefix string
}

func NewRedis(client redis.Scripter) *RedisLimiter {
	return &RedisLimiter{Client: client, Prefix: "rl:"}
}

func (l *RedisLimiter) Take(ctx context.Context, key string, capacity int, window time.Duration, now time.Time) (BucketState, error) {
	if l.Client == nil {
		return BucketState{}, fmt.Errorf("%w: redis client not configured", ErrBackendUnavailable)
	}
	args := []any{
		capacity,
		strconv.FormatFloat(refillPerMs(capacity, window), 'f', -1, 64),
		now.UnixMilli(),
		max(window.Milliseconds(), 1),
	}
	res, err := tokenBucketScript.Run(ctx, l.Client, []string{l.Prefix + key}, args...).Result()
	if err != nil {
		return BucketState{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return BucketState{}, fmt.Errorf("%w: unexpected script reply %T", ErrBackendUnavailable, res)
	}
	allowed, ok1 := vals[0].(int64)
	remaining, ok2 := vals[1].(int64)
	wait, ok3 := vals[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return BucketState{}, fmt.Errorf("%w: malformed script reply %v", ErrBackendUnavailable, vals)
	}
	return BucketState{
		Allowed:    allowed == 1,
		Remaining:  int(max(remaining, 0)),
		ResetAfter: time.Duration(wait) * time.Millisecond,
	}, nil
}
