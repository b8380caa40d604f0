package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// The script refills by elapsed server time, takes one token when available
// and otherwise returns how many milliseconds until the next token.
const takeTokenScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now
if now > ts then
  tokens = math.min(burst, tokens + (now - ts) * rate / 1000)
end

local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return wait
`

var errBucketNotConfigured = errors.New("shared token bucket not configured")

// TokenBucket is a token bucket kept in Redis so every process calling the
// lock vendor draws from one budget.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(takeTokenScript)}
}

// Take consumes one token from the bucket at key. A zero wait means the call
// may proceed; otherwise nothing was consumed and the caller should retry
// after wait.
func (t *TokenBucket) Take(ctx context.Context, key string, ratePerSecond float64, burst int) (time.Duration, error) {
	if t == nil || t.client == nil {
		return 0, errBucketNotConfigured
	}
	if key == "" || ratePerSecond <= 0 || burst <= 0 {
		return 0, fmt.Errorf("invalid bucket %q: rate=%v burst=%d", key, ratePerSecond, burst)
	}

	waitMs, err := t.script.Run(ctx, t.client, []string{key},
		ratePerSecond, burst, bucketTTL(ratePerSecond, burst).Milliseconds(),
	).Int64()
	if err != nil {
		return 0, err
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}

// bucketTTL keeps idle buckets around for twice the time a full refill takes.
func bucketTTL(ratePerSecond float64, burst int) time.Duration {
	if ratePerSecond <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Max(1, math.Ceil(2*float64(burst)/ratePerSecond))
	return time.Duration(seconds) * time.Second
}
