// Package ratelimit provides atomic fixed-window rate limiting backed by
// Redis. The check-and-increment runs as a single Lua script; a GET → check
// → INCR sequence would race under concurrent requests.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts events per key within fixed time windows.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
}

// Lua script for atomic fixed-window check-and-increment. The counter is
// only incremented when the request is allowed, so denied requests do not
// extend the caller's lockout.
const fixedWindowScript = `
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

// NewLimiter creates a limiter with the pre-compiled Lua script.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{
		redis:  client,
		script: redis.NewScript(fixedWindowScript),
	}
}

// Allow reports whether one more event is permitted for key within the
// current window. limit is the maximum events per window.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	bucket := now.Unix() / int64(window.Seconds())
	windowKey := fmt.Sprintf("ratelimit:%s:%d", key, bucket)

	result, err := l.script.Run(ctx, l.redis,
		[]string{windowKey},
		limit,
		int(window.Seconds())+1,
	).Slice()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed, ok := result[0].(int64)
	if !ok {
		return false, fmt.Errorf("unexpected rate limit script result: %v", result)
	}
	return allowed == 1, nil
}
