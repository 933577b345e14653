package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted-set member per accepted request, scored
// by Redis server time in milliseconds. Rejected requests are not recorded, so
// a donor who keeps retrying is unblocked as soon as the oldest accepted
// request leaves the window. Replies are {count including this request,
// milliseconds until a slot frees}.
var slidingWindowScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local clock = redis.call("TIME")
local now = tonumber(clock[1]) * 1000 + math.floor(tonumber(clock[2]) / 1000)

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count >= limit then
  local idx = count - limit
  local blocking = redis.call("ZRANGE", KEYS[1], idx, idx, "WITHSCORES")
  local wait = window
  if blocking[2] then
    wait = tonumber(blocking[2]) + window - now
  end
  return {count + 1, wait}
end

redis.call("ZADD", KEYS[1], now, ARGV[3])
redis.call("PEXPIRE", KEYS[1], window)
return {count + 1, window}
`)

// RateLimiter counts requests per (scope, subject) within a rolling window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RedisRateLimiter throttles donation creation per donor. Every replica
// shares the same sorted set per donor.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "donations:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

func (r *RedisRateLimiter) key(scope, subject string) string {
	return r.prefix + ":" + scope + ":" + subject
}

// ConsumeRateLimit records one request for subject unless the window is full.
// A count above limit means the request was refused.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if r == nil || r.client == nil || limit <= 0 || window <= 0 || scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < time.Second.Milliseconds() {
		windowMs = time.Second.Milliseconds()
	}

	reply, err := slidingWindowScript.Run(ctx, r.client, []string{r.key(scope, subject)}, windowMs, limit, uuid.NewString()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit script: %w", err)
	}
	return parseLimiterReply(reply, windowMs)
}

func parseLimiterReply(reply interface{}, windowMs int64) (int, int, error) {
	values, ok := reply.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate limit reply %T", reply)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected rate limit count %T", values[0])
	}
	waitMs, ok := values[1].(int64)
	if !ok || waitMs <= 0 {
		waitMs = windowMs
	}
	return int(count), retryAfterSeconds(waitMs), nil
}

func retryAfterSeconds(waitMs int64) int {
	seconds := int(math.Ceil(float64(waitMs) / 1000))
	if seconds < 1 {
		return 1
	}
	return seconds
}
