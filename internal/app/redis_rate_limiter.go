package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// INCR and PEXPIRE run atomically so concurrent replicas share one window.
var acceptAttemptScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

const minLimiterWindow = time.Second

// RedisAcceptAttemptLimiter is a fixed-window attempt counter shared by every
// replica, so acceptance-code guessing is bounded service-wide.
type RedisAcceptAttemptLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisAcceptAttemptLimiter(client redis.UniversalClient, prefix string) *RedisAcceptAttemptLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "transfer:rate_limit"
	}
	return &RedisAcceptAttemptLimiter{client: client, prefix: prefix}
}

func (r *RedisAcceptAttemptLimiter) key(scope, subject string) string {
	return r.prefix + ":" + scope + ":" + subject
}

// ConsumeRateLimit records one attempt and returns the running count for the
// window plus the seconds until it resets. A nil limiter, a blank scope or
// subject, or a non-positive limit disables limiting.
func (r *RedisAcceptAttemptLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if r == nil || r.client == nil || limit <= 0 || window <= 0 || scope == "" || subject == "" {
		return 0, 0, nil
	}
	if window < minLimiterWindow {
		window = minLimiterWindow
	}

	reply, err := acceptAttemptScript.Run(ctx, r.client, []string{r.key(scope, subject)}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}
	return parseLimiterReply(reply, window)
}

func parseLimiterReply(reply interface{}, window time.Duration) (int, int, error) {
	values, ok := reply.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", reply)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(count), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(count), retryAfter, nil
}
