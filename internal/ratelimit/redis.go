package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the counter and arms its expiry on first use.
// Returns {count, pttl_ms}.
var fixedWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Redis is a fixed-window limiter shared by every instance pointing at the
// same Redis.
type Redis struct {
	rdb    redis.Scripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedis(rdb redis.Scripter, limit int, window time.Duration) *Redis {
	if limit <= 0 {
		limit = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Redis{rdb: rdb, prefix: "portal:rl:", limit: limit, window: window, now: time.Now}
}

func (r *Redis) key(k Key) string { return r.prefix + k.String() }

func (r *Redis) Check(ctx context.Context, key Key) (Result, error) {
	raw, err := fixedWindowScript.Run(ctx, r.rdb, []string{r.key(key)}, r.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return r.result(raw)
}

func (r *Redis) result(raw []int64) (Result, error) {
	if len(raw) != 2 {
		return Result{}, fmt.Errorf("ratelimit: redis: unexpected reply length %d", len(raw))
	}
	count, ttl := int(raw[0]), time.Duration(raw[1])*time.Millisecond
	resetAt := r.now().Add(ttl)
	if count > r.limit {
		return Result{Allowed: false, Count: count, ResetAt: resetAt, RetryAfter: ttl}, nil
	}
	return Result{Allowed: true, Count: count, Remaining: r.limit - count, ResetAt: resetAt}, nil
}
