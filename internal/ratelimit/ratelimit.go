// Package ratelimit implements per-identity admission control using a Redis
// sliding window backed by a sorted set and an atomic Lua script.
//
// Failure policy: when Redis is unreachable the limiter fails OPEN — the
// request is admitted and the result carries a Degraded marker. Availability
// is deliberately favoured over precise enforcement here; the ledger makes
// the opposite trade-off.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript atomically purges expired timestamps, counts the
// survivors, and records the current request if the ceiling permits.
//
// KEYS[1] = per-identity window key
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = window length in nanoseconds
// ARGV[3] = ceiling (max requests per window)
//
// Returns {allowed(0|1), remaining, oldest-surviving-score-or-""}.
var slidingWindowScript = redis.NewScript(`
		local key     = KEYS[1]
		local now     = tonumber(ARGV[1])
		local window  = tonumber(ARGV[2])
		local ceiling = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= ceiling then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			return {0, 0, oldest[2]}
		end

		-- Member must be unique per request; the score carries the timestamp.
		local member = tostring(now) .. '-' .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))

		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		return {1, ceiling - count - 1, oldest[2]}
`)

// Result is the admission decision for one request.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining is the number of additional requests the identity may make
	// in the current window. Zero when rejected.
	Remaining int
	// ResetAt is when the oldest surviving request leaves the window, i.e.
	// the earliest instant at which a rejected caller can retry.
	ResetAt time.Time
	// Degraded is set when the counting store was unreachable and the
	// request was admitted without being counted.
	Degraded bool
}

// Limiter is a sliding-window rate limiter keyed by caller identity.
type Limiter struct {
	rdb     *redis.Client
	ceiling int
	window  time.Duration

	// now is overridable in tests.
	now func() time.Time
}

// New creates a Limiter admitting at most ceiling requests per identity in
// any trailing window. ceiling must be > 0; values ≤ 0 reject every request.
func New(rdb *redis.Client, ceiling int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{rdb: rdb, ceiling: ceiling, window: window, now: time.Now}
}

// Admit records and admits the request unless the identity has exhausted its
// window. Redis errors fail open: the request is admitted with Degraded set.
func (l *Limiter) Admit(ctx context.Context, identity string) Result {
	now := l.now()

	raw, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{windowKey(identity)},
		now.UnixNano(), l.window.Nanoseconds(), l.ceiling,
	).Result()
	if err != nil {
		return Result{Allowed: true, Remaining: 0, ResetAt: now.Add(l.window), Degraded: true}
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) < 2 {
		return Result{Allowed: true, Remaining: 0, ResetAt: now.Add(l.window), Degraded: true}
	}

	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)

	resetAt := now.Add(l.window)
	if len(vals) >= 3 {
		if s, ok := vals[2].(string); ok && s != "" {
			if oldest, err := strconv.ParseFloat(s, 64); err == nil {
				resetAt = time.Unix(0, int64(oldest)).Add(l.window)
			}
		}
	}

	return Result{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}
}

func windowKey(identity string) string {
	return fmt.Sprintf("ratelimit:id:%s", identity)
}
