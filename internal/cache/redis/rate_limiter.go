package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims entries older than the window and admits the request
// when fewer than limit remain. Timestamps are microseconds.
//
// KEYS[1] window key; ARGV now, window, limit, member.
// Returns {admitted, oldest}; oldest is the score of the earliest entry still
// in the window, or 0 when the window is empty.
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[3]) then
    redis.call('ZADD', KEYS[1], now, ARGV[4])
    redis.call('PEXPIRE', KEYS[1], math.ceil(window / 1000))
    return {1, 0}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2])}
`)

const minWait = 10 * time.Millisecond

// RateLimiter implements domain.RateLimiter with a sliding window kept in a
// sorted set, shared by every process that talks to the same venue.
type RateLimiter struct {
	c   *Client
	now func() time.Time
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c, now: time.Now}
}

// Allow reports whether one more request for key fits in the window, and
// counts it when it does.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	ok, _, err := rl.take(ctx, key, limit, window)
	return ok, err
}

// Wait blocks until a request for key is admitted under limit per window.
func (rl *RateLimiter) Wait(ctx context.Context, key string, limit int, window time.Duration) error {
	for {
		ok, retry, err := rl.take(ctx, key, limit, window)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

// take runs the window script. When the request is refused, retry is how long
// until the oldest entry leaves the window.
func (rl *RateLimiter) take(ctx context.Context, key string, limit int, window time.Duration) (ok bool, retry time.Duration, err error) {
	now := rl.now().UnixMicro()
	res, err := slidingWindow.Run(ctx, rl.c.rdb,
		[]string{rl.c.key("ratelimit", key)},
		now, window.Microseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, wrapErr("rate limit "+key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redis: rate limit %s: unexpected reply %v", key, res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, retryAfter(now, res[1], window), nil
}

func retryAfter(nowMicros, oldestMicros int64, window time.Duration) time.Duration {
	if oldestMicros <= 0 {
		return minWait
	}
	d := time.Duration(oldestMicros+window.Microseconds()-nowMicros) * time.Microsecond
	return min(max(d, minWait), window)
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
