package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jtradehq/jtrade/internal/domain"
)

// slidingWindowLua atomically prunes expired entries from a sorted set,
// counts the remainder, and admits the request when under the limit.
// Returns {allowed, remaining, retry_after_micros}.
const slidingWindowLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, math.ceil(window / 1000))
    return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = 0
if oldest[2] then
    retry = (tonumber(oldest[2]) + window) - now
end
return {0, 0, retry}
`

// waitPollFloor bounds how tightly Wait re-polls when the script cannot
// estimate a retry delay.
const waitPollFloor = 50 * time.Millisecond

// RateGate implements domain.RateGate with a Redis sliding window, so
// every replica sharing a broker token also shares that token's request
// budget.
type RateGate struct {
	rdb     *redis.Client
	limit   int
	window  time.Duration
	script  *redis.Script
}

// NewRateGate creates a gate allowing limit requests per window per key.
func NewRateGate(c *Client, limit int, window time.Duration) *RateGate {
	return &RateGate{
		rdb:    c.Underlying(),
		limit:  limit,
		window: window,
		script: redis.NewScript(slidingWindowLua),
	}
}

func gateKey(key string) string {
	return "rategate:" + key
}

// Allow reports whether one request for key may proceed now, counting
// it when admitted, and the wait until the next slot otherwise.
func (g *RateGate) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := g.script.Run(ctx, g.rdb, []string{gateKey(key)},
		time.Now().UnixMicro(), g.window.Microseconds(), g.limit,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis: rate gate %s: %w", key, err)
	}
	if len(res) < 3 {
		return false, 0, fmt.Errorf("redis: rate gate %s: unexpected result length %d", key, len(res))
	}
	retry := time.Duration(res[2]) * time.Microsecond
	return res[0] == 1, retry, nil
}

// Wait blocks until a request for key is admitted or the context ends.
func (g *RateGate) Wait(ctx context.Context, key string) error {
	for {
		allowed, retry, err := g.Allow(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if retry < waitPollFloor {
			retry = waitPollFloor
		}

		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate gate wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

var _ domain.RateGate = (*RateGate)(nil)
