// Package ratelimit provides redis-backed counters used by the fraud
// monitor. All helpers are nil-safe so environments without redis
// degrade to database-only detection.
package ratelimit

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const slidingWindowScript = `
local window = tonumber(ARGV[1])
local member = ARGV[2]

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
redis.call("ZADD", KEYS[1], now, member)
redis.call("PEXPIRE", KEYS[1], window)

return redis.call("ZCARD", KEYS[1])
`

// SlidingWindow counts events per key over a rolling time window.
type SlidingWindow struct {
	client *redis.Client
	script *redis.Script
}

func NewSlidingWindow(client *redis.Client) *SlidingWindow {
	if client == nil {
		return nil
	}
	return &SlidingWindow{
		client: client,
		script: redis.NewScript(slidingWindowScript),
	}
}

// Observe records one event and returns how many events the key has
// seen inside the window, the new event included.
func (w *SlidingWindow) Observe(ctx context.Context, key, member string, window time.Duration) (int64, error) {
	if w == nil || w.client == nil {
		return 0, errors.New("sliding window not configured")
	}
	if key == "" {
		return 0, errors.New("sliding window key is empty")
	}
	if window <= 0 {
		return 0, errors.New("sliding window must be positive")
	}

	res, err := w.script.Run(
		ctx,
		w.client,
		[]string{key},
		int64(window/time.Millisecond),
		member,
	).Int64()
	if err != nil {
		return 0, err
	}
	return res, nil
}
