package ratelimit

import (
	"strings"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/creditrail/creditrail/internal/config"
)

// newSlidingWindow returns nil when redis is not configured. Consumers
// treat a nil window as detection disabled.
func newSlidingWindow(cfg config.Config, log *zap.Logger) *SlidingWindow {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Named("ratelimit").Info("redis not configured, fraud velocity counters disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})
	return NewSlidingWindow(client)
}

var Module = fx.Module("ratelimit",
	fx.Provide(newSlidingWindow),
)
