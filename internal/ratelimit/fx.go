package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/evvbridge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewPacer),
	fx.Provide(func(client *redis.Client) *Locker {
		if client == nil {
			return nil
		}
		return NewLocker(client)
	}),
)

// NewRedisClient returns nil when REDIS_ADDR is unset.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis unreachable, distributed pacing and locks degraded", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func NewPacer(cfg config.Config, client *redis.Client, log *zap.Logger) Pacer {
	agg := cfg.Aggregator
	if agg.Pacer == "redis" && client != nil && agg.RatePerSecond > 0 {
		log.Info("aggregator pacing through redis token bucket",
			zap.Float64("rate_per_second", agg.RatePerSecond),
			zap.Int("burst", agg.Burst),
		)
		return NewBucketPacer(NewTokenBucket(client), "global", agg.RatePerSecond, agg.Burst)
	}
	return NewFixedDelay(agg.BatchDelay)
}
