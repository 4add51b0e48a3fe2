package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/evvbridge/internal/aggregator"
	"github.com/smallbiznis/evvbridge/internal/clock"
	"github.com/smallbiznis/evvbridge/internal/config"
	"github.com/smallbiznis/evvbridge/internal/evv"
	"github.com/smallbiznis/evvbridge/internal/logger"
	"github.com/smallbiznis/evvbridge/internal/observability"
	"github.com/smallbiznis/evvbridge/internal/ratelimit"
	"github.com/smallbiznis/evvbridge/internal/scheduler"
	"github.com/smallbiznis/evvbridge/internal/server"
	"github.com/smallbiznis/evvbridge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// The monolith serves the trigger endpoints and runs the retry worker in
// the same process. Set RETRY_WORKER_DISABLED to run the worker separately
// from apps/retryworker.
func main() {
	cfg := config.Load()

	opts := []fx.Option{
		// Core Infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		// Functional Domains
		aggregator.Module,
		evv.Module,
		server.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	}
	if !cfg.Retry.Disabled {
		opts = append(opts, scheduler.Module)
	}

	fx.New(opts...).Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
