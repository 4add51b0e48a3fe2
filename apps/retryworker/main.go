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
	"github.com/smallbiznis/evvbridge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		// Domain services the worker re-drives through
		aggregator.Module,
		evv.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
