package aggregator

import (
	"net/http"

	"github.com/smallbiznis/evvbridge/internal/clock"
	"github.com/smallbiznis/evvbridge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg      config.Config
	Flags    *config.IntegrationFlagsHolder
	Clock    clock.Clock
	Log      *zap.Logger
	Observer Observer `optional:"true"`
}

func NewRegistryFromParams(p Params) *Registry {
	return NewRegistry(p.Flags,
		WithHTTPClient(&http.Client{Transport: http.DefaultTransport}),
		WithClock(p.Clock),
		WithLogger(p.Log),
		WithObserver(p.Observer),
	).WithTimeouts(p.Cfg.Aggregator.RequestTimeout, p.Cfg.Aggregator.HealthTimeout)
}

var Module = fx.Module("aggregator",
	fx.Provide(NewRegistryFromParams),
)
