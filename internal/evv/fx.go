package evv

import (
	"github.com/smallbiznis/evvbridge/internal/aggregator"
	"github.com/smallbiznis/evvbridge/internal/config"
	"github.com/smallbiznis/evvbridge/internal/evv/repository"
	"github.com/smallbiznis/evvbridge/internal/evv/service"
	"go.uber.org/fx"
)

var Module = fx.Module("evv",
	fx.Provide(func(cfg config.Config) (*repository.Cipher, error) {
		return repository.NewCipher(cfg.CredentialsKey)
	}),
	fx.Provide(repository.Provide),
	fx.Provide(func(r *aggregator.Registry) service.ClientSource { return r }),
	fx.Provide(
		service.NewVisitService,
		service.NewCorrectionService,
		service.NewIndividualService,
		service.NewEmployeeService,
	),
)
