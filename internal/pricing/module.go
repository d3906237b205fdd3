package pricing

import (
	"github.com/rephlo/metering/internal/pricing/repository"
	"github.com/rephlo/metering/internal/pricing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pricing",
	fx.Provide(
		repository.New,
		service.NewService,
	),
)
