package upgrade

import (
	"github.com/rephlo/metering/internal/upgrade/service"
	"go.uber.org/fx"
)

var Module = fx.Module("upgrade",
	fx.Provide(service.NewService),
)
