package margin

import (
	"github.com/rephlo/metering/internal/margin/service"
	"go.uber.org/fx"
)

var Module = fx.Module("margin",
	fx.Provide(service.NewService),
)
