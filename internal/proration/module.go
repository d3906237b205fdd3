package proration

import (
	"github.com/rephlo/metering/internal/proration/service"
	"go.uber.org/fx"
)

var Module = fx.Module("proration",
	fx.Provide(service.NewService),
)
