package pricing

import (
	"go.uber.org/fx"

	"github.com/creditrail/creditrail/internal/pricing/service"
)

var Module = fx.Module("pricing.service",
	fx.Provide(service.NewService),
)
