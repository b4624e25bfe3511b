package allocation

import (
	"go.uber.org/fx"

	"github.com/creditrail/creditrail/internal/allocation/service"
)

var Module = fx.Module("allocation.service",
	fx.Provide(service.NewService),
)
