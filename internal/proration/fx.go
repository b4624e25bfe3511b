package proration

import (
	"go.uber.org/fx"

	"github.com/creditrail/creditrail/internal/proration/service"
)

var Module = fx.Module("proration.service",
	fx.Provide(service.NewService),
)
