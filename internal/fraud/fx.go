package fraud

import (
	"go.uber.org/fx"

	"github.com/creditrail/creditrail/internal/fraud/service"
)

var Module = fx.Module("fraud.service",
	fx.Provide(service.NewService),
)
