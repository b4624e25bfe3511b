package coupon

import (
	"go.uber.org/fx"

	"github.com/creditrail/creditrail/internal/coupon/service"
)

var Module = fx.Module("coupon.service",
	fx.Provide(service.NewService),
)
