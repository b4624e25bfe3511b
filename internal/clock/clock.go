package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts the time source for billing-period boundaries,
// coupon validity windows, and fraud velocity windows.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func NewSystemClock() Clock { return systemClock{} }

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
