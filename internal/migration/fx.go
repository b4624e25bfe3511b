package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	allocationdomain "github.com/creditrail/creditrail/internal/allocation/domain"
	balancedomain "github.com/creditrail/creditrail/internal/balance/domain"
	"github.com/creditrail/creditrail/internal/config"
	coupondomain "github.com/creditrail/creditrail/internal/coupon/domain"
	frauddomain "github.com/creditrail/creditrail/internal/fraud/domain"
	ledgerdomain "github.com/creditrail/creditrail/internal/ledger/domain"
	paymentdomain "github.com/creditrail/creditrail/internal/payment/domain"
	pricingdomain "github.com/creditrail/creditrail/internal/pricing/domain"
	prorationdomain "github.com/creditrail/creditrail/internal/proration/domain"
	"github.com/creditrail/creditrail/internal/seed"
	tierdomain "github.com/creditrail/creditrail/internal/tier/domain"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// Non-postgres (sqlite dev mode) builds the schema from
			// the models directly.
			if err := conn.AutoMigrate(
				&tierdomain.Tier{},
				&balancedomain.CreditBalance{},
				&pricingdomain.ModelPrice{},
				&ledgerdomain.UsageLedgerEntry{},
				&allocationdomain.CreditAllocation{},
				&prorationdomain.ProrationEvent{},
				&coupondomain.CouponCampaign{},
				&coupondomain.Coupon{},
				&coupondomain.CouponRedemption{},
				&frauddomain.FraudEvent{},
				&paymentdomain.PaymentWebhookEvent{},
			); err != nil {
				return err
			}
		}

		return seed.EnsureDefaults(conn)
	}),
)
