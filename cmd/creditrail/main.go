package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/creditrail/creditrail/internal/allocation"
	"github.com/creditrail/creditrail/internal/balance"
	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/config"
	"github.com/creditrail/creditrail/internal/coupon"
	"github.com/creditrail/creditrail/internal/fraud"
	"github.com/creditrail/creditrail/internal/ledger"
	"github.com/creditrail/creditrail/internal/migration"
	"github.com/creditrail/creditrail/internal/observability"
	"github.com/creditrail/creditrail/internal/payment"
	"github.com/creditrail/creditrail/internal/pricing"
	"github.com/creditrail/creditrail/internal/proration"
	"github.com/creditrail/creditrail/internal/ratelimit"
	"github.com/creditrail/creditrail/internal/scheduler"
	"github.com/creditrail/creditrail/internal/server"
	"github.com/creditrail/creditrail/internal/tier"
	"github.com/creditrail/creditrail/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services
		balance.Module,
		tier.Module,
		pricing.Module,
		ledger.Module,
		allocation.Module,
		payment.Module,
		proration.Module,
		ratelimit.Module,
		fraud.Module,
		coupon.Module,

		// Entry points
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
