// Package seed bootstraps the default tiers and model prices so a
// fresh install can rate usage immediately.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	pricingdomain "github.com/creditrail/creditrail/internal/pricing/domain"
	tierdomain "github.com/creditrail/creditrail/internal/tier/domain"
)

func defaultTiers() []tierdomain.Tier {
	return []tierdomain.Tier{
		{
			Code:               tierdomain.TierFree,
			MonthlyPriceUsd:    decimal.Zero,
			MonthlyCreditGrant: 100,
			RolloverCap:        0,
			MarginMultiplier:   decimal.RequireFromString("1.5"),
		},
		{
			Code:               "basic",
			MonthlyPriceUsd:    decimal.RequireFromString("15"),
			MonthlyCreditGrant: 1500,
			RolloverCap:        500,
			MarginMultiplier:   decimal.RequireFromString("1.5"),
		},
		{
			Code:               "pro",
			MonthlyPriceUsd:    decimal.RequireFromString("45"),
			MonthlyCreditGrant: 5000,
			RolloverCap:        2000,
			MarginMultiplier:   decimal.RequireFromString("1.4"),
		},
		{
			Code:               "max",
			MonthlyPriceUsd:    decimal.RequireFromString("200"),
			MonthlyCreditGrant: 25000,
			RolloverCap:        -1,
			MarginMultiplier:   decimal.RequireFromString("1.3"),
		},
	}
}

type seedPrice struct {
	modelID string
	input   string
	output  string
}

func defaultModelPrices() []seedPrice {
	return []seedPrice{
		{modelID: "standard-small", input: "0.002", output: "0.006"},
		{modelID: "standard-large", input: "0.010", output: "0.030"},
		{modelID: "premium-large", input: "0.015", output: "0.075"},
	}
}

// EnsureDefaults inserts the default tiers and an initial price
// version per model. Existing rows are never overwritten.
func EnsureDefaults(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureTiers(ctx, tx); err != nil {
			return err
		}
		return ensureModelPrices(ctx, tx, node)
	})
}

func ensureTiers(ctx context.Context, tx *gorm.DB) error {
	for _, tier := range defaultTiers() {
		err := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoNothing: true,
			}).
			Create(&tier).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func ensureModelPrices(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	now := time.Now().UTC()
	for _, price := range defaultModelPrices() {
		var count int64
		err := tx.WithContext(ctx).
			Model(&pricingdomain.ModelPrice{}).
			Where("model_id = ?", price.modelID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		row := pricingdomain.ModelPrice{
			ID:                 node.Generate(),
			ModelID:            price.modelID,
			Version:            1,
			InputCostUsdPer1K:  decimal.RequireFromString(price.input),
			OutputCostUsdPer1K: decimal.RequireFromString(price.output),
			RefreshedAt:        now,
		}
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}
