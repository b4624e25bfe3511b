// Package domain contains the versioned vendor pricing table and the
// credit conversion math.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// ModelPrice is one immutable version of a model's vendor price.
// Refreshes append a new version; old versions are retained so ledger
// entries can name the exact price they were rated against.
type ModelPrice struct {
	ID                 snowflake.ID    `gorm:"primaryKey"`
	ModelID            string          `gorm:"type:text;not null;uniqueIndex:ux_model_prices_model_version,priority:1"`
	Version            int64           `gorm:"not null;uniqueIndex:ux_model_prices_model_version,priority:2"`
	InputCostUsdPer1K  decimal.Decimal `gorm:"column:input_cost_usd_per_1k;type:numeric(12,6);not null"`
	OutputCostUsdPer1K decimal.Decimal `gorm:"column:output_cost_usd_per_1k;type:numeric(12,6);not null"`
	RefreshedAt        time.Time       `gorm:"not null"`
	CreatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ModelPrice) TableName() string { return "model_prices" }

// Quote is an immutable pricing snapshot for one request. It carries
// everything needed to convert token counts into credits so no shared
// state is read after resolution.
type Quote struct {
	ModelID            string
	Tier               string
	InputCostUsdPer1K  decimal.Decimal
	OutputCostUsdPer1K decimal.Decimal
	MarginMultiplier   decimal.Decimal
	CreditUnitValueUsd decimal.Decimal
	PricingVersion     int64
	RefreshedAt        time.Time
	// Stale marks a quote served past the staleness window from the
	// last known price. Ledger entries rated from a stale quote are
	// flagged for reconciliation.
	Stale bool
}

// VendorCost prices the call at vendor rates.
func (q Quote) VendorCost(inputTokens, outputTokens int64) decimal.Decimal {
	thousand := decimal.NewFromInt(1000)
	in := decimal.NewFromInt(inputTokens).Mul(q.InputCostUsdPer1K).Div(thousand)
	out := decimal.NewFromInt(outputTokens).Mul(q.OutputCostUsdPer1K).Div(thousand)
	return in.Add(out)
}

// CreditsFor converts a vendor cost into credits, always rounding up so
// collected credits never undercut the marked-up vendor cost.
func (q Quote) CreditsFor(vendorCost decimal.Decimal) int64 {
	if vendorCost.Sign() <= 0 {
		return 0
	}
	return vendorCost.Mul(q.MarginMultiplier).Div(q.CreditUnitValueUsd).Ceil().IntPart()
}
