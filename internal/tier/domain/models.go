// Package domain contains the subscription tier configuration store.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TierFree is the code of the zero-price tier. Downgrades to it refund
// cash instead of granting balance credits.
const TierFree = "free"

// Tier holds the billing knobs for one subscription tier.
type Tier struct {
	Code               string          `gorm:"primaryKey;type:text"`
	MonthlyPriceUsd    decimal.Decimal `gorm:"type:numeric(12,4);not null"`
	MonthlyCreditGrant int64           `gorm:"not null"`
	// RolloverCap bounds purchased credits carried across a billing
	// boundary. 0 disables rollover, a negative cap means unbounded.
	RolloverCap      int64           `gorm:"not null"`
	MarginMultiplier decimal.Decimal `gorm:"type:numeric(8,4);not null"`
	CreatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Tier) TableName() string { return "tiers" }

// Valid reports whether the tier row is usable for money math.
func (t Tier) Valid() bool {
	return t.Code != "" &&
		!t.MonthlyPriceUsd.IsNegative() &&
		t.MonthlyCreditGrant >= 0 &&
		t.MarginMultiplier.IsPositive()
}
