// Package domain contains coupon campaigns, coupons, and redemption
// records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	TypePercentage    = "percentage"
	TypeFixedAmount   = "fixed_amount"
	TypeTierDiscount  = "tier_discount"
	TypeDurationBonus = "duration_bonus"
	TypeCreditGrant   = "credit_grant"

	RedemptionApplied  = "applied"
	RedemptionReversed = "reversed"
)

// CouponCampaign groups coupons under one shared credit budget.
type CouponCampaign struct {
	ID   snowflake.ID `gorm:"primaryKey"`
	Name string       `gorm:"type:text;not null"`

	// BudgetCredits caps the campaign-wide payout. Zero means no
	// budget limit.
	BudgetCredits   int64 `gorm:"not null"`
	RedeemedCredits int64 `gorm:"not null"`

	StartsAt  time.Time `gorm:"not null"`
	EndsAt    time.Time `gorm:"not null"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CouponCampaign) TableName() string { return "coupon_campaigns" }

// Coupon is one redeemable code. Counters are mutated only under the
// row lock taken during redemption.
type Coupon struct {
	ID         snowflake.ID  `gorm:"primaryKey"`
	Code       string        `gorm:"type:text;not null;uniqueIndex"`
	CampaignID *snowflake.ID `gorm:"index"`

	Type string `gorm:"type:text;not null"`
	// Value is the percentage for percentage coupons and the USD
	// amount for fixed amount and tier discount coupons.
	Value       decimal.Decimal `gorm:"type:numeric(12,4);not null"`
	CreditGrant int64           `gorm:"not null"`

	Active    bool      `gorm:"not null;default:true"`
	StartsAt  time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`

	// MaxUses of zero means unlimited.
	MaxUses      int64 `gorm:"not null"`
	UseCount     int64 `gorm:"not null"`
	PerUserLimit int   `gorm:"not null;default:1"`

	MinPurchaseUsd decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	// AllowedTiers is a comma separated list, empty allows all tiers.
	AllowedTiers string `gorm:"type:text"`
	// CustomRule names a registered validation hook, empty skips it.
	CustomRule string            `gorm:"type:text"`
	Metadata   datatypes.JSONMap `gorm:"type:json"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Coupon) TableName() string { return "coupons" }

// CouponRedemption is the audit row for one applied coupon. The fraud
// monitor reads these for its velocity and IP switching windows.
type CouponRedemption struct {
	ID         snowflake.ID  `gorm:"primaryKey"`
	CouponID   snowflake.ID  `gorm:"not null;index"`
	Code       string        `gorm:"type:text;not null;index"`
	CampaignID *snowflake.ID `gorm:"index"`
	UserID     snowflake.ID  `gorm:"not null;index:ix_coupon_redemptions_user_created,priority:1"`

	CreditsGranted int64           `gorm:"not null"`
	DiscountUsd    decimal.Decimal `gorm:"type:numeric(12,2);not null"`

	IPHash     string `gorm:"column:ip_address_hash;type:text"`
	DeviceHash string `gorm:"column:device_fingerprint_hash;type:text"`
	UserAgent  string `gorm:"type:text"`

	// BillingPeriodStart scopes the per-cycle stacking limit.
	BillingPeriodStart time.Time `gorm:"not null"`

	Status    string    `gorm:"type:text;not null;default:applied"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index:ix_coupon_redemptions_user_created,priority:2"`
}

// TableName sets the database table name.
func (CouponRedemption) TableName() string { return "coupon_redemptions" }
