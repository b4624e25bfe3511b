// Package domain contains mid-cycle tier change records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

const (
	DirectionUpgrade   = "upgrade"
	DirectionDowngrade = "downgrade"

	StatusApplied  = "applied"
	StatusReversed = "reversed"
)

// ProrationEvent records one mid-cycle tier change and the money that
// moved for it. Reversals append a linked event, the original keeps its
// amounts for audit.
type ProrationEvent struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	UserID snowflake.ID `gorm:"not null;index"`

	FromTier  string `gorm:"type:text;not null"`
	ToTier    string `gorm:"type:text;not null"`
	Direction string `gorm:"type:text;not null"`

	EffectiveAt time.Time `gorm:"not null"`
	PeriodStart time.Time `gorm:"not null"`
	PeriodEnd   time.Time `gorm:"not null"`

	// RemainingDays counts any started day as a full day in the user's
	// favor.
	RemainingDays int `gorm:"not null"`
	PeriodDays    int `gorm:"not null"`

	UnusedValueUsd   decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	NewTierCostUsd   decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	NetAmountUsd     decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	CreditsGranted   int64           `gorm:"not null"`
	ChargeRef        string          `gorm:"type:text"`
	RefundRef        string          `gorm:"type:text"`
	PaymentConfirmed *time.Time      `gorm:"column:payment_confirmed_at"`

	Status     string        `gorm:"type:text;not null;default:applied"`
	ReversalOf *snowflake.ID `gorm:"uniqueIndex:ux_proration_events_reversal_of"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (ProrationEvent) TableName() string { return "proration_events" }
