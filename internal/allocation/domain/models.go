// Package domain contains monthly credit allocation records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreditAllocation records one billing-period grant. The (user_id,
// period_start) pair is unique so a crashed or retried cycle run can
// never double grant.
type CreditAllocation struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	UserID snowflake.ID `gorm:"not null;uniqueIndex:ux_credit_allocations_user_period,priority:1"`

	Tier        string    `gorm:"type:text;not null"`
	PeriodStart time.Time `gorm:"not null;uniqueIndex:ux_credit_allocations_user_period,priority:2"`
	PeriodEnd   time.Time `gorm:"not null"`

	FreeCreditsGranted int64 `gorm:"not null"`
	// PurchasedCreditsRolled is what survived the rollover cap from the
	// previous period. The remainder is recorded, not silently dropped.
	PurchasedCreditsRolled int64 `gorm:"not null"`
	FreeCreditsExpired     int64 `gorm:"not null"`
	PurchasedDiscarded     int64 `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditAllocation) TableName() string { return "credit_allocations" }
