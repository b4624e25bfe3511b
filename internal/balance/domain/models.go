// Package domain contains the per-user credit balance, the only row in
// the system mutated in place.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreditBalance is the single mutable balance row per user. Free
// credits are consumed before purchased credits; both never go below
// zero inside a committed transaction.
type CreditBalance struct {
	UserID                    snowflake.ID `gorm:"primaryKey"`
	Tier                      string       `gorm:"type:text;not null"`
	FreeCreditsRemaining      int64        `gorm:"not null"`
	PurchasedCreditsRemaining int64        `gorm:"not null"`
	RolloverCap               int64        `gorm:"not null"`
	PeriodStart               time.Time    `gorm:"not null"`
	PeriodEnd                 time.Time    `gorm:"not null;index"`
	CreatedAt                 time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt                 time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditBalance) TableName() string { return "credit_balances" }

// Available returns the total spendable credits.
func (b CreditBalance) Available() int64 {
	return b.FreeCreditsRemaining + b.PurchasedCreditsRemaining
}

// Consume takes credits free-first and returns the per-bucket split.
// It fails without mutating the balance when the total is insufficient.
func (b *CreditBalance) Consume(credits int64) (freeUsed, purchasedUsed int64, err error) {
	if credits < 0 {
		return 0, 0, ErrInvalidAmount
	}
	if credits > b.Available() {
		return 0, 0, ErrInsufficientCredits
	}
	freeUsed = min(credits, b.FreeCreditsRemaining)
	purchasedUsed = credits - freeUsed
	b.FreeCreditsRemaining -= freeUsed
	b.PurchasedCreditsRemaining -= purchasedUsed
	return freeUsed, purchasedUsed, nil
}

// Restore returns previously consumed credits to their buckets.
func (b *CreditBalance) Restore(freeUsed, purchasedUsed int64) {
	b.FreeCreditsRemaining += freeUsed
	b.PurchasedCreditsRemaining += purchasedUsed
}

var (
	ErrBalanceNotFound        = errors.New("balance_not_found")
	ErrInsufficientCredits    = errors.New("insufficient_credits")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidBalanceState    = errors.New("invalid_balance_state")
	ErrConcurrentModification = errors.New("concurrent_modification")
)
