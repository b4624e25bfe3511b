// Package domain contains the append-only usage ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

const (
	// StatusCommitted marks a normal deduction entry. Committed entries
	// are never mutated, reversals and adjustments append new rows.
	StatusCommitted = "committed"
	// StatusReversal marks a compensating entry that restored the exact
	// buckets its original entry consumed.
	StatusReversal = "reversal"
	// StatusAdjustment marks a reconciliation delta appended after an
	// entry rated from a stale price was re-priced.
	StatusAdjustment = "adjustment"
)

// UsageLedgerEntry is one immutable ledger row. The (user_id,
// request_id) pair is the idempotency key: retries of the same request
// return the original entry instead of double charging.
type UsageLedgerEntry struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_ledger_user_request,priority:1"`
	RequestID string       `gorm:"type:text;not null;uniqueIndex:ux_usage_ledger_user_request,priority:2"`

	ModelID      string `gorm:"type:text;not null"`
	InputTokens  int64  `gorm:"not null"`
	OutputTokens int64  `gorm:"not null"`

	VendorCostUsd    decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	MarginMultiplier decimal.Decimal `gorm:"type:numeric(8,4);not null"`
	PricingVersion   int64           `gorm:"not null"`

	// CreditsCharged is negative on reversal and refund adjustment rows
	// so the per-user sum always equals net credits consumed.
	CreditsCharged       int64 `gorm:"not null"`
	FreeCreditsUsed      int64 `gorm:"not null"`
	PurchasedCreditsUsed int64 `gorm:"not null"`

	Status string `gorm:"type:text;not null;default:committed"`
	// ReversalOf links a reversal row to its original. The unique index
	// is what makes reversal idempotent under races.
	ReversalOf *snowflake.ID `gorm:"uniqueIndex:ux_usage_ledger_reversal_of"`

	NeedsReconciliation bool      `gorm:"not null;default:false;index"`
	CreatedAt           time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (UsageLedgerEntry) TableName() string { return "usage_ledger_entries" }
