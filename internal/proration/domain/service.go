package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrProrationCalculation = errors.New("proration_calculation_failed")
	ErrSameTier             = errors.New("proration_same_tier")
	ErrEventNotFound        = errors.New("proration_event_not_found")
	ErrAlreadyReversed      = errors.New("proration_already_reversed")
)

type Service interface {
	// Preview computes the proration without moving money or credits.
	Preview(ctx context.Context, userID snowflake.ID, toTier string) (*Breakdown, error)
	// Apply performs the tier change: charges or compensates the net
	// amount and switches the balance tier atomically.
	Apply(ctx context.Context, userID snowflake.ID, toTier string) (*ProrationEvent, error)
	// Reverse undoes an applied proration: restores the previous tier
	// and reverses the money movement.
	Reverse(ctx context.Context, userID, eventID snowflake.ID) (*ProrationEvent, error)
}

// Breakdown is the user-visible proration math.
type Breakdown struct {
	FromTier  string `json:"from_tier"`
	ToTier    string `json:"to_tier"`
	Direction string `json:"direction"`

	RemainingDays int `json:"remaining_days"`
	PeriodDays    int `json:"period_days"`

	UnusedValueUsd decimal.Decimal `json:"unused_value_usd"`
	NewTierCostUsd decimal.Decimal `json:"new_tier_cost_usd"`
	// NetAmountUsd is positive when the user owes money, negative when
	// the platform owes the user.
	NetAmountUsd decimal.Decimal `json:"net_amount_usd"`
	// CreditsGranted is how a negative net is paid out, except on a
	// downgrade to the free tier where cash is refunded instead.
	CreditsGranted int64           `json:"credits_granted"`
	CashRefundUsd  decimal.Decimal `json:"cash_refund_usd"`
}
