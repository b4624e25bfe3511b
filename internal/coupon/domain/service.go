package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Validation failure reasons, ordered by pipeline step. Each attempt
// reports the first failing step only.
const (
	ReasonNotFound           = "not_found"
	ReasonInactive           = "inactive"
	ReasonNotStarted         = "not_started"
	ReasonExpired            = "expired"
	ReasonTierMismatch       = "tier_mismatch"
	ReasonMaxUsesReached     = "max_uses_reached"
	ReasonPerUserLimit       = "per_user_limit"
	ReasonCampaignBudget     = "campaign_budget"
	ReasonMinPurchase        = "min_purchase"
	ReasonCustomRule         = "custom_rule"
	ReasonFraudSuspected     = "fraud_suspected"
	ReasonBlockedFingerprint = "blocked_fingerprint"
)

var (
	ErrFraudSuspected  = errors.New("fraud_suspected")
	ErrAlreadyReversed = errors.New("redemption_already_reversed")
	ErrNotFound        = errors.New("redemption_not_found")
)

// InvalidError reports which pipeline step rejected the coupon.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("coupon_invalid: %s", e.Reason)
}

// Invalid wraps a reason code as an InvalidError.
func Invalid(reason string) error {
	return &InvalidError{Reason: reason}
}

type Service interface {
	// Validate runs the full pipeline without redeeming.
	Validate(ctx context.Context, input RedeemInput) (*Coupon, error)
	// Redeem validates then applies the coupon atomically: counters,
	// redemption row, and balance delta commit or abort together.
	Redeem(ctx context.Context, input RedeemInput) (*CouponRedemption, error)
	// Reverse undoes a redemption: counters decrement and granted
	// credits are clawed back.
	Reverse(ctx context.Context, userID, redemptionID snowflake.ID) (*CouponRedemption, error)
}

type RedeemInput struct {
	UserID snowflake.ID `json:"user_id" binding:"required"`
	Code   string       `json:"code" binding:"required"`

	// PurchaseAmountUsd is the cart value the coupon discounts, zero
	// for standalone credit grant redemptions.
	PurchaseAmountUsd decimal.Decimal `json:"purchase_amount_usd"`

	// IPHash and DeviceHash are hashed at the transport edge; the
	// raw identifiers are never stored or compared.
	IPHash     string `json:"-"`
	DeviceHash string `json:"-"`
	UserAgent  string `json:"-"`
}
