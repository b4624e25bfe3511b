package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Enroll creates the user's balance row on their current tier and
	// grants the first period's credits. Replays return the existing
	// balance untouched.
	Enroll(ctx context.Context, input EnrollInput) (*CreditAllocation, error)
	// AllocateMonthly advances the user's balance one billing period:
	// free credits reset to the tier grant, purchased credits roll over
	// up to the cap, the rest is discarded and recorded.
	AllocateMonthly(ctx context.Context, userID snowflake.ID) (*CreditAllocation, error)
	// ProcessDue allocates every balance whose period has ended,
	// claiming rows so concurrent schedulers never double grant.
	ProcessDue(ctx context.Context, batchSize int) (int, error)
}

type EnrollInput struct {
	UserID snowflake.ID `json:"user_id" binding:"required"`
	Tier   string       `json:"tier" binding:"required"`
}
