package domain

import (
	"context"
	"errors"
)

var (
	// ErrPricingUnavailable is returned when no price for the model has
	// ever been recorded, or the latest record cannot be read.
	ErrPricingUnavailable = errors.New("pricing_unavailable")

	// ErrInvalidPrice rejects refresh input that does not parse as a
	// non-negative decimal.
	ErrInvalidPrice = errors.New("invalid_price")
)

type Service interface {
	// Resolve returns a pricing quote for one model under one tier.
	Resolve(ctx context.Context, modelID, tier string) (Quote, error)
	// Refresh appends a new price version for the model.
	Refresh(ctx context.Context, modelID string, input RefreshInput) (*ModelPrice, error)
	// Latest returns the newest stored price version for the model.
	Latest(ctx context.Context, modelID string) (*ModelPrice, error)
}

type RefreshInput struct {
	InputCostUsdPer1K  string `json:"input_cost_usd_per_1k" binding:"required"`
	OutputCostUsdPer1K string `json:"output_cost_usd_per_1k" binding:"required"`
}
