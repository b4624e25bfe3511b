package domain

import (
	"context"
	"errors"
)

type Service interface {
	Get(ctx context.Context, code string) (*Tier, error)
	List(ctx context.Context) ([]Tier, error)
}

var (
	ErrTierNotFound      = errors.New("tier_not_found")
	ErrInvalidTierConfig = errors.New("invalid_tier_config")
)
