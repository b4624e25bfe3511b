package repository

import (
	"context"

	"github.com/creditrail/creditrail/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is the generic read store shared by configuration-style
// tables (tiers, model prices). Mutable per-user state goes through
// its feature service instead, where row locking lives.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Count(ctx context.Context, query *T) (int64, error)
}
