package service

import (
	"context"
	"strings"

	tierdomain "github.com/creditrail/creditrail/internal/tier/domain"
	"github.com/creditrail/creditrail/pkg/db/option"
	"github.com/creditrail/creditrail/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	log  *zap.Logger
	repo repository.Repository[tierdomain.Tier]
}

func NewService(p ServiceParam) tierdomain.Service {
	return &Service{
		log:  p.Log.Named("tier.service"),
		repo: repository.ProvideStore[tierdomain.Tier](p.DB),
	}
}

// Get returns an immutable copy of the tier configuration. Callers hold
// the snapshot for the whole request so a concurrent config update never
// splits one computation across two tier versions.
func (s *Service) Get(ctx context.Context, code string) (*tierdomain.Tier, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, tierdomain.ErrTierNotFound
	}

	tier, err := s.repo.FindOne(ctx, &tierdomain.Tier{Code: code})
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, tierdomain.ErrTierNotFound
	}
	if !tier.Valid() {
		s.log.Error("malformed tier configuration", zap.String("tier", code))
		return nil, tierdomain.ErrInvalidTierConfig
	}
	return tier, nil
}

func (s *Service) List(ctx context.Context) ([]tierdomain.Tier, error) {
	sort := option.WithQuerySortBy("monthly_price_usd", "asc", map[string]bool{"monthly_price_usd": true})
	items, err := s.repo.Find(ctx, &tierdomain.Tier{}, option.WithSortBy(sort))
	if err != nil {
		return nil, err
	}
	tiers := make([]tierdomain.Tier, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		tiers = append(tiers, *item)
	}
	return tiers, nil
}
