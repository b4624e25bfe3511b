package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/config"
	"github.com/creditrail/creditrail/internal/observability/metrics"
	"github.com/creditrail/creditrail/internal/pricing/domain"
	tierdomain "github.com/creditrail/creditrail/internal/tier/domain"
)

type cachedPrice struct {
	price    domain.ModelPrice
	cachedAt time.Time
}

type service struct {
	db      *gorm.DB
	tiers   tierdomain.Service
	credit  *config.CreditConfigHolder
	cfg     config.Config
	clock   clock.Clock
	genID   *snowflake.Node
	metrics *metrics.Metrics
	log     *zap.Logger

	mu    sync.RWMutex
	cache map[string]cachedPrice
}

func NewService(
	db *gorm.DB,
	tiers tierdomain.Service,
	credit *config.CreditConfigHolder,
	cfg config.Config,
	clk clock.Clock,
	genID *snowflake.Node,
	m *metrics.Metrics,
	log *zap.Logger,
) domain.Service {
	return &service{
		db:      db,
		tiers:   tiers,
		credit:  credit,
		cfg:     cfg,
		clock:   clk,
		genID:   genID,
		metrics: m,
		log:     log.Named("pricing.service"),
		cache:   make(map[string]cachedPrice),
	}
}

func (s *service) Resolve(ctx context.Context, modelID, tier string) (domain.Quote, error) {
	t, err := s.tiers.Get(ctx, tier)
	if err != nil {
		return domain.Quote{}, err
	}

	price, err := s.latestCached(ctx, modelID)
	if err != nil {
		return domain.Quote{}, err
	}

	now := s.clock.Now()
	stale := now.Sub(price.RefreshedAt) > s.cfg.PricingStalenessWindow
	if stale {
		s.metrics.PricingStaleReads.Inc()
		s.log.Warn("serving stale price",
			zap.String("model_id", modelID),
			zap.Int64("version", price.Version),
			zap.Time("refreshed_at", price.RefreshedAt),
		)
	}

	creditCfg, _ := s.credit.Snapshot()
	return domain.Quote{
		ModelID:            price.ModelID,
		Tier:               t.Code,
		InputCostUsdPer1K:  price.InputCostUsdPer1K,
		OutputCostUsdPer1K: price.OutputCostUsdPer1K,
		MarginMultiplier:   t.MarginMultiplier,
		CreditUnitValueUsd: creditCfg.CreditUnitValueUsd,
		PricingVersion:     price.Version,
		RefreshedAt:        price.RefreshedAt,
		Stale:              stale,
	}, nil
}

func (s *service) latestCached(ctx context.Context, modelID string) (domain.ModelPrice, error) {
	now := s.clock.Now()

	s.mu.RLock()
	entry, ok := s.cache[modelID]
	s.mu.RUnlock()
	if ok && now.Sub(entry.cachedAt) <= s.cfg.PricingCacheTTL {
		return entry.price, nil
	}

	price, err := s.Latest(ctx, modelID)
	if err != nil {
		// A cached price, even an expired one, beats failing the request.
		if ok {
			return entry.price, nil
		}
		return domain.ModelPrice{}, err
	}

	s.mu.Lock()
	s.cache[modelID] = cachedPrice{price: *price, cachedAt: now}
	s.mu.Unlock()
	return *price, nil
}

func (s *service) Latest(ctx context.Context, modelID string) (*domain.ModelPrice, error) {
	var price domain.ModelPrice
	err := s.db.WithContext(ctx).
		Where("model_id = ?", modelID).
		Order("version DESC").
		First(&price).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrPricingUnavailable
		}
		return nil, fmt.Errorf("load latest price: %w", err)
	}
	return &price, nil
}

func (s *service) Refresh(ctx context.Context, modelID string, input domain.RefreshInput) (*domain.ModelPrice, error) {
	inCost, err := decimal.NewFromString(input.InputCostUsdPer1K)
	if err != nil || inCost.Sign() < 0 {
		return nil, fmt.Errorf("%w: input cost %q", domain.ErrInvalidPrice, input.InputCostUsdPer1K)
	}
	outCost, err := decimal.NewFromString(input.OutputCostUsdPer1K)
	if err != nil || outCost.Sign() < 0 {
		return nil, fmt.Errorf("%w: output cost %q", domain.ErrInvalidPrice, input.OutputCostUsdPer1K)
	}

	price := domain.ModelPrice{
		ID:                 s.genID.Generate(),
		ModelID:            modelID,
		InputCostUsdPer1K:  inCost,
		OutputCostUsdPer1K: outCost,
		RefreshedAt:        s.clock.Now(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&domain.ModelPrice{}).Where("model_id = ?", modelID)
		if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var latest int64
		if err := q.Select("COALESCE(MAX(version), 0)").Scan(&latest).Error; err != nil {
			return err
		}
		price.Version = latest + 1
		return tx.Create(&price).Error
	})
	if err != nil {
		return nil, fmt.Errorf("refresh price: %w", err)
	}

	s.mu.Lock()
	s.cache[modelID] = cachedPrice{price: price, cachedAt: s.clock.Now()}
	s.mu.Unlock()

	s.log.Info("price refreshed",
		zap.String("model_id", modelID),
		zap.Int64("version", price.Version),
	)
	return &price, nil
}
