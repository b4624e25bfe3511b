package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/config"
	"github.com/creditrail/creditrail/internal/observability/metrics"
	"github.com/creditrail/creditrail/internal/pricing/domain"
	tierdomain "github.com/creditrail/creditrail/internal/tier/domain"
)

type tierStub struct {
	tiers map[string]tierdomain.Tier
}

func (s *tierStub) Get(ctx context.Context, code string) (*tierdomain.Tier, error) {
	if t, ok := s.tiers[code]; ok {
		return &t, nil
	}
	return nil, tierdomain.ErrTierNotFound
}

func (s *tierStub) List(ctx context.Context) ([]tierdomain.Tier, error) {
	out := make([]tierdomain.Tier, 0, len(s.tiers))
	for _, t := range s.tiers {
		out = append(out, t)
	}
	return out, nil
}

func setupPricingTest(t *testing.T) (*gorm.DB, *service, *clock.FakeClock) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.ModelPrice{}))

	node, _ := snowflake.NewNode(1)
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	tiers := &tierStub{tiers: map[string]tierdomain.Tier{
		"pro": {
			Code:               "pro",
			MonthlyPriceUsd:    decimal.NewFromInt(45),
			MonthlyCreditGrant: 5000,
			MarginMultiplier:   decimal.NewFromFloat(1.5),
		},
	}}

	svc := &service{
		db:     db,
		tiers:  tiers,
		credit: config.NewStaticCreditConfigHolder(config.DefaultCreditConfig()),
		cfg: config.Config{
			PricingStalenessWindow: 30 * time.Minute,
			PricingCacheTTL:        30 * time.Second,
		},
		clock:   fc,
		genID:   node,
		metrics: metrics.NewNop(),
		log:     zap.NewNop(),
		cache:   make(map[string]cachedPrice),
	}
	return db, svc, fc
}

func TestResolve_CreditConversionRoundsUp(t *testing.T) {
	_, svc, _ := setupPricingTest(t)
	ctx := context.Background()

	_, err := svc.Refresh(ctx, "gpt-large", domain.RefreshInput{
		InputCostUsdPer1K:  "0.010",
		OutputCostUsdPer1K: "0.030",
	})
	require.NoError(t, err)

	quote, err := svc.Resolve(ctx, "gpt-large", "pro")
	require.NoError(t, err)
	assert.False(t, quote.Stale)
	assert.Equal(t, int64(1), quote.PricingVersion)

	// 500 in + 1000 out = 0.005 + 0.030 = 0.035 vendor USD.
	cost := quote.VendorCost(500, 1000)
	assert.True(t, cost.Equal(decimal.NewFromFloat(0.035)), cost.String())

	// 0.035 * 1.5 / 0.01 = 5.25, charged as 6 credits.
	assert.Equal(t, int64(6), quote.CreditsFor(cost))
}

func TestResolve_ZeroTokensCostNothing(t *testing.T) {
	_, svc, _ := setupPricingTest(t)
	ctx := context.Background()

	_, err := svc.Refresh(ctx, "gpt-large", domain.RefreshInput{
		InputCostUsdPer1K:  "0.010",
		OutputCostUsdPer1K: "0.030",
	})
	require.NoError(t, err)

	quote, err := svc.Resolve(ctx, "gpt-large", "pro")
	require.NoError(t, err)

	cost := quote.VendorCost(0, 0)
	assert.True(t, cost.IsZero())
	assert.Equal(t, int64(0), quote.CreditsFor(cost))
}

func TestResolve_UnknownModel(t *testing.T) {
	_, svc, _ := setupPricingTest(t)

	_, err := svc.Resolve(context.Background(), "no-such-model", "pro")
	assert.ErrorIs(t, err, domain.ErrPricingUnavailable)
}

func TestResolve_UnknownTier(t *testing.T) {
	_, svc, _ := setupPricingTest(t)
	ctx := context.Background()

	_, err := svc.Refresh(ctx, "gpt-large", domain.RefreshInput{
		InputCostUsdPer1K:  "0.010",
		OutputCostUsdPer1K: "0.030",
	})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, "gpt-large", "platinum")
	assert.ErrorIs(t, err, tierdomain.ErrTierNotFound)
}

func TestResolve_StalePriceFlagged(t *testing.T) {
	_, svc, fc := setupPricingTest(t)
	ctx := context.Background()

	_, err := svc.Refresh(ctx, "gpt-large", domain.RefreshInput{
		InputCostUsdPer1K:  "0.010",
		OutputCostUsdPer1K: "0.030",
	})
	require.NoError(t, err)

	fc.Advance(31 * time.Minute)

	quote, err := svc.Resolve(ctx, "gpt-large", "pro")
	require.NoError(t, err)
	assert.True(t, quote.Stale)
}

func TestRefresh_AppendsVersions(t *testing.T) {
	db, svc, _ := setupPricingTest(t)
	ctx := context.Background()

	p1, err := svc.Refresh(ctx, "gpt-large", domain.RefreshInput{
		InputCostUsdPer1K:  "0.010",
		OutputCostUsdPer1K: "0.030",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p1.Version)

	p2, err := svc.Refresh(ctx, "gpt-large", domain.RefreshInput{
		InputCostUsdPer1K:  "0.012",
		OutputCostUsdPer1K: "0.036",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), p2.Version)

	// Old versions stay readable for reconciliation.
	var count int64
	db.Model(&domain.ModelPrice{}).Where("model_id = ?", "gpt-large").Count(&count)
	assert.Equal(t, int64(2), count)

	quote, err := svc.Resolve(ctx, "gpt-large", "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(2), quote.PricingVersion)
	assert.True(t, quote.InputCostUsdPer1K.Equal(decimal.RequireFromString("0.012")))
}

func TestRefresh_RejectsNegativeCost(t *testing.T) {
	_, svc, _ := setupPricingTest(t)

	_, err := svc.Refresh(context.Background(), "gpt-large", domain.RefreshInput{
		InputCostUsdPer1K:  "-0.010",
		OutputCostUsdPer1K: "0.030",
	})
	assert.Error(t, err)
}

func TestResolve_ServesFromCacheWithinTTL(t *testing.T) {
	db, svc, fc := setupPricingTest(t)
	ctx := context.Background()

	_, err := svc.Refresh(ctx, "gpt-large", domain.RefreshInput{
		InputCostUsdPer1K:  "0.010",
		OutputCostUsdPer1K: "0.030",
	})
	require.NoError(t, err)

	// Write a newer version behind the cache's back.
	node, _ := snowflake.NewNode(2)
	require.NoError(t, db.Create(&domain.ModelPrice{
		ID:                 node.Generate(),
		ModelID:            "gpt-large",
		Version:            2,
		InputCostUsdPer1K:  decimal.RequireFromString("0.020"),
		OutputCostUsdPer1K: decimal.RequireFromString("0.060"),
		RefreshedAt:        fc.Now(),
	}).Error)

	quote, err := svc.Resolve(ctx, "gpt-large", "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(1), quote.PricingVersion)

	fc.Advance(time.Minute)

	quote, err = svc.Resolve(ctx, "gpt-large", "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(2), quote.PricingVersion)
}
