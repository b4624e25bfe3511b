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

	"github.com/creditrail/creditrail/internal/allocation/domain"
	"github.com/creditrail/creditrail/internal/balance"
	balancedomain "github.com/creditrail/creditrail/internal/balance/domain"
	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/config"
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
	return nil, nil
}

func setupAllocationTest(t *testing.T) (*gorm.DB, *Service, *snowflake.Node, *clock.FakeClock) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&balancedomain.CreditBalance{},
		&domain.CreditAllocation{},
	))

	node, _ := snowflake.NewNode(1)
	logger := zap.NewNop()
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	tiers := &tierStub{tiers: map[string]tierdomain.Tier{
		"free": {
			Code:               "free",
			MonthlyCreditGrant: 100,
			RolloverCap:        0,
			MarginMultiplier:   decimal.NewFromInt(1),
		},
		"pro": {
			Code:               "pro",
			MonthlyPriceUsd:    decimal.NewFromInt(45),
			MonthlyCreditGrant: 5000,
			RolloverCap:        2000,
			MarginMultiplier:   decimal.RequireFromString("1.5"),
		},
		"max": {
			Code:               "max",
			MonthlyPriceUsd:    decimal.NewFromInt(200),
			MonthlyCreditGrant: 30000,
			RolloverCap:        -1,
			MarginMultiplier:   decimal.RequireFromString("1.2"),
		},
	}}

	mutator := balance.NewMutator(balance.MutatorParam{
		DB:  db,
		Log: logger,
		Cfg: config.Config{LockTimeout: 2 * time.Second},
	})

	svc := &Service{
		db:      db,
		log:     logger,
		genID:   node,
		clock:   fc,
		mutator: mutator,
		tiers:   tiers,
	}
	return db, svc, node, fc
}

func TestEnroll_GrantsFirstPeriod(t *testing.T) {
	db, svc, node, _ := setupAllocationTest(t)
	userID := node.Generate()

	alloc, err := svc.Enroll(context.Background(), domain.EnrollInput{UserID: userID, Tier: "pro"})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), alloc.FreeCreditsGranted)

	var bal balancedomain.CreditBalance
	require.NoError(t, db.Where("user_id = ?", userID).First(&bal).Error)
	assert.Equal(t, "pro", bal.Tier)
	assert.Equal(t, int64(5000), bal.FreeCreditsRemaining)
	assert.Equal(t, int64(0), bal.PurchasedCreditsRemaining)
	assert.True(t, bal.PeriodStart.AddDate(0, 1, 0).Equal(bal.PeriodEnd))
}

func TestEnroll_Replay(t *testing.T) {
	db, svc, node, _ := setupAllocationTest(t)
	userID := node.Generate()
	ctx := context.Background()

	_, err := svc.Enroll(ctx, domain.EnrollInput{UserID: userID, Tier: "pro"})
	require.NoError(t, err)

	// Drain some credits, then replay the enrollment.
	require.NoError(t, db.Model(&balancedomain.CreditBalance{}).
		Where("user_id = ?", userID).
		Update("free_credits_remaining", 10).Error)

	_, err = svc.Enroll(ctx, domain.EnrollInput{UserID: userID, Tier: "pro"})
	require.NoError(t, err)

	var bal balancedomain.CreditBalance
	require.NoError(t, db.Where("user_id = ?", userID).First(&bal).Error)
	assert.Equal(t, int64(10), bal.FreeCreditsRemaining)
}

func TestEnroll_UnknownTier(t *testing.T) {
	_, svc, node, _ := setupAllocationTest(t)

	_, err := svc.Enroll(context.Background(), domain.EnrollInput{UserID: node.Generate(), Tier: "platinum"})
	assert.ErrorIs(t, err, tierdomain.ErrTierNotFound)
}

func TestAllocateMonthly_RolloverCapped(t *testing.T) {
	db, svc, node, _ := setupAllocationTest(t)
	userID := node.Generate()
	ctx := context.Background()

	_, err := svc.Enroll(ctx, domain.EnrollInput{UserID: userID, Tier: "pro"})
	require.NoError(t, err)

	// End the period with unspent free credits and purchased credits
	// over the 2000 cap.
	require.NoError(t, db.Model(&balancedomain.CreditBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"free_credits_remaining":      700,
			"purchased_credits_remaining": 3500,
		}).Error)

	alloc, err := svc.AllocateMonthly(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), alloc.FreeCreditsGranted)
	assert.Equal(t, int64(2000), alloc.PurchasedCreditsRolled)
	assert.Equal(t, int64(1500), alloc.PurchasedDiscarded)
	assert.Equal(t, int64(700), alloc.FreeCreditsExpired)

	var bal balancedomain.CreditBalance
	require.NoError(t, db.Where("user_id = ?", userID).First(&bal).Error)
	assert.Equal(t, int64(5000), bal.FreeCreditsRemaining)
	assert.Equal(t, int64(2000), bal.PurchasedCreditsRemaining)
	assert.True(t, alloc.PeriodStart.Equal(bal.PeriodStart))
	assert.True(t, alloc.PeriodEnd.Equal(bal.PeriodEnd))
}

func TestAllocateMonthly_NoRolloverOnFreeTier(t *testing.T) {
	db, svc, node, _ := setupAllocationTest(t)
	userID := node.Generate()
	ctx := context.Background()

	_, err := svc.Enroll(ctx, domain.EnrollInput{UserID: userID, Tier: "free"})
	require.NoError(t, err)

	require.NoError(t, db.Model(&balancedomain.CreditBalance{}).
		Where("user_id = ?", userID).
		Update("purchased_credits_remaining", 500).Error)

	alloc, err := svc.AllocateMonthly(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), alloc.PurchasedCreditsRolled)
	assert.Equal(t, int64(500), alloc.PurchasedDiscarded)
}

func TestAllocateMonthly_UnboundedRollover(t *testing.T) {
	db, svc, node, _ := setupAllocationTest(t)
	userID := node.Generate()
	ctx := context.Background()

	_, err := svc.Enroll(ctx, domain.EnrollInput{UserID: userID, Tier: "max"})
	require.NoError(t, err)

	require.NoError(t, db.Model(&balancedomain.CreditBalance{}).
		Where("user_id = ?", userID).
		Update("purchased_credits_remaining", 99999).Error)

	alloc, err := svc.AllocateMonthly(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(99999), alloc.PurchasedCreditsRolled)
	assert.Equal(t, int64(0), alloc.PurchasedDiscarded)
}

func TestAllocateMonthly_Replay(t *testing.T) {
	db, svc, node, _ := setupAllocationTest(t)
	userID := node.Generate()
	ctx := context.Background()

	_, err := svc.Enroll(ctx, domain.EnrollInput{UserID: userID, Tier: "pro"})
	require.NoError(t, err)

	first, err := svc.AllocateMonthly(ctx, userID)
	require.NoError(t, err)

	// Spend into the new period, then rerun the same boundary by
	// resetting the balance period pointers.
	require.NoError(t, db.Model(&balancedomain.CreditBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"free_credits_remaining": 4200,
			"period_start":           first.PeriodStart.AddDate(0, -1, 0),
			"period_end":             first.PeriodStart,
		}).Error)

	second, err := svc.AllocateMonthly(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// The replayed run must not re-grant.
	var bal balancedomain.CreditBalance
	require.NoError(t, db.Where("user_id = ?", userID).First(&bal).Error)
	assert.Equal(t, int64(4200), bal.FreeCreditsRemaining)
}

func TestProcessDue_AllocatesOnlyExpiredPeriods(t *testing.T) {
	db, svc, node, fc := setupAllocationTest(t)
	ctx := context.Background()

	dueUser := node.Generate()
	freshUser := node.Generate()

	_, err := svc.Enroll(ctx, domain.EnrollInput{UserID: dueUser, Tier: "pro"})
	require.NoError(t, err)

	fc.Advance(32 * 24 * time.Hour)

	_, err = svc.Enroll(ctx, domain.EnrollInput{UserID: freshUser, Tier: "pro"})
	require.NoError(t, err)

	n, err := svc.ProcessDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var dueBal, freshBal balancedomain.CreditBalance
	require.NoError(t, db.Where("user_id = ?", dueUser).First(&dueBal).Error)
	require.NoError(t, db.Where("user_id = ?", freshUser).First(&freshBal).Error)
	assert.True(t, dueBal.PeriodEnd.After(fc.Now()))

	var count int64
	db.Model(&domain.CreditAllocation{}).Where("user_id = ?", freshUser).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestProcessDue_CatchesUpMissedPeriods(t *testing.T) {
	db, svc, node, fc := setupAllocationTest(t)
	ctx := context.Background()
	userID := node.Generate()

	_, err := svc.Enroll(ctx, domain.EnrollInput{UserID: userID, Tier: "pro"})
	require.NoError(t, err)

	// Three boundaries pass while the user is idle.
	fc.Advance(95 * 24 * time.Hour)

	n, err := svc.ProcessDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var bal balancedomain.CreditBalance
	require.NoError(t, db.Where("user_id = ?", userID).First(&bal).Error)
	assert.True(t, bal.PeriodEnd.After(fc.Now()))

	// Enrollment plus one allocation row per missed period.
	var count int64
	db.Model(&domain.CreditAllocation{}).Where("user_id = ?", userID).Count(&count)
	assert.Equal(t, int64(4), count)
}
