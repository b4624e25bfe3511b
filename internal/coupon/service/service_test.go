package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/creditrail/creditrail/internal/balance"
	balancedomain "github.com/creditrail/creditrail/internal/balance/domain"
	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/config"
	"github.com/creditrail/creditrail/internal/coupon/domain"
	frauddomain "github.com/creditrail/creditrail/internal/fraud/domain"
	fraudservice "github.com/creditrail/creditrail/internal/fraud/service"
)

type fraudStub struct {
	mu         sync.Mutex
	assessment frauddomain.Assessment
	flagged    bool
	recorded   int
}

func (s *fraudStub) Score(ctx context.Context, signals frauddomain.Signals) (*frauddomain.Assessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.assessment
	return &a, nil
}

func (s *fraudStub) Record(ctx context.Context, signals frauddomain.Signals, assessment *frauddomain.Assessment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded++
}

func (s *fraudStub) recordedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorded
}

func (s *fraudStub) Flagged(ctx context.Context, userID snowflake.ID, couponCode string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flagged, nil
}

func (s *fraudStub) Review(ctx context.Context, eventID snowflake.ID, resolvedBy, resolution string) (*frauddomain.FraudEvent, error) {
	return nil, nil
}

func (s *fraudStub) ListOpen(ctx context.Context, limit int) ([]*frauddomain.FraudEvent, error) {
	return nil, nil
}

func setupCouponTest(t *testing.T) (*gorm.DB, *Service, *snowflake.Node, *fraudStub) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&domain.Coupon{},
		&domain.CouponCampaign{},
		&domain.CouponRedemption{},
		&balancedomain.CreditBalance{},
	))

	node, _ := snowflake.NewNode(1)
	logger := zap.NewNop()
	fraud := &fraudStub{}

	mutator := balance.NewMutator(balance.MutatorParam{
		DB:  db,
		Log: logger,
		Cfg: config.Config{LockTimeout: 2 * time.Second},
	})

	creditCfg := config.DefaultCreditConfig()
	creditCfg.BlockedFingerprints = []string{"fp-blocked"}

	svc := &Service{
		db:      db,
		log:     logger,
		genID:   node,
		clock:   clock.NewFakeClock(time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)),
		mutator: mutator,
		fraud:   fraud,
		credit:  config.NewStaticCreditConfigHolder(creditCfg),
	}
	return db, svc, node, fraud
}

func seedBalance(t *testing.T, db *gorm.DB, userID snowflake.ID, tier string) {
	require.NoError(t, db.Create(&balancedomain.CreditBalance{
		UserID:               userID,
		Tier:                 tier,
		FreeCreditsRemaining: 1000,
		PeriodStart:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:            time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}).Error)
}

func seedCreditCoupon(t *testing.T, db *gorm.DB, node *snowflake.Node, code string, grant int64, mutate func(*domain.Coupon)) *domain.Coupon {
	c := &domain.Coupon{
		ID:             node.Generate(),
		Code:           code,
		Type:           domain.TypeCreditGrant,
		Value:          decimal.Zero,
		CreditGrant:    grant,
		Active:         true,
		StartsAt:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:      time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		PerUserLimit:   1,
		MinPurchaseUsd: decimal.Zero,
	}
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, db.Create(c).Error)
	return c
}

func redeemInput(userID snowflake.ID, code string) domain.RedeemInput {
	return domain.RedeemInput{
		UserID:    userID,
		Code:      code,
		IPHash:    "ip-a",
		UserAgent: "Mozilla/5.0",
	}
}

func assertInvalid(t *testing.T, err error, reason string) {
	t.Helper()
	var invalid *domain.InvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, reason, invalid.Reason)
}

func TestRedeem_CreditGrant(t *testing.T) {
	db, svc, node, _ := setupCouponTest(t)
	userID := node.Generate()
	seedBalance(t, db, userID, "pro")
	seedCreditCoupon(t, db, node, "BONUS500", 500, nil)

	redemption, err := svc.Redeem(context.Background(), redeemInput(userID, "BONUS500"))
	require.NoError(t, err)
	assert.Equal(t, int64(500), redemption.CreditsGranted)
	assert.Equal(t, domain.RedemptionApplied, redemption.Status)

	var bal balancedomain.CreditBalance
	require.NoError(t, db.Where("user_id = ?", userID).First(&bal).Error)
	assert.Equal(t, int64(500), bal.PurchasedCreditsRemaining)

	var coupon domain.Coupon
	require.NoError(t, db.Where("code = ?", "BONUS500").First(&coupon).Error)
	assert.Equal(t, int64(1), coupon.UseCount)
}

func TestRedeem_PipelineReasons(t *testing.T) {
	db, svc, node, _ := setupCouponTest(t)
	userID := node.Generate()
	seedBalance(t, db, userID, "pro")
	ctx := context.Background()

	seedCreditCoupon(t, db, node, "INACTIVE", 100, func(c *domain.Coupon) { c.Active = false })
	seedCreditCoupon(t, db, node, "FUTURE", 100, func(c *domain.Coupon) {
		c.StartsAt = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	})
	seedCreditCoupon(t, db, node, "EXPIRED", 100, func(c *domain.Coupon) {
		c.ExpiresAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	})
	seedCreditCoupon(t, db, node, "MAXONLY", 100, func(c *domain.Coupon) {
		c.AllowedTiers = "max"
	})
	seedCreditCoupon(t, db, node, "USEDUP", 100, func(c *domain.Coupon) {
		c.MaxUses = 5
		c.UseCount = 5
	})
	seedCreditCoupon(t, db, node, "BIGSPEND", 100, func(c *domain.Coupon) {
		c.MinPurchaseUsd = decimal.NewFromInt(50)
	})

	_, err := svc.Redeem(ctx, redeemInput(userID, "NOPE"))
	assertInvalid(t, err, domain.ReasonNotFound)

	_, err = svc.Redeem(ctx, redeemInput(userID, "INACTIVE"))
	assertInvalid(t, err, domain.ReasonInactive)

	_, err = svc.Redeem(ctx, redeemInput(userID, "FUTURE"))
	assertInvalid(t, err, domain.ReasonNotStarted)

	_, err = svc.Redeem(ctx, redeemInput(userID, "EXPIRED"))
	assertInvalid(t, err, domain.ReasonExpired)

	_, err = svc.Redeem(ctx, redeemInput(userID, "MAXONLY"))
	assertInvalid(t, err, domain.ReasonTierMismatch)

	_, err = svc.Redeem(ctx, redeemInput(userID, "USEDUP"))
	assertInvalid(t, err, domain.ReasonMaxUsesReached)

	input := redeemInput(userID, "BIGSPEND")
	input.PurchaseAmountUsd = decimal.NewFromInt(20)
	_, err = svc.Redeem(ctx, input)
	assertInvalid(t, err, domain.ReasonMinPurchase)
}

func TestRedeem_PerUserLimit(t *testing.T) {
	db, svc, node, _ := setupCouponTest(t)
	userID := node.Generate()
	seedBalance(t, db, userID, "pro")
	seedCreditCoupon(t, db, node, "ONCE", 100, func(c *domain.Coupon) { c.MaxUses = 100 })
	ctx := context.Background()

	_, err := svc.Redeem(ctx, redeemInput(userID, "ONCE"))
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, redeemInput(userID, "ONCE"))
	assertInvalid(t, err, domain.ReasonPerUserLimit)
}

func TestRedeem_CampaignBudget(t *testing.T) {
	db, svc, node, _ := setupCouponTest(t)
	userID := node.Generate()
	otherID := node.Generate()
	seedBalance(t, db, userID, "pro")
	seedBalance(t, db, otherID, "pro")
	ctx := context.Background()

	campaign := &domain.CouponCampaign{
		ID:            node.Generate(),
		Name:          "spring promo",
		BudgetCredits: 150,
		StartsAt:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndsAt:        time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Active:        true,
	}
	require.NoError(t, db.Create(campaign).Error)

	seedCreditCoupon(t, db, node, "SPRING", 100, func(c *domain.Coupon) {
		c.CampaignID = &campaign.ID
		c.MaxUses = 100
	})

	_, err := svc.Redeem(ctx, redeemInput(userID, "SPRING"))
	require.NoError(t, err)

	// The second grant would push the campaign to 200 of 150.
	_, err = svc.Redeem(ctx, redeemInput(otherID, "SPRING"))
	assertInvalid(t, err, domain.ReasonCampaignBudget)

	var stored domain.CouponCampaign
	require.NoError(t, db.Where("id = ?", campaign.ID).First(&stored).Error)
	assert.Equal(t, int64(100), stored.RedeemedCredits)
}

func TestRedeem_CustomRule(t *testing.T) {
	db, svc, node, _ := setupCouponTest(t)
	newUser := node.Generate()
	oldUser := node.Generate()
	seedBalance(t, db, newUser, "pro")
	seedBalance(t, db, oldUser, "pro")
	ctx := context.Background()

	seedCreditCoupon(t, db, node, "PLAIN", 50, func(c *domain.Coupon) { c.MaxUses = 100 })
	seedCreditCoupon(t, db, node, "WELCOME", 100, func(c *domain.Coupon) {
		c.CustomRule = "new_users_only"
		c.MaxUses = 100
	})

	_, err := svc.Redeem(ctx, redeemInput(oldUser, "PLAIN"))
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, redeemInput(oldUser, "WELCOME"))
	assertInvalid(t, err, domain.ReasonCustomRule)

	_, err = svc.Redeem(ctx, redeemInput(newUser, "WELCOME"))
	require.NoError(t, err)
}

func TestRedeem_FraudSuspected(t *testing.T) {
	db, svc, node, fraud := setupCouponTest(t)
	userID := node.Generate()
	seedBalance(t, db, userID, "pro")
	seedCreditCoupon(t, db, node, "BONUS", 100, nil)

	fraud.assessment = frauddomain.Assessment{
		Severity: frauddomain.SeverityHigh,
		Detections: []frauddomain.Detection{
			{Type: frauddomain.DetectVelocityAbuse, Severity: frauddomain.SeverityHigh},
		},
	}

	_, err := svc.Redeem(context.Background(), redeemInput(userID, "BONUS"))
	assert.ErrorIs(t, err, domain.ErrFraudSuspected)
	assert.Equal(t, 1, fraud.recordedCount())

	var bal balancedomain.CreditBalance
	require.NoError(t, db.Where("user_id = ?", userID).First(&bal).Error)
	assert.Equal(t, int64(0), bal.PurchasedCreditsRemaining)
}

func TestRedeem_BlockedFingerprint(t *testing.T) {
	db, svc, node, _ := setupCouponTest(t)
	userID := node.Generate()
	seedBalance(t, db, userID, "pro")
	seedCreditCoupon(t, db, node, "BONUS", 100, nil)

	input := redeemInput(userID, "BONUS")
	input.DeviceHash = "fp-blocked"
	_, err := svc.Redeem(context.Background(), input)
	assertInvalid(t, err, domain.ReasonBlockedFingerprint)
}

func TestRedeem_PriorFraudFlagBlocks(t *testing.T) {
	db, svc, node, fraud := setupCouponTest(t)
	userID := node.Generate()
	seedBalance(t, db, userID, "pro")
	seedCreditCoupon(t, db, node, "FLAGGED", 100, nil)

	fraud.flagged = true

	_, err := svc.Redeem(context.Background(), redeemInput(userID, "FLAGGED"))
	assert.ErrorIs(t, err, domain.ErrFraudSuspected)

	var bal balancedomain.CreditBalance
	require.NoError(t, db.Where("user_id = ?", userID).First(&bal).Error)
	assert.Equal(t, int64(0), bal.PurchasedCreditsRemaining)

	var coupon domain.Coupon
	require.NoError(t, db.Where("code = ?", "FLAGGED").First(&coupon).Error)
	assert.Equal(t, int64(0), coupon.UseCount)
}

// Same block, but through the persisted fraud store instead of a stub:
// a confirmed event on the user and coupon pair must reject the
// redemption before any counter moves.
func TestRedeem_ConfirmedFraudEventBlocks(t *testing.T) {
	db, svc, node, _ := setupCouponTest(t)
	require.NoError(t, db.AutoMigrate(&frauddomain.FraudEvent{}))

	svc.fraud = fraudservice.NewService(fraudservice.ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  svc.clock,
		Credit: svc.credit,
	})

	userID := node.Generate()
	seedBalance(t, db, userID, "pro")
	seedCreditCoupon(t, db, node, "FLAGGED", 100, nil)

	reviewedAt := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&frauddomain.FraudEvent{
		ID:            node.Generate(),
		UserID:        userID,
		DetectionType: frauddomain.DetectVelocityAbuse,
		Severity:      frauddomain.SeverityCritical,
		CouponCode:    "FLAGGED",
		ReviewedAt:    &reviewedAt,
		ResolvedBy:    "ops@creditrail.dev",
		Resolution:    frauddomain.ResolutionConfirmed,
		CreatedAt:     reviewedAt,
	}).Error)

	_, err := svc.Redeem(context.Background(), redeemInput(userID, "FLAGGED"))
	assert.ErrorIs(t, err, domain.ErrFraudSuspected)

	var bal balancedomain.CreditBalance
	require.NoError(t, db.Where("user_id = ?", userID).First(&bal).Error)
	assert.Equal(t, int64(0), bal.PurchasedCreditsRemaining)
}

func TestRedeem_PercentageDiscount(t *testing.T) {
	db, svc, node, _ := setupCouponTest(t)
	userID := node.Generate()
	seedBalance(t, db, userID, "pro")

	seedCreditCoupon(t, db, node, "TENOFF", 0, func(c *domain.Coupon) {
		c.Type = domain.TypePercentage
		c.Value = decimal.NewFromInt(10)
	})

	input := redeemInput(userID, "TENOFF")
	input.PurchaseAmountUsd = decimal.NewFromInt(45)
	redemption, err := svc.Redeem(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, redemption.DiscountUsd.Equal(decimal.RequireFromString("4.50")), redemption.DiscountUsd.String())
	assert.Equal(t, int64(0), redemption.CreditsGranted)
}

func TestRedeem_FixedAmountCappedAtPurchase(t *testing.T) {
	db, svc, node, _ := setupCouponTest(t)
	userID := node.Generate()
	seedBalance(t, db, userID, "pro")

	seedCreditCoupon(t, db, node, "20BUCKS", 0, func(c *domain.Coupon) {
		c.Type = domain.TypeFixedAmount
		c.Value = decimal.NewFromInt(20)
	})

	input := redeemInput(userID, "20BUCKS")
	input.PurchaseAmountUsd = decimal.NewFromInt(15)
	redemption, err := svc.Redeem(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, redemption.DiscountUsd.Equal(decimal.NewFromInt(15)))
}

func TestRedeem_DurationBonusExtendsPeriod(t *testing.T) {
	db, svc, node, _ := setupCouponTest(t)
	userID := node.Generate()
	seedBalance(t, db, userID, "pro")

	seedCreditCoupon(t, db, node, "WEEKEXTRA", 0, func(c *domain.Coupon) {
		c.Type = domain.TypeDurationBonus
		c.Metadata = datatypes.JSONMap{"bonus_days": float64(7)}
	})

	_, err := svc.Redeem(context.Background(), redeemInput(userID, "WEEKEXTRA"))
	require.NoError(t, err)

	var bal balancedomain.CreditBalance
	require.NoError(t, db.Where("user_id = ?", userID).First(&bal).Error)
	assert.True(t, bal.PeriodEnd.Equal(time.Date(2026, 4, 8, 0, 0, 0, 0, time.UTC)))
}

func TestRedeem_ConcurrentHonorsMaxUses(t *testing.T) {
	db, svc, node, _ := setupCouponTest(t)
	ctx := context.Background()

	seedCreditCoupon(t, db, node, "LIMITED", 100, func(c *domain.Coupon) { c.MaxUses = 3 })

	const workers = 8
	userIDs := make([]snowflake.ID, workers)
	for i := range userIDs {
		userIDs[i] = node.Generate()
		seedBalance(t, db, userIDs[i], "pro")
	}

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Redeem(ctx, redeemInput(userIDs[i], "LIMITED"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assertInvalid(t, err, domain.ReasonMaxUsesReached)
		}
	}
	assert.Equal(t, 3, succeeded)

	var coupon domain.Coupon
	require.NoError(t, db.Where("code = ?", "LIMITED").First(&coupon).Error)
	assert.Equal(t, int64(3), coupon.UseCount)
}

func TestReverse_ClawsBackCredits(t *testing.T) {
	db, svc, node, _ := setupCouponTest(t)
	userID := node.Generate()
	seedBalance(t, db, userID, "pro")
	seedCreditCoupon(t, db, node, "BONUS", 300, nil)
	ctx := context.Background()

	redemption, err := svc.Redeem(ctx, redeemInput(userID, "BONUS"))
	require.NoError(t, err)

	reversed, err := svc.Reverse(ctx, userID, redemption.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RedemptionReversed, reversed.Status)

	var bal balancedomain.CreditBalance
	require.NoError(t, db.Where("user_id = ?", userID).First(&bal).Error)
	assert.Equal(t, int64(0), bal.PurchasedCreditsRemaining)

	var coupon domain.Coupon
	require.NoError(t, db.Where("code = ?", "BONUS").First(&coupon).Error)
	assert.Equal(t, int64(0), coupon.UseCount)

	_, err = svc.Reverse(ctx, userID, redemption.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyReversed)
}

func TestReverse_SpentCreditsBlock(t *testing.T) {
	db, svc, node, _ := setupCouponTest(t)
	userID := node.Generate()
	seedBalance(t, db, userID, "pro")
	seedCreditCoupon(t, db, node, "BONUS", 300, nil)
	ctx := context.Background()

	redemption, err := svc.Redeem(ctx, redeemInput(userID, "BONUS"))
	require.NoError(t, err)

	require.NoError(t, db.Model(&balancedomain.CreditBalance{}).
		Where("user_id = ?", userID).
		Update("purchased_credits_remaining", 100).Error)

	_, err = svc.Reverse(ctx, userID, redemption.ID)
	assert.ErrorIs(t, err, balancedomain.ErrInsufficientCredits)
}
