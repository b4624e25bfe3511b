package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/creditrail/creditrail/internal/balance"
	balancedomain "github.com/creditrail/creditrail/internal/balance/domain"
	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/config"
	"github.com/creditrail/creditrail/internal/coupon/domain"
	frauddomain "github.com/creditrail/creditrail/internal/fraud/domain"
	"github.com/creditrail/creditrail/internal/observability/metrics"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Mutator *balance.Mutator
	Fraud   frauddomain.Service
	Credit  *config.CreditConfigHolder
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	mutator *balance.Mutator
	fraud   frauddomain.Service
	credit  *config.CreditConfigHolder
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("coupon.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		mutator: p.Mutator,
		fraud:   p.Fraud,
		credit:  p.Credit,
		metrics: p.Metrics,
	}
}

func (s *Service) Validate(ctx context.Context, input domain.RedeemInput) (*domain.Coupon, error) {
	coupon, _, err := s.validate(ctx, s.db, input, false)
	if err != nil {
		return nil, err
	}
	if err := s.screen(ctx, input); err != nil {
		return nil, err
	}
	return coupon, nil
}

// validate runs the ordered eligibility pipeline and fails on the
// first rejecting step. With forUpdate the coupon and campaign rows are
// read under row locks so the caller can mutate their counters.
func (s *Service) validate(ctx context.Context, tx *gorm.DB, input domain.RedeemInput, forUpdate bool) (*domain.Coupon, *domain.CouponCampaign, error) {
	code := strings.TrimSpace(input.Code)
	if code == "" {
		return nil, nil, domain.Invalid(domain.ReasonNotFound)
	}
	now := s.clock.Now()

	stmt := tx.WithContext(ctx)
	if forUpdate && !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var coupon domain.Coupon
	if err := stmt.Where("code = ?", code).First(&coupon).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, domain.Invalid(domain.ReasonNotFound)
		}
		return nil, nil, err
	}

	if !coupon.Active {
		return nil, nil, domain.Invalid(domain.ReasonInactive)
	}
	if now.Before(coupon.StartsAt) {
		return nil, nil, domain.Invalid(domain.ReasonNotStarted)
	}
	if now.After(coupon.ExpiresAt) {
		return nil, nil, domain.Invalid(domain.ReasonExpired)
	}

	bal, err := s.loadBalance(ctx, tx, input.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !tierAllowed(coupon.AllowedTiers, bal.Tier) {
		return nil, nil, domain.Invalid(domain.ReasonTierMismatch)
	}

	if coupon.MaxUses > 0 && coupon.UseCount >= coupon.MaxUses {
		return nil, nil, domain.Invalid(domain.ReasonMaxUsesReached)
	}

	var userUses int64
	err = tx.WithContext(ctx).
		Model(&domain.CouponRedemption{}).
		Where("coupon_id = ? AND user_id = ? AND status = ?", coupon.ID, input.UserID, domain.RedemptionApplied).
		Count(&userUses).Error
	if err != nil {
		return nil, nil, err
	}
	if coupon.PerUserLimit > 0 && int(userUses) >= coupon.PerUserLimit {
		return nil, nil, domain.Invalid(domain.ReasonPerUserLimit)
	}

	var campaign *domain.CouponCampaign
	if coupon.CampaignID != nil {
		campaign = &domain.CouponCampaign{}
		cstmt := tx.WithContext(ctx)
		if forUpdate && !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
			cstmt = cstmt.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := cstmt.Where("id = ?", *coupon.CampaignID).First(campaign).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil, domain.Invalid(domain.ReasonInactive)
			}
			return nil, nil, err
		}
		if !campaign.Active || now.Before(campaign.StartsAt) || now.After(campaign.EndsAt) {
			return nil, nil, domain.Invalid(domain.ReasonInactive)
		}
		if campaign.BudgetCredits > 0 && campaign.RedeemedCredits+coupon.CreditGrant > campaign.BudgetCredits {
			return nil, nil, domain.Invalid(domain.ReasonCampaignBudget)
		}
	}

	if coupon.MinPurchaseUsd.Sign() > 0 && input.PurchaseAmountUsd.LessThan(coupon.MinPurchaseUsd) {
		return nil, nil, domain.Invalid(domain.ReasonMinPurchase)
	}

	if coupon.CustomRule != "" {
		rule, ok := customRules[coupon.CustomRule]
		if !ok {
			s.log.Error("coupon references unknown custom rule",
				zap.String("code", coupon.Code),
				zap.String("rule", coupon.CustomRule),
			)
			return nil, nil, domain.Invalid(domain.ReasonCustomRule)
		}
		if err := rule(ctx, tx, input, &coupon); err != nil {
			return nil, nil, err
		}
	}

	return &coupon, campaign, nil
}

// screen runs the fraud steps of the pipeline. A standing flag on the
// user and coupon pair rejects first; then high or critical live
// assessments block the attempt, with every detection recorded either
// way.
func (s *Service) screen(ctx context.Context, input domain.RedeemInput) error {
	code := strings.TrimSpace(input.Code)

	flagged, err := s.fraud.Flagged(ctx, input.UserID, code)
	if err != nil {
		return err
	}
	if flagged {
		return domain.ErrFraudSuspected
	}

	signals := frauddomain.Signals{
		UserID:     input.UserID,
		CouponCode: code,
		IPHash:     input.IPHash,
		UserAgent:  input.UserAgent,
		DeviceHash: input.DeviceHash,
	}

	assessment, err := s.fraud.Score(ctx, signals)
	if err != nil {
		// Scoring is advisory; an unavailable monitor must not take
		// coupon redemption down with it.
		s.log.Warn("fraud scoring unavailable", zap.Error(err))
		assessment = nil
	}
	if assessment != nil {
		s.fraud.Record(ctx, signals, assessment)
		if assessment.Suspicious() {
			return domain.ErrFraudSuspected
		}
	}

	cfg, _ := s.credit.Snapshot()
	if input.DeviceHash != "" {
		for _, blocked := range cfg.BlockedFingerprints {
			if blocked == input.DeviceHash {
				return domain.Invalid(domain.ReasonBlockedFingerprint)
			}
		}
	}
	return nil
}

func (s *Service) Redeem(ctx context.Context, input domain.RedeemInput) (*domain.CouponRedemption, error) {
	// Cheap rejection before any locking.
	if _, _, err := s.validate(ctx, s.db, input, false); err != nil {
		s.countRedemption(outcomeOf(err))
		return nil, err
	}
	if err := s.screen(ctx, input); err != nil {
		s.countRedemption(outcomeOf(err))
		return nil, err
	}

	var redemption *domain.CouponRedemption
	err := s.mutator.Mutate(ctx, input.UserID, func(tx *gorm.DB, locked *balancedomain.CreditBalance) error {
		coupon, campaign, err := s.validate(ctx, tx, input, true)
		if err != nil {
			return err
		}
		now := s.clock.Now()

		// Guarded increment: the WHERE clause re-checks the cap so two
		// racing redemptions of the last use cannot both pass.
		res := tx.WithContext(ctx).
			Model(&domain.Coupon{}).
			Where("id = ? AND (max_uses = 0 OR use_count < max_uses)", coupon.ID).
			Updates(map[string]any{
				"use_count":  gorm.Expr("use_count + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.Invalid(domain.ReasonMaxUsesReached)
		}

		if campaign != nil && coupon.CreditGrant > 0 {
			res := tx.WithContext(ctx).
				Model(&domain.CouponCampaign{}).
				Where("id = ? AND (budget_credits = 0 OR redeemed_credits + ? <= budget_credits)",
					campaign.ID, coupon.CreditGrant).
				Update("redeemed_credits", gorm.Expr("redeemed_credits + ?", coupon.CreditGrant))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domain.Invalid(domain.ReasonCampaignBudget)
			}
		}

		credits, discount, err := s.applyBenefit(ctx, tx, coupon, input, locked)
		if err != nil {
			return err
		}

		redemption = &domain.CouponRedemption{
			ID:                 s.genID.Generate(),
			CouponID:           coupon.ID,
			Code:               coupon.Code,
			CampaignID:         coupon.CampaignID,
			UserID:             input.UserID,
			CreditsGranted:     credits,
			DiscountUsd:        discount,
			IPHash:             input.IPHash,
			DeviceHash:         input.DeviceHash,
			UserAgent:          input.UserAgent,
			BillingPeriodStart: locked.PeriodStart,
			Status:             domain.RedemptionApplied,
			CreatedAt:          now,
		}
		return tx.WithContext(ctx).Create(redemption).Error
	})
	if err != nil {
		s.countRedemption(outcomeOf(err))
		return nil, err
	}

	s.countRedemption("success")
	s.log.Info("coupon redeemed",
		zap.String("user_id", input.UserID.String()),
		zap.String("code", redemption.Code),
		zap.Int64("credits_granted", redemption.CreditsGranted),
		zap.String("discount_usd", redemption.DiscountUsd.StringFixed(2)),
	)
	return redemption, nil
}

// applyBenefit mutates the locked balance per coupon type and returns
// the granted credits and USD discount.
func (s *Service) applyBenefit(ctx context.Context, tx *gorm.DB, coupon *domain.Coupon, input domain.RedeemInput, locked *balancedomain.CreditBalance) (int64, decimal.Decimal, error) {
	switch coupon.Type {
	case domain.TypePercentage:
		discount := input.PurchaseAmountUsd.Mul(coupon.Value).Div(decimal.NewFromInt(100)).Round(2)
		return 0, discount, nil

	case domain.TypeFixedAmount:
		discount := coupon.Value
		if discount.GreaterThan(input.PurchaseAmountUsd) {
			discount = input.PurchaseAmountUsd
		}
		return 0, discount.Round(2), nil

	case domain.TypeTierDiscount:
		return 0, coupon.Value.Round(2), nil

	case domain.TypeDurationBonus:
		days := bonusDays(coupon)
		if days <= 0 {
			return 0, decimal.Zero, domain.Invalid(domain.ReasonCustomRule)
		}
		locked.PeriodEnd = locked.PeriodEnd.AddDate(0, 0, days)
		return 0, decimal.Zero, nil

	case domain.TypeCreditGrant:
		locked.PurchasedCreditsRemaining += coupon.CreditGrant
		return coupon.CreditGrant, decimal.Zero, nil

	default:
		s.log.Error("coupon has unknown type",
			zap.String("code", coupon.Code),
			zap.String("type", coupon.Type),
		)
		return 0, decimal.Zero, domain.Invalid(domain.ReasonInactive)
	}
}

func (s *Service) Reverse(ctx context.Context, userID, redemptionID snowflake.ID) (*domain.CouponRedemption, error) {
	var redemption *domain.CouponRedemption
	err := s.mutator.Mutate(ctx, userID, func(tx *gorm.DB, locked *balancedomain.CreditBalance) error {
		var r domain.CouponRedemption
		err := tx.WithContext(ctx).
			Where("id = ? AND user_id = ?", redemptionID, userID).
			First(&r).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		if r.Status != domain.RedemptionApplied {
			return domain.ErrAlreadyReversed
		}

		if r.CreditsGranted > 0 {
			if locked.PurchasedCreditsRemaining < r.CreditsGranted {
				return balancedomain.ErrInsufficientCredits
			}
			locked.PurchasedCreditsRemaining -= r.CreditsGranted
		}

		res := tx.WithContext(ctx).
			Model(&domain.CouponRedemption{}).
			Where("id = ? AND status = ?", r.ID, domain.RedemptionApplied).
			Update("status", domain.RedemptionReversed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrAlreadyReversed
		}

		now := s.clock.Now()
		err = tx.WithContext(ctx).
			Model(&domain.Coupon{}).
			Where("id = ? AND use_count > 0", r.CouponID).
			Updates(map[string]any{
				"use_count":  gorm.Expr("use_count - 1"),
				"updated_at": now,
			}).Error
		if err != nil {
			return err
		}

		if r.CampaignID != nil && r.CreditsGranted > 0 {
			err = tx.WithContext(ctx).
				Model(&domain.CouponCampaign{}).
				Where("id = ? AND redeemed_credits >= ?", *r.CampaignID, r.CreditsGranted).
				Update("redeemed_credits", gorm.Expr("redeemed_credits - ?", r.CreditsGranted)).Error
			if err != nil {
				return err
			}
		}

		r.Status = domain.RedemptionReversed
		redemption = &r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("coupon redemption reversed",
		zap.String("user_id", userID.String()),
		zap.String("redemption_id", redemptionID.String()),
	)
	return redemption, nil
}

func (s *Service) loadBalance(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*balancedomain.CreditBalance, error) {
	var bal balancedomain.CreditBalance
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&bal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, balancedomain.ErrBalanceNotFound
		}
		return nil, err
	}
	return &bal, nil
}

func tierAllowed(allowed, tier string) bool {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" {
		return true
	}
	for _, t := range strings.Split(allowed, ",") {
		if strings.TrimSpace(t) == tier {
			return true
		}
	}
	return false
}

func bonusDays(coupon *domain.Coupon) int {
	if coupon.Metadata == nil {
		return 0
	}
	switch v := coupon.Metadata["bonus_days"].(type) {
	case float64:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func outcomeOf(err error) string {
	var invalid *domain.InvalidError
	switch {
	case errors.As(err, &invalid):
		return invalid.Reason
	case errors.Is(err, domain.ErrFraudSuspected):
		return domain.ReasonFraudSuspected
	case errors.Is(err, balancedomain.ErrInsufficientCredits):
		return "insufficient_credits"
	default:
		return "error"
	}
}

func (s *Service) countRedemption(outcome string) {
	if s.metrics != nil {
		s.metrics.Redemptions.WithLabelValues(outcome).Inc()
	}
}
