package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/creditrail/creditrail/internal/balance"
	balancedomain "github.com/creditrail/creditrail/internal/balance/domain"
	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/config"
	"github.com/creditrail/creditrail/internal/observability/metrics"
	paymentdomain "github.com/creditrail/creditrail/internal/payment/domain"
	"github.com/creditrail/creditrail/internal/proration/domain"
	tierdomain "github.com/creditrail/creditrail/internal/tier/domain"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Mutator   *balance.Mutator
	Tiers     tierdomain.Service
	Processor paymentdomain.Processor
	Credit    *config.CreditConfigHolder
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	mutator   *balance.Mutator
	tiers     tierdomain.Service
	processor paymentdomain.Processor
	credit    *config.CreditConfigHolder
	metrics   *metrics.Metrics
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("proration.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		mutator:   p.Mutator,
		tiers:     p.Tiers,
		processor: p.Processor,
		credit:    p.Credit,
		metrics:   p.Metrics,
	}
}

func (s *Service) Preview(ctx context.Context, userID snowflake.ID, toTier string) (*domain.Breakdown, error) {
	bal, err := s.mutator.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, balancedomain.ErrBalanceNotFound
	}
	bd, _, err := s.breakdown(ctx, bal, toTier)
	return bd, err
}

// breakdown computes the proration math against one balance snapshot.
func (s *Service) breakdown(ctx context.Context, bal *balancedomain.CreditBalance, toTier string) (*domain.Breakdown, *tierdomain.Tier, error) {
	from, err := s.tiers.Get(ctx, bal.Tier)
	if err != nil {
		return nil, nil, err
	}
	to, err := s.tiers.Get(ctx, toTier)
	if err != nil {
		return nil, nil, err
	}
	if from.Code == to.Code {
		return nil, nil, domain.ErrSameTier
	}

	now := s.clock.Now()
	periodHours := bal.PeriodEnd.Sub(bal.PeriodStart).Hours()
	periodDays := int(math.Ceil(periodHours / 24))
	if periodDays <= 0 {
		return nil, nil, domain.ErrProrationCalculation
	}

	// Started days count whole, in the user's favor on the unused side.
	remainingDays := 0
	if bal.PeriodEnd.After(now) {
		remainingDays = int(math.Ceil(bal.PeriodEnd.Sub(now).Hours() / 24))
	}
	if remainingDays > periodDays {
		remainingDays = periodDays
	}

	frac := decimal.NewFromInt(int64(remainingDays)).Div(decimal.NewFromInt(int64(periodDays)))
	unused := from.MonthlyPriceUsd.Mul(frac).Round(2)
	newCost := to.MonthlyPriceUsd.Mul(frac).Round(2)
	net := newCost.Sub(unused)

	direction := domain.DirectionDowngrade
	if to.MonthlyPriceUsd.GreaterThan(from.MonthlyPriceUsd) {
		direction = domain.DirectionUpgrade
	}

	bd := &domain.Breakdown{
		FromTier:       from.Code,
		ToTier:         to.Code,
		Direction:      direction,
		RemainingDays:  remainingDays,
		PeriodDays:     periodDays,
		UnusedValueUsd: unused,
		NewTierCostUsd: newCost,
		NetAmountUsd:   net,
		CashRefundUsd:  decimal.Zero,
	}

	if net.Sign() < 0 {
		owed := net.Neg()
		if to.Code == tierdomain.TierFree {
			bd.CashRefundUsd = owed
		} else {
			creditCfg, _ := s.credit.Snapshot()
			// Floor so the credit payout never exceeds the owed value.
			bd.CreditsGranted = owed.Div(creditCfg.CreditUnitValueUsd).Floor().IntPart()
		}
	}
	return bd, to, nil
}

func (s *Service) Apply(ctx context.Context, userID snowflake.ID, toTier string) (*domain.ProrationEvent, error) {
	bal, err := s.mutator.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, balancedomain.ErrBalanceNotFound
	}

	bd, to, err := s.breakdown(ctx, bal, toTier)
	if err != nil {
		return nil, err
	}

	// The charge happens before the tier switch commits. If the commit
	// then fails, the compensating refund below undoes it.
	var chargeRef string
	if bd.NetAmountUsd.Sign() > 0 {
		charge, err := s.processor.Charge(ctx, paymentdomain.ChargeInput{
			UserID:         userID,
			AmountUsd:      bd.NetAmountUsd,
			Description:    fmt.Sprintf("tier change %s to %s", bd.FromTier, bd.ToTier),
			IdempotencyKey: fmt.Sprintf("proration:%s:%s:%d", userID, bd.ToTier, bal.PeriodStart.Unix()),
		})
		if err != nil {
			return nil, err
		}
		chargeRef = charge.Ref
	}

	event := &domain.ProrationEvent{
		ID:             s.genID.Generate(),
		UserID:         userID,
		FromTier:       bd.FromTier,
		ToTier:         bd.ToTier,
		Direction:      bd.Direction,
		EffectiveAt:    s.clock.Now(),
		PeriodStart:    bal.PeriodStart,
		PeriodEnd:      bal.PeriodEnd,
		RemainingDays:  bd.RemainingDays,
		PeriodDays:     bd.PeriodDays,
		UnusedValueUsd: bd.UnusedValueUsd,
		NewTierCostUsd: bd.NewTierCostUsd,
		NetAmountUsd:   bd.NetAmountUsd,
		CreditsGranted: bd.CreditsGranted,
		ChargeRef:      chargeRef,
		Status:         domain.StatusApplied,
		CreatedAt:      s.clock.Now(),
	}

	err = s.mutator.Mutate(ctx, userID, func(tx *gorm.DB, locked *balancedomain.CreditBalance) error {
		// The breakdown was priced against a snapshot; bail out if the
		// balance moved to another tier or period since.
		if locked.Tier != bd.FromTier || !locked.PeriodEnd.Equal(bal.PeriodEnd) {
			return balancedomain.ErrConcurrentModification
		}

		locked.Tier = to.Code
		locked.RolloverCap = to.RolloverCap
		locked.PurchasedCreditsRemaining += bd.CreditsGranted

		return tx.WithContext(ctx).Create(event).Error
	})
	if err != nil {
		if chargeRef != "" {
			s.compensate(ctx, userID, chargeRef, bd.NetAmountUsd)
		}
		return nil, err
	}

	// Cash payouts settle after the tier switch is durable. A failed
	// refund leaves the event without a refund ref for manual retry.
	if bd.CashRefundUsd.Sign() > 0 {
		refund, err := s.processor.Refund(ctx, paymentdomain.RefundInput{
			UserID:    userID,
			ChargeRef: s.lastChargeRef(ctx, userID),
			AmountUsd: bd.CashRefundUsd,
			Reason:    "downgrade_to_free",
		})
		if err != nil {
			s.log.Error("proration cash refund failed",
				zap.String("user_id", userID.String()),
				zap.String("event_id", event.ID.String()),
				zap.Error(err),
			)
		} else {
			event.RefundRef = refund.Ref
			if err := s.db.WithContext(ctx).Model(&domain.ProrationEvent{}).
				Where("id = ?", event.ID).
				Update("refund_ref", refund.Ref).Error; err != nil {
				s.log.Error("recording refund ref failed", zap.Error(err))
			}
		}
	}

	if s.metrics != nil {
		s.metrics.Prorations.WithLabelValues(bd.Direction).Inc()
	}
	s.log.Info("proration applied",
		zap.String("user_id", userID.String()),
		zap.String("from_tier", bd.FromTier),
		zap.String("to_tier", bd.ToTier),
		zap.String("net_usd", bd.NetAmountUsd.StringFixed(2)),
		zap.Int64("credits_granted", bd.CreditsGranted),
	)
	return event, nil
}

func (s *Service) Reverse(ctx context.Context, userID, eventID snowflake.ID) (*domain.ProrationEvent, error) {
	// Load outside the lock to know whether money has to move first.
	var original domain.ProrationEvent
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", eventID, userID).
		First(&original).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrEventNotFound
		}
		return nil, err
	}
	if original.Status != domain.StatusApplied {
		return nil, domain.ErrAlreadyReversed
	}

	from, err := s.tiers.Get(ctx, original.FromTier)
	if err != nil {
		return nil, err
	}

	// A cash payout is clawed back before the tier restore commits,
	// mirroring the charge-first rule on Apply.
	var chargeBackRef string
	if original.RefundRef != "" {
		charge, err := s.processor.Charge(ctx, paymentdomain.ChargeInput{
			UserID:         userID,
			AmountUsd:      original.NetAmountUsd.Neg(),
			Description:    fmt.Sprintf("reversal of tier change %s to %s", original.FromTier, original.ToTier),
			IdempotencyKey: fmt.Sprintf("proration-reversal:%s", original.ID),
		})
		if err != nil {
			return nil, err
		}
		chargeBackRef = charge.Ref
	}

	now := s.clock.Now()
	originalID := original.ID
	reversal := &domain.ProrationEvent{
		ID:             s.genID.Generate(),
		UserID:         userID,
		FromTier:       original.ToTier,
		ToTier:         original.FromTier,
		Direction:      oppositeDirection(original.Direction),
		EffectiveAt:    now,
		PeriodStart:    original.PeriodStart,
		PeriodEnd:      original.PeriodEnd,
		RemainingDays:  original.RemainingDays,
		PeriodDays:     original.PeriodDays,
		UnusedValueUsd: original.NewTierCostUsd,
		NewTierCostUsd: original.UnusedValueUsd,
		NetAmountUsd:   original.NetAmountUsd.Neg(),
		CreditsGranted: -original.CreditsGranted,
		ChargeRef:      chargeBackRef,
		Status:         domain.StatusApplied,
		ReversalOf:     &originalID,
		CreatedAt:      now,
	}

	err = s.mutator.Mutate(ctx, userID, func(tx *gorm.DB, locked *balancedomain.CreditBalance) error {
		if locked.Tier != original.ToTier {
			return balancedomain.ErrConcurrentModification
		}
		if locked.PurchasedCreditsRemaining < original.CreditsGranted {
			// The granted credits were already spent.
			return balancedomain.ErrInsufficientCredits
		}

		locked.Tier = from.Code
		locked.RolloverCap = from.RolloverCap
		locked.PurchasedCreditsRemaining -= original.CreditsGranted

		res := tx.WithContext(ctx).Model(&domain.ProrationEvent{}).
			Where("id = ? AND status = ?", original.ID, domain.StatusApplied).
			Update("status", domain.StatusReversed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrAlreadyReversed
		}

		return tx.WithContext(ctx).Create(reversal).Error
	})
	if err != nil {
		if chargeBackRef != "" {
			s.compensate(ctx, userID, chargeBackRef, original.NetAmountUsd.Neg())
		}
		return nil, err
	}

	// Money the user paid on Apply goes back after the reversal is
	// durable.
	if original.ChargeRef != "" {
		refund, err := s.processor.Refund(ctx, paymentdomain.RefundInput{
			UserID:    userID,
			ChargeRef: original.ChargeRef,
			AmountUsd: original.NetAmountUsd,
			Reason:    "proration_reversal",
		})
		if err != nil {
			s.log.Error("proration reversal refund failed",
				zap.String("user_id", userID.String()),
				zap.String("event_id", original.ID.String()),
				zap.Error(err),
			)
		} else {
			reversal.RefundRef = refund.Ref
			if err := s.db.WithContext(ctx).Model(&domain.ProrationEvent{}).
				Where("id = ?", reversal.ID).
				Update("refund_ref", refund.Ref).Error; err != nil {
				s.log.Error("recording refund ref failed", zap.Error(err))
			}
		}
	}

	s.log.Info("proration reversed",
		zap.String("user_id", userID.String()),
		zap.String("event_id", original.ID.String()),
	)
	return reversal, nil
}

// compensate refunds a charge whose surrounding transaction failed.
func (s *Service) compensate(ctx context.Context, userID snowflake.ID, chargeRef string, amount decimal.Decimal) {
	_, err := s.processor.Refund(ctx, paymentdomain.RefundInput{
		UserID:    userID,
		ChargeRef: chargeRef,
		AmountUsd: amount,
		Reason:    "proration_rollback",
	})
	if err != nil {
		s.log.Error("compensating refund failed, charge is orphaned",
			zap.String("user_id", userID.String()),
			zap.String("charge_ref", chargeRef),
			zap.Error(err),
		)
	}
}

// lastChargeRef finds the most recent charge to refund against. Cash
// payouts without any prior charge fall back to a standalone refund.
func (s *Service) lastChargeRef(ctx context.Context, userID snowflake.ID) string {
	var event domain.ProrationEvent
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND charge_ref <> ''", userID).
		Order("created_at DESC").
		First(&event).Error
	if err != nil {
		return ""
	}
	return event.ChargeRef
}

func oppositeDirection(direction string) string {
	if direction == domain.DirectionUpgrade {
		return domain.DirectionDowngrade
	}
	return domain.DirectionUpgrade
}
