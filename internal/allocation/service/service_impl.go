package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/creditrail/creditrail/internal/allocation/domain"
	"github.com/creditrail/creditrail/internal/balance"
	balancedomain "github.com/creditrail/creditrail/internal/balance/domain"
	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/observability/metrics"
	tierdomain "github.com/creditrail/creditrail/internal/tier/domain"
)

// errAlreadyAllocated aborts a Mutate when another run already granted
// the period.
var errAlreadyAllocated = errors.New("period_already_allocated")

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Mutator *balance.Mutator
	Tiers   tierdomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	mutator *balance.Mutator
	tiers   tierdomain.Service
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("allocation.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		mutator: p.Mutator,
		tiers:   p.Tiers,
		metrics: p.Metrics,
	}
}

func (s *Service) Enroll(ctx context.Context, input domain.EnrollInput) (*domain.CreditAllocation, error) {
	tier, err := s.tiers.Get(ctx, input.Tier)
	if err != nil {
		return nil, err
	}

	if existing, err := s.mutator.Get(ctx, input.UserID); err != nil {
		return nil, err
	} else if existing != nil {
		return s.findAllocation(ctx, s.db, input.UserID, existing.PeriodStart)
	}

	now := s.clock.Now()
	periodEnd := now.AddDate(0, 1, 0)

	alloc := &domain.CreditAllocation{
		ID:                 s.genID.Generate(),
		UserID:             input.UserID,
		Tier:               tier.Code,
		PeriodStart:        now,
		PeriodEnd:          periodEnd,
		FreeCreditsGranted: tier.MonthlyCreditGrant,
		CreatedAt:          now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal := &balancedomain.CreditBalance{
			UserID:               input.UserID,
			Tier:                 tier.Code,
			FreeCreditsRemaining: tier.MonthlyCreditGrant,
			RolloverCap:          tier.RolloverCap,
			PeriodStart:          now,
			PeriodEnd:            periodEnd,
		}
		if err := s.mutator.Create(ctx, tx, bal); err != nil {
			return err
		}

		res := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "period_start"}},
				DoNothing: true,
			}).
			Create(alloc)
		return res.Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("user enrolled",
		zap.String("user_id", input.UserID.String()),
		zap.String("tier", tier.Code),
		zap.Int64("free_credits", tier.MonthlyCreditGrant),
	)
	return alloc, nil
}

func (s *Service) AllocateMonthly(ctx context.Context, userID snowflake.ID) (*domain.CreditAllocation, error) {
	var alloc *domain.CreditAllocation
	err := s.mutator.Mutate(ctx, userID, func(tx *gorm.DB, bal *balancedomain.CreditBalance) error {
		tier, err := s.tiers.Get(ctx, bal.Tier)
		if err != nil {
			return err
		}

		newStart := bal.PeriodEnd
		newEnd := newStart.AddDate(0, 1, 0)

		rolled := bal.PurchasedCreditsRemaining
		var discarded int64
		switch {
		case tier.RolloverCap == 0:
			discarded = rolled
			rolled = 0
		case tier.RolloverCap > 0 && rolled > tier.RolloverCap:
			discarded = rolled - tier.RolloverCap
			rolled = tier.RolloverCap
		}

		alloc = &domain.CreditAllocation{
			ID:                     s.genID.Generate(),
			UserID:                 userID,
			Tier:                   tier.Code,
			PeriodStart:            newStart,
			PeriodEnd:              newEnd,
			FreeCreditsGranted:     tier.MonthlyCreditGrant,
			PurchasedCreditsRolled: rolled,
			FreeCreditsExpired:     bal.FreeCreditsRemaining,
			PurchasedDiscarded:     discarded,
			CreatedAt:              s.clock.Now(),
		}

		res := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "period_start"}},
				DoNothing: true,
			}).
			Create(alloc)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			existing, err := s.findAllocation(ctx, tx, userID, newStart)
			if err != nil {
				return err
			}
			alloc = existing
			return errAlreadyAllocated
		}

		bal.FreeCreditsRemaining = tier.MonthlyCreditGrant
		bal.PurchasedCreditsRemaining = rolled
		bal.RolloverCap = tier.RolloverCap
		bal.PeriodStart = newStart
		bal.PeriodEnd = newEnd
		return nil
	})
	if errors.Is(err, errAlreadyAllocated) {
		return alloc, nil
	}
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Allocations.Inc()
	}
	s.log.Info("monthly credits allocated",
		zap.String("user_id", userID.String()),
		zap.Int64("granted", alloc.FreeCreditsGranted),
		zap.Int64("rolled", alloc.PurchasedCreditsRolled),
		zap.Int64("discarded", alloc.PurchasedDiscarded),
	)
	return alloc, nil
}

func (s *Service) ProcessDue(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now()

	// The claim runs in its own short transaction. SKIP LOCKED keeps
	// concurrent schedulers off each other's batch; the unique
	// allocation index is what actually prevents double grants.
	var userIDs []int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT user_id FROM credit_balances WHERE period_end <= ? ORDER BY period_end ASC LIMIT ?`
		if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
			query += " FOR UPDATE SKIP LOCKED"
		}
		return tx.Raw(query, now, batchSize).Scan(&userIDs).Error
	})
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, raw := range userIDs {
		userID := snowflake.ID(raw)
		if err := s.catchUp(ctx, userID, now); err != nil {
			s.log.Warn("allocation skipped",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
			continue
		}
		processed++
	}
	return processed, nil
}

// catchUp advances one balance until its period covers now. A user who
// was idle across several boundaries gets each period granted in order.
func (s *Service) catchUp(ctx context.Context, userID snowflake.ID, now time.Time) error {
	// Bounded so an inconsistent row can never spin the scheduler.
	for i := 0; i < 1200; i++ {
		bal, err := s.mutator.Get(ctx, userID)
		if err != nil {
			return err
		}
		if bal == nil {
			return balancedomain.ErrBalanceNotFound
		}
		if bal.PeriodEnd.After(now) {
			return nil
		}
		if _, err := s.AllocateMonthly(ctx, userID); err != nil {
			return err
		}
	}
	return errors.New("allocation_catchup_exhausted")
}

func (s *Service) findAllocation(ctx context.Context, tx *gorm.DB, userID snowflake.ID, periodStart time.Time) (*domain.CreditAllocation, error) {
	var alloc domain.CreditAllocation
	err := tx.WithContext(ctx).
		Where("user_id = ? AND period_start = ?", userID, periodStart).
		First(&alloc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &alloc, nil
}
