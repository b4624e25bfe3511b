package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/creditrail/creditrail/internal/balance"
	balancedomain "github.com/creditrail/creditrail/internal/balance/domain"
	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/ledger/domain"
	"github.com/creditrail/creditrail/internal/observability/metrics"
	pricingdomain "github.com/creditrail/creditrail/internal/pricing/domain"
	"github.com/creditrail/creditrail/pkg/db/option"
	"github.com/creditrail/creditrail/pkg/db/pagination"
)

// errReplayed short-circuits a Mutate when the idempotency re-check
// finds the entry was already written.
var errReplayed = errors.New("ledger_entry_replayed")

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Mutator *balance.Mutator
	Pricing pricingdomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	mutator *balance.Mutator
	pricing pricingdomain.Service
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ledger.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		mutator: p.Mutator,
		pricing: p.Pricing,
		metrics: p.Metrics,
	}
}

func (s *Service) Deduct(ctx context.Context, input domain.DeductInput) (*domain.UsageLedgerEntry, error) {
	if input.UserID == 0 || strings.TrimSpace(input.RequestID) == "" {
		return nil, fmt.Errorf("missing user or request id")
	}
	if input.InputTokens < 0 || input.OutputTokens < 0 {
		return nil, fmt.Errorf("negative token count")
	}

	// Replays are the common retry path, answer them without a lock.
	if existing, err := s.findByRequest(ctx, s.db, input.UserID, input.RequestID); err != nil {
		return nil, err
	} else if existing != nil {
		s.countDeduction("replay")
		return existing, nil
	}

	bal, err := s.mutator.Get(ctx, input.UserID)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, balancedomain.ErrBalanceNotFound
	}

	// The quote is priced before taking the row lock so a slow pricing
	// read never extends balance lock hold time.
	quote, err := s.pricing.Resolve(ctx, input.ModelID, bal.Tier)
	if err != nil {
		s.countDeduction("pricing_unavailable")
		return nil, err
	}

	vendorCost := quote.VendorCost(input.InputTokens, input.OutputTokens)
	credits := quote.CreditsFor(vendorCost)

	var entry *domain.UsageLedgerEntry
	err = s.mutator.Mutate(ctx, input.UserID, func(tx *gorm.DB, locked *balancedomain.CreditBalance) error {
		existing, err := s.findByRequest(ctx, tx, input.UserID, input.RequestID)
		if err != nil {
			return err
		}
		if existing != nil {
			entry = existing
			return errReplayed
		}

		freeUsed, purchasedUsed, err := locked.Consume(credits)
		if err != nil {
			return err
		}

		entry = &domain.UsageLedgerEntry{
			ID:                   s.genID.Generate(),
			UserID:               input.UserID,
			RequestID:            input.RequestID,
			ModelID:              input.ModelID,
			InputTokens:          input.InputTokens,
			OutputTokens:         input.OutputTokens,
			VendorCostUsd:        vendorCost,
			MarginMultiplier:     quote.MarginMultiplier,
			PricingVersion:       quote.PricingVersion,
			CreditsCharged:       credits,
			FreeCreditsUsed:      freeUsed,
			PurchasedCreditsUsed: purchasedUsed,
			Status:               domain.StatusCommitted,
			NeedsReconciliation:  quote.Stale,
			CreatedAt:            s.clock.Now(),
		}

		res := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "request_id"}},
				DoNothing: true,
			}).
			Create(entry)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			replayed, err := s.findByRequest(ctx, tx, input.UserID, input.RequestID)
			if err != nil {
				return err
			}
			entry = replayed
			return errReplayed
		}
		return nil
	})
	if errors.Is(err, errReplayed) {
		s.countDeduction("replay")
		return entry, nil
	}
	if err != nil {
		if errors.Is(err, balancedomain.ErrInsufficientCredits) {
			s.countDeduction("insufficient")
		} else {
			s.countDeduction("error")
		}
		return nil, err
	}

	s.countDeduction("success")
	if s.metrics != nil {
		s.metrics.DeductionCredits.WithLabelValues("free").Add(float64(entry.FreeCreditsUsed))
		s.metrics.DeductionCredits.WithLabelValues("purchased").Add(float64(entry.PurchasedCreditsUsed))
	}
	s.log.Info("usage deducted",
		zap.String("user_id", input.UserID.String()),
		zap.String("request_id", input.RequestID),
		zap.String("model_id", input.ModelID),
		zap.Int64("credits", entry.CreditsCharged),
		zap.Bool("stale_pricing", entry.NeedsReconciliation),
	)
	return entry, nil
}

func (s *Service) Reverse(ctx context.Context, userID, entryID snowflake.ID) (*domain.UsageLedgerEntry, error) {
	var reversal *domain.UsageLedgerEntry
	err := s.mutator.Mutate(ctx, userID, func(tx *gorm.DB, locked *balancedomain.CreditBalance) error {
		var original domain.UsageLedgerEntry
		err := tx.WithContext(ctx).
			Where("id = ? AND user_id = ?", entryID, userID).
			First(&original).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrEntryNotFound
			}
			return err
		}
		if original.Status != domain.StatusCommitted {
			return domain.ErrNotReversible
		}

		var count int64
		if err := tx.WithContext(ctx).Model(&domain.UsageLedgerEntry{}).
			Where("reversal_of = ?", original.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return domain.ErrAlreadyReversed
		}

		locked.Restore(original.FreeCreditsUsed, original.PurchasedCreditsUsed)

		originalID := original.ID
		reversal = &domain.UsageLedgerEntry{
			ID:                   s.genID.Generate(),
			UserID:               userID,
			RequestID:            original.RequestID + ":reversal",
			ModelID:              original.ModelID,
			InputTokens:          original.InputTokens,
			OutputTokens:         original.OutputTokens,
			VendorCostUsd:        original.VendorCostUsd.Neg(),
			MarginMultiplier:     original.MarginMultiplier,
			PricingVersion:       original.PricingVersion,
			CreditsCharged:       -original.CreditsCharged,
			FreeCreditsUsed:      -original.FreeCreditsUsed,
			PurchasedCreditsUsed: -original.PurchasedCreditsUsed,
			Status:               domain.StatusReversal,
			ReversalOf:           &originalID,
			CreatedAt:            s.clock.Now(),
		}
		if err := tx.WithContext(ctx).Create(reversal).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("usage reversed",
		zap.String("user_id", userID.String()),
		zap.String("entry_id", entryID.String()),
		zap.Int64("credits_restored", -reversal.CreditsCharged),
	)
	return reversal, nil
}

func (s *Service) List(ctx context.Context, userID snowflake.ID, p pagination.Pagination) ([]*domain.UsageLedgerEntry, *pagination.PageInfo, error) {
	size := p.PageSize
	if size <= 0 {
		size = 10
	}

	stmt := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")
	stmt = option.ApplyPagination(p).Apply(stmt)

	var entries []*domain.UsageLedgerEntry
	if err := stmt.Find(&entries).Error; err != nil {
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(entries, int32(size), func(e *domain.UsageLedgerEntry) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        e.ID.String(),
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		return token
	})
	if len(entries) > size {
		entries = entries[:size]
	}
	return entries, pageInfo, nil
}

func (s *Service) ReconcileStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	var stale []domain.UsageLedgerEntry
	err := s.db.WithContext(ctx).
		Where("needs_reconciliation = ? AND status = ?", true, domain.StatusCommitted).
		Order("created_at ASC").
		Limit(limit).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for i := range stale {
		if err := s.reconcileEntry(ctx, &stale[i]); err != nil {
			s.log.Warn("reconciliation skipped",
				zap.String("entry_id", stale[i].ID.String()),
				zap.Error(err),
			)
			continue
		}
		reconciled++
	}
	return reconciled, nil
}

func (s *Service) reconcileEntry(ctx context.Context, original *domain.UsageLedgerEntry) error {
	bal, err := s.mutator.Get(ctx, original.UserID)
	if err != nil {
		return err
	}
	if bal == nil {
		return balancedomain.ErrBalanceNotFound
	}

	quote, err := s.pricing.Resolve(ctx, original.ModelID, bal.Tier)
	if err != nil {
		return err
	}
	if quote.Stale {
		// Still no fresh price, keep the flag for the next pass.
		return pricingdomain.ErrPricingUnavailable
	}

	vendorCost := quote.VendorCost(original.InputTokens, original.OutputTokens)
	delta := quote.CreditsFor(vendorCost) - original.CreditsCharged

	return s.mutator.Mutate(ctx, original.UserID, func(tx *gorm.DB, locked *balancedomain.CreditBalance) error {
		if delta != 0 {
			var freeDelta, purchasedDelta int64
			if delta > 0 {
				freeUsed, purchasedUsed, err := locked.Consume(delta)
				if err != nil {
					return err
				}
				freeDelta, purchasedDelta = freeUsed, purchasedUsed
			} else {
				// Refund lands in the buckets the entry drew from,
				// purchased first.
				refund := -delta
				purchasedBack := min(refund, original.PurchasedCreditsUsed)
				freeBack := refund - purchasedBack
				locked.Restore(freeBack, purchasedBack)
				freeDelta, purchasedDelta = -freeBack, -purchasedBack
			}

			adjustment := &domain.UsageLedgerEntry{
				ID:                   s.genID.Generate(),
				UserID:               original.UserID,
				RequestID:            original.RequestID + ":adjust",
				ModelID:              original.ModelID,
				InputTokens:          original.InputTokens,
				OutputTokens:         original.OutputTokens,
				VendorCostUsd:        vendorCost.Sub(original.VendorCostUsd),
				MarginMultiplier:     quote.MarginMultiplier,
				PricingVersion:       quote.PricingVersion,
				CreditsCharged:       delta,
				FreeCreditsUsed:      freeDelta,
				PurchasedCreditsUsed: purchasedDelta,
				Status:               domain.StatusAdjustment,
				CreatedAt:            s.clock.Now(),
			}
			if err := tx.WithContext(ctx).Create(adjustment).Error; err != nil {
				return err
			}
		}

		return tx.WithContext(ctx).Model(&domain.UsageLedgerEntry{}).
			Where("id = ?", original.ID).
			Update("needs_reconciliation", false).Error
	})
}

func (s *Service) findByRequest(ctx context.Context, tx *gorm.DB, userID snowflake.ID, requestID string) (*domain.UsageLedgerEntry, error) {
	var entry domain.UsageLedgerEntry
	err := tx.WithContext(ctx).
		Where("user_id = ? AND request_id = ?", userID, requestID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Service) countDeduction(outcome string) {
	if s.metrics != nil {
		s.metrics.Deductions.WithLabelValues(outcome).Inc()
	}
}
