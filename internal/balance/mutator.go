// Package balance provides the shared atomic read-modify-write
// primitive for CreditBalance rows. Every component that moves credits
// (ledger writer, allocation manager, proration engine, coupon
// redemption) goes through Mutate or MutateIn so concurrent requests
// for one user observe a serial order.
package balance

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/creditrail/creditrail/internal/balance/domain"
	"github.com/creditrail/creditrail/internal/config"
	obsmetrics "github.com/creditrail/creditrail/internal/observability/metrics"
	pkgdb "github.com/creditrail/creditrail/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MutatorParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Cfg     config.Config
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Mutator struct {
	db          *gorm.DB
	log         *zap.Logger
	lockTimeout time.Duration
	metrics     *obsmetrics.Metrics
}

func NewMutator(p MutatorParam) *Mutator {
	timeout := p.Cfg.LockTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Mutator{
		db:          p.DB,
		log:         p.Log.Named("balance.mutator"),
		lockTimeout: timeout,
		metrics:     p.Metrics,
	}
}

// Mutate runs fn against the locked balance row in its own transaction.
func (m *Mutator) Mutate(ctx context.Context, userID snowflake.ID, fn func(tx *gorm.DB, bal *balancedomain.CreditBalance) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()

	err := m.db.WithContext(lockCtx).Transaction(func(tx *gorm.DB) error {
		return m.MutateIn(lockCtx, tx, userID, fn)
	})
	return m.mapLockErr(err)
}

// MutateIn is the same read-modify-write inside an existing transaction,
// used when the balance delta must commit together with other rows
// (coupon counters, tier change).
func (m *Mutator) MutateIn(ctx context.Context, tx *gorm.DB, userID snowflake.ID, fn func(tx *gorm.DB, bal *balancedomain.CreditBalance) error) error {
	if userID == 0 {
		return balancedomain.ErrBalanceNotFound
	}

	bal, err := m.lockRow(ctx, tx, userID)
	if err != nil {
		return err
	}
	if bal == nil {
		return balancedomain.ErrBalanceNotFound
	}

	if err := fn(tx, bal); err != nil {
		return err
	}

	if bal.FreeCreditsRemaining < 0 || bal.PurchasedCreditsRemaining < 0 {
		return balancedomain.ErrInvalidBalanceState
	}

	return tx.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET tier = ?, free_credits_remaining = ?, purchased_credits_remaining = ?,
		     rollover_cap = ?, period_start = ?, period_end = ?, updated_at = ?
		 WHERE user_id = ?`,
		bal.Tier,
		bal.FreeCreditsRemaining,
		bal.PurchasedCreditsRemaining,
		bal.RolloverCap,
		bal.PeriodStart,
		bal.PeriodEnd,
		time.Now().UTC(),
		userID,
	).Error
}

// Get reads the balance without locking.
func (m *Mutator) Get(ctx context.Context, userID snowflake.ID) (*balancedomain.CreditBalance, error) {
	var bal balancedomain.CreditBalance
	err := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&bal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bal, nil
}

// Create inserts a fresh balance row, ignoring a concurrent insert.
func (m *Mutator) Create(ctx context.Context, tx *gorm.DB, bal *balancedomain.CreditBalance) error {
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(bal).Error
}

func (m *Mutator) lockRow(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*balancedomain.CreditBalance, error) {
	lockStart := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.LockWaitSeconds.Observe(time.Since(lockStart).Seconds())
		}
	}()

	stmt := tx.WithContext(ctx)
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var bal balancedomain.CreditBalance
	err := stmt.Where("user_id = ?", userID).First(&bal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, m.mapLockErr(err)
	}
	return &bal, nil
}

func (m *Mutator) mapLockErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || pkgdb.IsLockTimeoutErr(err) {
		return balancedomain.ErrConcurrentModification
	}
	return err
}

var Module = fx.Module("balance",
	fx.Provide(NewMutator),
)
