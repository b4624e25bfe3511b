package service

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	stripeapi "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/config"
	"github.com/creditrail/creditrail/internal/observability/metrics"
	"github.com/creditrail/creditrail/internal/payment/domain"
	prorationdomain "github.com/creditrail/creditrail/internal/proration/domain"
)

type WebhookParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Cfg     config.Config
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

type WebhookService struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     config.Config
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewWebhookService(p WebhookParam) domain.WebhookHandler {
	return &WebhookService{
		db:      p.DB,
		log:     p.Log.Named("payment.webhook"),
		cfg:     p.Cfg,
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

func (s *WebhookService) HandleStripe(ctx context.Context, payload []byte, signature string) error {
	var event stripeapi.Event
	if s.cfg.StripeWebhookSecret != "" {
		verified, err := webhook.ConstructEvent(payload, signature, s.cfg.StripeWebhookSecret)
		if err != nil {
			s.count("invalid_signature")
			return domain.ErrInvalidSignature
		}
		event = verified
	} else if err := json.Unmarshal(payload, &event); err != nil {
		s.count("malformed")
		return err
	}

	// Dedupe and effect commit together, a redelivered event that
	// crashed mid-apply is replayed whole.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := &domain.PaymentWebhookEvent{
			ID:          s.genID.Generate(),
			Provider:    "stripe",
			EventID:     event.ID,
			EventType:   string(event.Type),
			Payload:     datatypes.JSONMap(event.Data.Object),
			ProcessedAt: s.clock.Now(),
		}
		res := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
				DoNothing: true,
			}).
			Create(record)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			s.count("duplicate")
			s.log.Debug("duplicate webhook delivery", zap.String("event_id", event.ID))
			return nil
		}

		return s.applyEvent(ctx, tx, event)
	})
	if err != nil {
		s.count("error")
		return err
	}

	s.count("processed")
	return nil
}

func (s *WebhookService) applyEvent(ctx context.Context, tx *gorm.DB, event stripeapi.Event) error {
	switch event.Type {
	case "payment_intent.succeeded":
		var intent stripeapi.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return err
		}
		return s.confirmProrationPayment(ctx, tx, intent.ID)

	case "payment_intent.payment_failed":
		var intent stripeapi.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return err
		}
		s.log.Warn("payment failed after confirmation",
			zap.String("payment_intent", intent.ID),
		)
		return nil

	case "charge.refunded":
		var charge stripeapi.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return err
		}
		s.log.Info("refund settled",
			zap.String("charge_id", charge.ID),
			zap.Int64("amount_refunded_cents", charge.AmountRefunded),
		)
		return nil

	default:
		s.log.Debug("unhandled webhook event type", zap.String("type", string(event.Type)))
		return nil
	}
}

func (s *WebhookService) confirmProrationPayment(ctx context.Context, tx *gorm.DB, chargeRef string) error {
	if chargeRef == "" {
		return nil
	}
	now := s.clock.Now()
	res := tx.WithContext(ctx).Model(&prorationdomain.ProrationEvent{}).
		Where("charge_ref = ? AND payment_confirmed_at IS NULL", chargeRef).
		Update("payment_confirmed_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Info("proration payment confirmed", zap.String("charge_ref", chargeRef))
	}
	return nil
}

func (s *WebhookService) count(outcome string) {
	if s.metrics != nil {
		s.metrics.WebhookEvents.WithLabelValues(outcome).Inc()
	}
}
