// Package stripe adapts the Stripe API to the payment processor port.
package stripe

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/paymentintent"
	"github.com/stripe/stripe-go/v78/refund"
	"go.uber.org/zap"

	"github.com/creditrail/creditrail/internal/config"
	"github.com/creditrail/creditrail/internal/payment/domain"
)

type Processor struct {
	log *zap.Logger
}

func NewProcessor(cfg config.Config, log *zap.Logger) *Processor {
	stripeapi.Key = cfg.StripeAPIKey
	return &Processor{log: log.Named("payment.stripe")}
}

func (p *Processor) Charge(ctx context.Context, input domain.ChargeInput) (*domain.Charge, error) {
	params := &stripeapi.PaymentIntentParams{
		Params: stripeapi.Params{
			Context:        ctx,
			IdempotencyKey: stripeapi.String(input.IdempotencyKey),
		},
		Amount:      stripeapi.Int64(toCents(input.AmountUsd)),
		Currency:    stripeapi.String(string(stripeapi.CurrencyUSD)),
		Confirm:     stripeapi.Bool(true),
		OffSession:  stripeapi.Bool(true),
		Description: stripeapi.String(input.Description),
	}
	params.AddMetadata("user_id", input.UserID.String())

	intent, err := paymentintent.New(params)
	if err != nil {
		p.log.Warn("charge declined",
			zap.String("user_id", input.UserID.String()),
			zap.Error(err),
		)
		return nil, domain.ErrPaymentDeclined
	}

	return &domain.Charge{
		Ref:       intent.ID,
		AmountUsd: input.AmountUsd,
		CreatedAt: time.Unix(intent.Created, 0).UTC(),
	}, nil
}

func (p *Processor) Refund(ctx context.Context, input domain.RefundInput) (*domain.Refund, error) {
	params := &stripeapi.RefundParams{
		Params:        stripeapi.Params{Context: ctx},
		PaymentIntent: stripeapi.String(input.ChargeRef),
		Amount:        stripeapi.Int64(toCents(input.AmountUsd)),
	}
	params.AddMetadata("user_id", input.UserID.String())
	params.AddMetadata("reason", input.Reason)

	r, err := refund.New(params)
	if err != nil {
		p.log.Error("refund failed",
			zap.String("user_id", input.UserID.String()),
			zap.String("charge_ref", input.ChargeRef),
			zap.Error(err),
		)
		return nil, domain.ErrRefundFailed
	}

	return &domain.Refund{
		Ref:       r.ID,
		AmountUsd: input.AmountUsd,
		CreatedAt: time.Unix(r.Created, 0).UTC(),
	}, nil
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
