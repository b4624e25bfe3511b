// Package domain contains the payment processor port and webhook
// delivery records.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

var (
	ErrPaymentDeclined = errors.New("payment_declined")
	ErrRefundFailed    = errors.New("refund_failed")
)

// Processor abstracts the payment provider. Charges are synchronous,
// webhook delivery later confirms settlement.
type Processor interface {
	Charge(ctx context.Context, input ChargeInput) (*Charge, error)
	Refund(ctx context.Context, input RefundInput) (*Refund, error)
}

type ChargeInput struct {
	UserID      snowflake.ID
	AmountUsd   decimal.Decimal
	Description string
	// IdempotencyKey makes provider-side retries safe.
	IdempotencyKey string
}

type Charge struct {
	Ref       string
	AmountUsd decimal.Decimal
	CreatedAt time.Time
}

type RefundInput struct {
	UserID    snowflake.ID
	ChargeRef string
	AmountUsd decimal.Decimal
	Reason    string
}

type Refund struct {
	Ref       string
	AmountUsd decimal.Decimal
	CreatedAt time.Time
}

// PaymentWebhookEvent records one processed provider delivery. The
// (provider, event_id) pair is unique so redelivered events are
// acknowledged without reapplying their effects.
type PaymentWebhookEvent struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	Provider string       `gorm:"type:text;not null;uniqueIndex:ux_payment_webhook_events_provider_event,priority:1"`
	EventID  string       `gorm:"type:text;not null;uniqueIndex:ux_payment_webhook_events_provider_event,priority:2"`

	EventType   string            `gorm:"type:text;not null"`
	Payload     datatypes.JSONMap `gorm:"type:json"`
	ProcessedAt time.Time         `gorm:"not null"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentWebhookEvent) TableName() string { return "payment_webhook_events" }
