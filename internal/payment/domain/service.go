package domain

import (
	"context"
	"errors"
)

var ErrInvalidSignature = errors.New("invalid_webhook_signature")

// WebhookHandler processes provider event deliveries exactly once.
type WebhookHandler interface {
	HandleStripe(ctx context.Context, payload []byte, signature string) error
}
