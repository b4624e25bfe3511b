package payment

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/creditrail/creditrail/internal/config"
	"github.com/creditrail/creditrail/internal/payment/domain"
	"github.com/creditrail/creditrail/internal/payment/memory"
	"github.com/creditrail/creditrail/internal/payment/service"
	"github.com/creditrail/creditrail/internal/payment/stripe"
)

// newProcessor picks the Stripe adapter when credentials are present
// and the in-process recorder otherwise.
func newProcessor(cfg config.Config, log *zap.Logger) domain.Processor {
	if cfg.StripeAPIKey != "" {
		return stripe.NewProcessor(cfg, log)
	}
	log.Named("payment").Warn("no payment provider configured, using in-memory processor")
	return memory.NewProcessor()
}

var Module = fx.Module("payment",
	fx.Provide(newProcessor),
	fx.Provide(service.NewWebhookService),
)
