// Package server exposes the HTTP API: usage deduction, allocations,
// proration, coupons, fraud review, pricing, and payment webhooks.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	allocationdomain "github.com/creditrail/creditrail/internal/allocation/domain"
	"github.com/creditrail/creditrail/internal/balance"
	"github.com/creditrail/creditrail/internal/config"
	coupondomain "github.com/creditrail/creditrail/internal/coupon/domain"
	frauddomain "github.com/creditrail/creditrail/internal/fraud/domain"
	ledgerdomain "github.com/creditrail/creditrail/internal/ledger/domain"
	"github.com/creditrail/creditrail/internal/observability"
	obslogger "github.com/creditrail/creditrail/internal/observability/logger"
	obstracing "github.com/creditrail/creditrail/internal/observability/tracing"
	paymentdomain "github.com/creditrail/creditrail/internal/payment/domain"
	pricingdomain "github.com/creditrail/creditrail/internal/pricing/domain"
	prorationdomain "github.com/creditrail/creditrail/internal/proration/domain"
	tierdomain "github.com/creditrail/creditrail/internal/tier/domain"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node

	balances      *balance.Mutator
	tierSvc       tierdomain.Service
	pricingSvc    pricingdomain.Service
	ledgerSvc     ledgerdomain.Service
	allocationSvc allocationdomain.Service
	prorationSvc  prorationdomain.Service
	couponSvc     coupondomain.Service
	fraudSvc      frauddomain.Service
	webhooks      paymentdomain.WebhookHandler
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node

	Balances      *balance.Mutator
	TierSvc       tierdomain.Service
	PricingSvc    pricingdomain.Service
	LedgerSvc     ledgerdomain.Service
	AllocationSvc allocationdomain.Service
	ProrationSvc  prorationdomain.Service
	CouponSvc     coupondomain.Service
	FraudSvc      frauddomain.Service
	Webhooks      paymentdomain.WebhookHandler
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		log:           p.Log.Named("http.server"),
		genID:         p.GenID,
		balances:      p.Balances,
		tierSvc:       p.TierSvc,
		pricingSvc:    p.PricingSvc,
		ledgerSvc:     p.LedgerSvc,
		allocationSvc: p.AllocationSvc,
		prorationSvc:  p.ProrationSvc,
		couponSvc:     p.CouponSvc,
		fraudSvc:      p.FraudSvc,
		webhooks:      p.Webhooks,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func RegisterRoutes(s *Server) {
	v1 := s.engine.Group("/v1")

	// -------- Usage ledger --------
	v1.POST("/usage", s.DeductUsage)
	v1.POST("/usage/:entry_id/reverse", s.ReverseUsage)
	v1.GET("/users/:user_id/usage", s.ListUsage)
	v1.GET("/users/:user_id/balance", s.GetBalance)

	// -------- Allocation --------
	v1.POST("/enrollments", s.Enroll)
	v1.POST("/users/:user_id/allocate", s.AllocateMonthly)

	// -------- Tiers --------
	v1.GET("/tiers", s.ListTiers)

	// -------- Proration --------
	v1.GET("/users/:user_id/proration/preview", s.PreviewProration)
	v1.POST("/users/:user_id/proration", s.ApplyProration)
	v1.POST("/prorations/:event_id/reverse", s.ReverseProration)

	// -------- Coupons --------
	v1.POST("/coupons/validate", s.ValidateCoupon)
	v1.POST("/coupons/redeem", s.RedeemCoupon)
	v1.POST("/redemptions/:redemption_id/reverse", s.ReverseRedemption)

	// -------- Fraud review --------
	v1.GET("/fraud/events", s.ListOpenFraudEvents)
	v1.POST("/fraud/events/:event_id/review", s.ReviewFraudEvent)

	// -------- Pricing --------
	v1.GET("/pricing/:model_id", s.LatestPrice)
	v1.GET("/pricing/:model_id/quote", s.ResolveQuote)
	v1.PUT("/pricing/:model_id", s.RefreshPrice)

	// -------- Payment webhooks --------
	s.engine.POST("/webhooks/stripe", s.HandleStripeWebhook)
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
