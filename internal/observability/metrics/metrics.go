package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes application-level instruments for the metering core.
type Metrics struct {
	Deductions        *prometheus.CounterVec
	DeductionCredits  *prometheus.CounterVec
	Allocations       prometheus.Counter
	Prorations        *prometheus.CounterVec
	Redemptions       *prometheus.CounterVec
	FraudEvents       *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	LockWaitSeconds   prometheus.Histogram
	PricingStaleReads prometheus.Counter
	SchedulerRuns     *prometheus.CounterVec
	SchedulerSeconds  *prometheus.HistogramVec
}

func New() *Metrics {
	m := newMetrics()

	prometheus.MustRegister(
		m.Deductions,
		m.DeductionCredits,
		m.Allocations,
		m.Prorations,
		m.Redemptions,
		m.FraudEvents,
		m.WebhookEvents,
		m.LockWaitSeconds,
		m.PricingStaleReads,
		m.SchedulerRuns,
		m.SchedulerSeconds,
	)

	return m
}

// NewNop builds unregistered instruments. Each call returns independent
// collectors, which keeps parallel test packages from colliding on the
// default registry.
func NewNop() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Deductions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditrail",
			Name:      "usage_deductions_total",
			Help:      "Usage ledger deductions by outcome.",
		}, []string{"outcome"}),
		DeductionCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditrail",
			Name:      "usage_deduction_credits_total",
			Help:      "Credits deducted, split by bucket consumed.",
		}, []string{"bucket"}),
		Allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "creditrail",
			Name:      "credit_allocations_total",
			Help:      "Monthly credit allocations applied.",
		}),
		Prorations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditrail",
			Name:      "proration_events_total",
			Help:      "Proration events by direction.",
		}, []string{"direction"}),
		Redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditrail",
			Name:      "coupon_redemptions_total",
			Help:      "Coupon redemption attempts by outcome.",
		}, []string{"outcome"}),
		FraudEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditrail",
			Name:      "fraud_events_total",
			Help:      "Fraud events recorded by detection type and severity.",
		}, []string{"detection_type", "severity"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditrail",
			Name:      "payment_webhook_events_total",
			Help:      "Payment webhook deliveries by outcome.",
		}, []string{"outcome"}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "creditrail",
			Name:      "balance_lock_wait_seconds",
			Help:      "Time spent acquiring the balance row lock.",
			Buckets:   prometheus.DefBuckets,
		}),
		PricingStaleReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "creditrail",
			Name:      "pricing_stale_reads_total",
			Help:      "Pricing resolutions served from a stale price.",
		}),
		SchedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditrail",
			Name:      "scheduler_job_runs_total",
			Help:      "Background job runs by job name and outcome.",
		}, []string{"job", "outcome"}),
		SchedulerSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "creditrail",
			Name:      "scheduler_job_seconds",
			Help:      "Background job run duration by job name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}
}
