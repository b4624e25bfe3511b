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
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/config"
	coupondomain "github.com/creditrail/creditrail/internal/coupon/domain"
	"github.com/creditrail/creditrail/internal/fraud/domain"
	"github.com/creditrail/creditrail/internal/observability/metrics"
	"github.com/creditrail/creditrail/internal/ratelimit"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Credit  *config.CreditConfigHolder
	Window  *ratelimit.SlidingWindow `optional:"true"`
	Metrics *metrics.Metrics         `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	credit  *config.CreditConfigHolder
	window  *ratelimit.SlidingWindow
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("fraud.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		credit:  p.Credit,
		window:  p.Window,
		metrics: p.Metrics,
	}
}

func (s *Service) Score(ctx context.Context, signals domain.Signals) (*domain.Assessment, error) {
	cfg, _ := s.credit.Snapshot()
	now := s.clock.Now()

	var detections []domain.Detection

	velocity, err := s.checkVelocity(ctx, signals, cfg, now)
	if err != nil {
		return nil, err
	}
	if velocity != nil {
		detections = append(detections, *velocity)
	}

	ipSwitch, err := s.checkIPSwitching(ctx, signals, cfg, now)
	if err != nil {
		return nil, err
	}
	if ipSwitch != nil {
		detections = append(detections, *ipSwitch)
	}

	if bot := checkBotPattern(signals, cfg); bot != nil {
		detections = append(detections, *bot)
	}

	mismatch, err := s.checkDeviceMismatch(ctx, signals, cfg, now)
	if err != nil {
		return nil, err
	}
	if mismatch != nil {
		detections = append(detections, *mismatch)
	}

	stacking, err := s.checkStacking(ctx, signals, cfg)
	if err != nil {
		return nil, err
	}
	if stacking != nil {
		detections = append(detections, *stacking)
	}

	assessment := &domain.Assessment{Detections: detections}
	for _, d := range detections {
		assessment.Severity = domain.MaxSeverity(assessment.Severity, d.Severity)
	}
	// Velocity combined with IP hopping is the strongest bulk-abuse
	// signal and always escalates.
	if velocity != nil && ipSwitch != nil {
		assessment.Severity = domain.SeverityCritical
	}
	return assessment, nil
}

func (s *Service) checkVelocity(ctx context.Context, signals domain.Signals, cfg config.CreditConfig, now time.Time) (*domain.Detection, error) {
	var recent []coupondomain.CouponRedemption
	err := s.db.WithContext(ctx).
		Select("code").
		Where("user_id = ? AND created_at >= ?", signals.UserID, now.Add(-cfg.VelocityWindow)).
		Find(&recent).Error
	if err != nil {
		return nil, err
	}

	attempts := len(recent) + 1

	// The redis counter sees attempts, not just successful redemptions,
	// so it catches hammering that never commits rows.
	if s.window != nil {
		key := fmt.Sprintf("fraud:velocity:%s", signals.UserID)
		member := fmt.Sprintf("%d", now.UnixNano())
		if n, err := s.window.Observe(ctx, key, member, cfg.VelocityWindow); err == nil && int(n) > attempts {
			attempts = int(n)
		}
	}

	if attempts <= cfg.VelocityMaxRedemptions {
		return nil, nil
	}

	sameCode := 0
	for _, r := range recent {
		if r.Code == signals.CouponCode {
			sameCode++
		}
	}

	// Hammering one code looks like a leaked or farmed coupon; spread
	// across distinct codes it is weaker evidence on its own.
	severity := domain.SeverityMedium
	if sameCode+1 > cfg.VelocityMaxRedemptions {
		severity = domain.SeverityHigh
	}

	return &domain.Detection{
		Type:     domain.DetectVelocityAbuse,
		Severity: severity,
		Details: map[string]any{
			"attempts":    attempts,
			"same_code":   sameCode + 1,
			"window_secs": int(cfg.VelocityWindow.Seconds()),
		},
	}, nil
}

func (s *Service) checkIPSwitching(ctx context.Context, signals domain.Signals, cfg config.CreditConfig, now time.Time) (*domain.Detection, error) {
	if signals.IPHash == "" {
		return nil, nil
	}

	var ips []string
	err := s.db.WithContext(ctx).
		Model(&coupondomain.CouponRedemption{}).
		Distinct("ip_address_hash").
		Where("user_id = ? AND created_at >= ? AND ip_address_hash <> ''", signals.UserID, now.Add(-cfg.IPSwitchWindow)).
		Pluck("ip_address_hash", &ips).Error
	if err != nil {
		return nil, err
	}

	seen := false
	for _, ip := range ips {
		if ip == signals.IPHash {
			seen = true
			break
		}
	}
	total := len(ips)
	if !seen {
		total++
	}
	if total <= cfg.IPSwitchMaxAddresses {
		return nil, nil
	}

	return &domain.Detection{
		Type:     domain.DetectIPSwitching,
		Severity: domain.SeverityHigh,
		Details: map[string]any{
			"distinct_ips": total,
			"window_secs":  int(cfg.IPSwitchWindow.Seconds()),
		},
	}, nil
}

func checkBotPattern(signals domain.Signals, cfg config.CreditConfig) *domain.Detection {
	ua := strings.ToLower(signals.UserAgent)
	if ua == "" {
		return nil
	}
	for _, sig := range cfg.BotSignatures {
		if sig != "" && strings.Contains(ua, strings.ToLower(sig)) {
			return &domain.Detection{
				Type:     domain.DetectBotPattern,
				Severity: domain.SeverityHigh,
				Details:  map[string]any{"signature": sig},
			}
		}
	}
	return nil
}

// checkDeviceMismatch compares the submitted fingerprint against the
// devices on file from the user's prior applied redemptions. A first
// redemption establishes the device; it never fires.
func (s *Service) checkDeviceMismatch(ctx context.Context, signals domain.Signals, cfg config.CreditConfig, now time.Time) (*domain.Detection, error) {
	if signals.DeviceHash == "" {
		return nil, nil
	}

	var known []string
	err := s.db.WithContext(ctx).
		Model(&coupondomain.CouponRedemption{}).
		Distinct("device_fingerprint_hash").
		Where("user_id = ? AND status = ? AND device_fingerprint_hash <> ''",
			signals.UserID, coupondomain.RedemptionApplied).
		Pluck("device_fingerprint_hash", &known).Error
	if err != nil {
		return nil, err
	}
	if len(known) == 0 {
		return nil, nil
	}
	for _, device := range known {
		if device == signals.DeviceHash {
			return nil, nil
		}
	}

	return &domain.Detection{
		Type:     domain.DetectDeviceMismatch,
		Severity: domain.SeverityHigh,
		Details:  map[string]any{"known_devices": len(known)},
	}, nil
}

func (s *Service) checkStacking(ctx context.Context, signals domain.Signals, cfg config.CreditConfig) (*domain.Detection, error) {
	var periodStart time.Time
	err := s.db.WithContext(ctx).
		Table("credit_balances").
		Select("period_start").
		Where("user_id = ?", signals.UserID).
		Scan(&periodStart).Error
	if err != nil || periodStart.IsZero() {
		return nil, err
	}

	var inCycle int64
	err = s.db.WithContext(ctx).
		Model(&coupondomain.CouponRedemption{}).
		Where("user_id = ? AND billing_period_start = ? AND status = ?",
			signals.UserID, periodStart, coupondomain.RedemptionApplied).
		Count(&inCycle).Error
	if err != nil {
		return nil, err
	}
	if int(inCycle) < cfg.StackingMaxPerCycle {
		return nil, nil
	}

	return &domain.Detection{
		Type:     domain.DetectStackingAbuse,
		Severity: domain.SeverityMedium,
		Details: map[string]any{
			"redeemed_this_cycle": inCycle,
			"max_per_cycle":       cfg.StackingMaxPerCycle,
		},
	}, nil
}

// Record persists detections off the request path. The redemption
// decision was already made from the assessment; losing an audit row to
// a database hiccup must not fail the user's request.
func (s *Service) Record(ctx context.Context, signals domain.Signals, assessment *domain.Assessment) {
	if assessment == nil || len(assessment.Detections) == 0 {
		return
	}
	go func() {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.persist(persistCtx, signals, assessment)
	}()
}

func (s *Service) persist(ctx context.Context, signals domain.Signals, assessment *domain.Assessment) {
	now := s.clock.Now()
	for _, d := range assessment.Detections {
		event := &domain.FraudEvent{
			ID:            s.genID.Generate(),
			UserID:        signals.UserID,
			DetectionType: d.Type,
			Severity:      d.Severity,
			CouponCode:    signals.CouponCode,
			IPHash:        signals.IPHash,
			DeviceHash:    signals.DeviceHash,
			Details:       datatypes.JSONMap(d.Details),
			CreatedAt:     now,
		}
		if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
			s.log.Error("fraud event write failed",
				zap.String("user_id", signals.UserID.String()),
				zap.String("detection_type", d.Type),
				zap.Error(err),
			)
			continue
		}
		if s.metrics != nil {
			s.metrics.FraudEvents.WithLabelValues(d.Type, d.Severity).Inc()
		}
	}
}

// Flagged reports a standing fraud flag on the user and coupon pair:
// a confirmed event, or one still awaiting review at a severity that
// blocks on its own.
func (s *Service) Flagged(ctx context.Context, userID snowflake.ID, couponCode string) (bool, error) {
	if couponCode == "" {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.FraudEvent{}).
		Where("user_id = ? AND coupon_code = ?", userID, couponCode).
		Where("resolution = ? OR (reviewed_at IS NULL AND severity IN ?)",
			domain.ResolutionConfirmed,
			[]string{domain.SeverityHigh, domain.SeverityCritical}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Review resolves one persisted event.
func (s *Service) Review(ctx context.Context, eventID snowflake.ID, resolvedBy, resolution string) (*domain.FraudEvent, error) {
	if resolution != domain.ResolutionConfirmed && resolution != domain.ResolutionDismissed {
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}
	if strings.TrimSpace(resolvedBy) == "" {
		return nil, fmt.Errorf("missing reviewer")
	}

	var event domain.FraudEvent
	err := s.db.WithContext(ctx).Where("id = ?", eventID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrEventNotFound
		}
		return nil, err
	}

	now := s.clock.Now()
	event.ReviewedAt = &now
	event.ResolvedBy = resolvedBy
	event.Resolution = resolution
	err = s.db.WithContext(ctx).Model(&domain.FraudEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]any{"reviewed_at": now, "resolved_by": resolvedBy, "resolution": resolution}).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *Service) ListOpen(ctx context.Context, limit int) ([]*domain.FraudEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []*domain.FraudEvent
	err := s.db.WithContext(ctx).
		Where("reviewed_at IS NULL").
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	// Most severe first, newest within each band.
	sortBySeverity(events)
	return events, nil
}

func sortBySeverity(events []*domain.FraudEvent) {
	rank := map[string]int{
		domain.SeverityCritical: 4,
		domain.SeverityHigh:     3,
		domain.SeverityMedium:   2,
		domain.SeverityLow:      1,
	}
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && rank[events[j].Severity] > rank[events[j-1].Severity]; j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}
