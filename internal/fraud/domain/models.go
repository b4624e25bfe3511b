// Package domain contains fraud detections raised around coupon
// redemption.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	DetectVelocityAbuse  = "velocity_abuse"
	DetectIPSwitching    = "ip_switching"
	DetectBotPattern     = "bot_pattern"
	DetectDeviceMismatch = "device_mismatch"
	DetectStackingAbuse  = "stacking_abuse"

	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"

	ResolutionConfirmed = "confirmed"
	ResolutionDismissed = "dismissed"
)

// FraudEvent is one persisted detection awaiting review.
type FraudEvent struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	UserID snowflake.ID `gorm:"not null;index"`

	DetectionType string `gorm:"type:text;not null"`
	Severity      string `gorm:"type:text;not null;index"`

	CouponCode string            `gorm:"type:text"`
	IPHash     string            `gorm:"column:ip_address_hash;type:text"`
	DeviceHash string            `gorm:"column:device_fingerprint_hash;type:text"`
	Details    datatypes.JSONMap `gorm:"type:json"`

	ReviewedAt *time.Time `gorm:""`
	ResolvedBy string     `gorm:"type:text"`
	Resolution string     `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (FraudEvent) TableName() string { return "fraud_events" }

// severityRank orders severities for aggregation.
func severityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b string) string {
	if severityRank(b) > severityRank(a) {
		return b
	}
	return a
}

// AtLeast reports whether severity meets the given floor.
func AtLeast(severity, floor string) bool {
	return severityRank(severity) >= severityRank(floor)
}
