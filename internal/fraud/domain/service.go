package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var ErrEventNotFound = errors.New("fraud_event_not_found")

// Signals is everything known about one redemption attempt. IP and
// device values arrive already hashed; raw identifiers never cross
// the service boundary.
type Signals struct {
	UserID     snowflake.ID
	CouponCode string
	IPHash     string
	UserAgent  string
	DeviceHash string
}

// HashFingerprint hashes a raw IP address or device fingerprint at
// the edge. Empty input stays empty so absent signals do not collide
// on the hash of "".
func HashFingerprint(raw string) string {
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Detection is one rule that fired.
type Detection struct {
	Type     string         `json:"type"`
	Severity string         `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// Assessment aggregates all detections for one attempt.
type Assessment struct {
	Severity   string      `json:"severity"`
	Detections []Detection `json:"detections"`
}

// Suspicious reports whether the attempt should be blocked.
func (a Assessment) Suspicious() bool {
	return AtLeast(a.Severity, SeverityHigh)
}

type Service interface {
	// Score evaluates the signals without side effects.
	Score(ctx context.Context, signals Signals) (*Assessment, error)
	// Flagged reports whether a prior event on the user and coupon
	// pair is confirmed, or unresolved at blocking severity.
	Flagged(ctx context.Context, userID snowflake.ID, couponCode string) (bool, error)
	// Record persists an assessment's detections. It never blocks the
	// caller; persistence failures are logged, not returned.
	Record(ctx context.Context, signals Signals, assessment *Assessment)
	// Review resolves a persisted event, recording the reviewer.
	Review(ctx context.Context, eventID snowflake.ID, resolvedBy, resolution string) (*FraudEvent, error)
	// ListOpen returns unreviewed events, most severe first.
	ListOpen(ctx context.Context, limit int) ([]*FraudEvent, error)
}
