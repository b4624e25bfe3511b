package config

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// CreditConfig holds the hot-reloadable money and fraud knobs. The
// credit unit value is the single canonical USD-per-credit constant;
// every conversion in the system reads it from the same snapshot.
type CreditConfig struct {
	CreditUnitValueUsd decimal.Decimal

	VelocityMaxRedemptions int
	VelocityWindow         time.Duration
	IPSwitchMaxAddresses   int
	IPSwitchWindow         time.Duration
	StackingMaxPerCycle    int

	BotSignatures       []string
	BlockedFingerprints []string
}

func DefaultCreditConfig() CreditConfig {
	return CreditConfig{
		CreditUnitValueUsd: decimal.NewFromFloat(0.01),

		VelocityMaxRedemptions: 3,
		VelocityWindow:         time.Hour,
		IPSwitchMaxAddresses:   2,
		IPSwitchWindow:         10 * time.Minute,
		StackingMaxPerCycle:    1,

		BotSignatures: []string{"bot", "curl", "python-requests", "headlesschrome"},
	}
}

// CreditConfigHolder publishes an immutable CreditConfig snapshot.
// Concurrent requests during a reload each see one consistent value.
type CreditConfigHolder struct {
	current atomic.Value // holds CreditConfig
	version atomic.Int64
}

func NewCreditConfigHolder() (*CreditConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("credit")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/creditrail")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &CreditConfigHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.store(DefaultCreditConfig())
		return holder, nil
	}

	holder.store(parseCreditConfig(v))

	v.OnConfigChange(func(fsnotify.Event) {
		holder.store(parseCreditConfig(v))
	})
	v.WatchConfig()

	return holder, nil
}

// NewStaticCreditConfigHolder wraps a fixed config with no file watch.
func NewStaticCreditConfigHolder(cfg CreditConfig) *CreditConfigHolder {
	holder := &CreditConfigHolder{}
	holder.store(cfg)
	return holder
}

// Snapshot returns the current immutable config and its version.
func (h *CreditConfigHolder) Snapshot() (CreditConfig, int64) {
	return h.current.Load().(CreditConfig), h.version.Load()
}

func (h *CreditConfigHolder) store(cfg CreditConfig) {
	h.current.Store(cfg)
	h.version.Add(1)
}

func parseCreditConfig(v *viper.Viper) CreditConfig {
	cfg := DefaultCreditConfig()

	if raw := strings.TrimSpace(v.GetString("credit_unit_value_usd")); raw != "" {
		if parsed, err := decimal.NewFromString(raw); err == nil && parsed.IsPositive() {
			cfg.CreditUnitValueUsd = parsed
		}
	}
	if n := v.GetInt("fraud.velocity_max_redemptions"); n > 0 {
		cfg.VelocityMaxRedemptions = n
	}
	if d := v.GetDuration("fraud.velocity_window"); d > 0 {
		cfg.VelocityWindow = d
	}
	if n := v.GetInt("fraud.ip_switch_max_addresses"); n > 0 {
		cfg.IPSwitchMaxAddresses = n
	}
	if d := v.GetDuration("fraud.ip_switch_window"); d > 0 {
		cfg.IPSwitchWindow = d
	}
	if n := v.GetInt("fraud.stacking_max_per_cycle"); n > 0 {
		cfg.StackingMaxPerCycle = n
	}
	if v.IsSet("fraud.bot_signatures") {
		cfg.BotSignatures = v.GetStringSlice("fraud.bot_signatures")
	}
	if v.IsSet("fraud.blocked_fingerprints") {
		cfg.BlockedFingerprints = v.GetStringSlice("fraud.blocked_fingerprints")
	}

	return cfg
}
