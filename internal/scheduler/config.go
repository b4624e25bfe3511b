package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	AllocationBatch   int
	ReconcileBatch    int
	ReconcileInterval time.Duration
	JobTimeout        time.Duration
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		AllocationBatch:   100,
		ReconcileBatch:    50,
		ReconcileInterval: 5 * time.Minute,
		JobTimeout:        30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.AllocationBatch <= 0 {
		c.AllocationBatch = defaults.AllocationBatch
	}
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = defaults.ReconcileBatch
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaults.ReconcileInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
