package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval   time.Duration
	BatchSize     int
	JobTimeout    time.Duration
	LeaderLockTTL time.Duration
	// EnabledJobs limits the sweep to the named jobs; empty means all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:   time.Minute,
		BatchSize:     50,
		JobTimeout:    30 * time.Second,
		LeaderLockTTL: 2 * time.Minute,
	}
}

func ProvideConfig() Config {
	return DefaultConfig()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LeaderLockTTL <= 0 {
		c.LeaderLockTTL = defaults.LeaderLockTTL
	}
	return c
}
