package scheduler

import (
	"time"

	"github.com/smallbiznis/evvbridge/internal/config"
)

// Config controls the retry worker.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	LockTTL     time.Duration
	JobTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
		LockTTL:     5 * time.Minute,
		JobTimeout:  4 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Retry.Interval,
		BatchSize:   cfg.Retry.BatchSize,
		LockTTL:     cfg.Retry.LockTTL,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.JobTimeout <= 0 || c.JobTimeout > c.LockTTL {
		c.JobTimeout = c.LockTTL - c.LockTTL/5
	}
	return c
}
