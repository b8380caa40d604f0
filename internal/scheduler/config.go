package scheduler

import (
	"time"

	"github.com/smallbiznis/staykey/internal/config"
)

// Config controls scheduler intervals, batch sizes and retention windows.
type Config struct {
	RunInterval        time.Duration
	RetryBatchSize     int
	ReconcileBatchSize int
	BackfillBatchSize  int
	ExpireBatchSize    int
	PurgeBatchSize     int
	RecoveryThreshold  time.Duration
	ExpirationGrace    time.Duration
	PurgeRetention     time.Duration
	JobTimeout         time.Duration
	LockTTL            time.Duration
	// CallDelay separates consecutive records that reach the device gateway.
	CallDelay time.Duration
	// EnabledJobs limits RunOnce to the named jobs; empty enables all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:        time.Minute,
		RetryBatchSize:     25,
		ReconcileBatchSize: 25,
		BackfillBatchSize:  25,
		ExpireBatchSize:    50,
		PurgeBatchSize:     50,
		RecoveryThreshold:  15 * time.Minute,
		ExpirationGrace:    4 * time.Hour,
		PurgeRetention:     30 * 24 * time.Hour,
		JobTimeout:         2 * time.Minute,
		LockTTL:            5 * time.Minute,
		CallDelay:          300 * time.Millisecond,
	}
}

func ProvideConfig(cfg config.Config) Config {
	sc := cfg.Scheduler
	return Config{
		RunInterval:       sc.RunInterval,
		RecoveryThreshold: sc.RecoveryThreshold,
		ExpirationGrace:   sc.ExpirationGrace,
		PurgeRetention:    sc.PurgeRetention,
		LockTTL:           sc.LockTTL,
		CallDelay:         cfg.DeviceGateway.CallDelay,
		EnabledJobs:       sc.Jobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = defaults.RetryBatchSize
	}
	if c.ReconcileBatchSize <= 0 {
		c.ReconcileBatchSize = defaults.ReconcileBatchSize
	}
	if c.BackfillBatchSize <= 0 {
		c.BackfillBatchSize = defaults.BackfillBatchSize
	}
	if c.ExpireBatchSize <= 0 {
		c.ExpireBatchSize = defaults.ExpireBatchSize
	}
	if c.PurgeBatchSize <= 0 {
		c.PurgeBatchSize = defaults.PurgeBatchSize
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.ExpirationGrace <= 0 {
		c.ExpirationGrace = defaults.ExpirationGrace
	}
	if c.PurgeRetention <= 0 {
		c.PurgeRetention = defaults.PurgeRetention
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.CallDelay < 0 {
		c.CallDelay = 0
	}
	return c
}
