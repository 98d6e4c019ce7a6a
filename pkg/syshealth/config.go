package syshealth

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the collection cadence and the per-signal thresholds of the
// health monitor. Every field can be overridden with a SYSHEALTH_ variable.
type Config struct {
	CollectionInterval time.Duration `env:"SYSHEALTH_INTERVAL"`
	CollectionTimeout  time.Duration `env:"SYSHEALTH_TIMEOUT"`
	// StalenessThreshold marks samples older than this as stale.
	StalenessThreshold time.Duration `env:"SYSHEALTH_STALE_AFTER"`

	IOWaitWarningPercent  float64 `env:"SYSHEALTH_IOWAIT_WARN"`
	IOWaitCriticalPercent float64 `env:"SYSHEALTH_IOWAIT_CRIT"`
	// Load factors are multiples of the CPU count.
	CPULoadWarningFactor  float64 `env:"SYSHEALTH_LOAD_WARN"`
	CPULoadCriticalFactor float64 `env:"SYSHEALTH_LOAD_CRIT"`
	MemoryWarningPercent  float64 `env:"SYSHEALTH_MEM_WARN"`
	MemoryCriticalPercent float64 `env:"SYSHEALTH_MEM_CRIT"`
	DBPoolWarningPercent  float64 `env:"SYSHEALTH_DBPOOL_WARN"`
	DBPoolCriticalPercent float64 `env:"SYSHEALTH_DBPOOL_CRIT"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() *Config {
	return &Config{
		CollectionInterval:    30 * time.Second,
		CollectionTimeout:     5 * time.Second,
		StalenessThreshold:    2 * time.Minute,
		IOWaitWarningPercent:  30,
		IOWaitCriticalPercent: 40,
		CPULoadWarningFactor:  2,
		CPULoadCriticalFactor: 3,
		MemoryWarningPercent:  85,
		MemoryCriticalPercent: 95,
		DBPoolWarningPercent:  75,
		DBPoolCriticalPercent: 90,
	}
}

// LoadConfig applies SYSHEALTH_ overrides on top of DefaultConfig.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse syshealth config: %w", err)
	}
	if cfg.CollectionInterval <= 0 {
		return nil, fmt.Errorf("SYSHEALTH_INTERVAL must be positive, got %s", cfg.CollectionInterval)
	}
	return cfg, nil
}
