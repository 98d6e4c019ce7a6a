package scheduler

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds scheduler configuration. Intervals are in milliseconds, and a
// cron schedule, when set, replaces the interval of its task. Cron specs take
// an optional leading seconds field.
type Config struct {
	Enabled     bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	TaskTimeout time.Duration `env:"SCHEDULER_TASK_TIMEOUT_MS" envDefault:"1800000"`

	// in addition to the processor's own polling
	RetrySweepInterval time.Duration `env:"RETRY_SWEEP_INTERVAL_MS" envDefault:"60000"`
	RetrySweepSchedule string        `env:"RETRY_SWEEP_SCHEDULE"`

	// PROCESSING rows abandoned by a crashed worker go back to PENDING
	StaleRecoveryInterval time.Duration `env:"RETRY_STALE_RECOVERY_INTERVAL_MS" envDefault:"300000"`
	StaleRecoverySchedule string        `env:"RETRY_STALE_RECOVERY_SCHEDULE"`

	EmbeddingRepairInterval time.Duration `env:"EMBEDDING_REPAIR_INTERVAL_MS" envDefault:"900000"`
	EmbeddingRepairSchedule string        `env:"EMBEDDING_REPAIR_SCHEDULE"`
	EmbeddingRepairBatch    int           `env:"EMBEDDING_REPAIR_BATCH_SIZE" envDefault:"200"`

	// Nothing is reindexed on a schedule unless both are set.
	ReindexCollections []string `env:"REINDEX_COLLECTIONS" envSeparator:","`
	ReindexSchedule    string   `env:"REINDEX_SCHEDULE"`
}

// NewConfig reads the scheduler settings from the environment.
func NewConfig() (*Config, error) {
	var cfg Config
	err := env.ParseWithOptions(&cfg, env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): parseMillis,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("parse scheduler config: %w", err)
	}
	cfg.ReindexCollections = compact(cfg.ReindexCollections)
	return &cfg, nil
}

// parseMillis keeps the *_MS variables in whole milliseconds.
func parseMillis(v string) (any, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("want milliseconds, got %q", v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func compact(items []string) []string {
	var out []string
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
