package scheduler

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/reindex"
	"github.com/emergent-company/catalog-sync/domain/retryqueue"
	"github.com/emergent-company/catalog-sync/domain/searchindex"
	"github.com/emergent-company/catalog-sync/domain/vectorindex"
	"github.com/emergent-company/catalog-sync/internal/config"
)

// Module provides scheduled task functionality
var Module = fx.Module("scheduler",
	fx.Provide(
		NewConfig,
		NewScheduler,
	),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams contains dependencies for creating scheduled tasks
type TaskParams struct {
	fx.In
	Scheduler   *Scheduler
	Processor   *retryqueue.Processor
	Coordinator *reindex.Coordinator
	Engine      searchindex.Engine
	Catalog     *catalog.Repository
	Vectors     *vectorindex.Service
	AppCfg      *config.Config
	Cfg         *Config
	Log         *slog.Logger
}

// RegisterTasks registers all scheduled tasks
func RegisterTasks(p TaskParams) error {
	if !p.Cfg.Enabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return nil
	}

	if p.AppCfg.RetryQueue.Enabled {
		sweep := NewRetrySweepTask(p.Processor, p.Log)
		if err := p.Scheduler.AddTask("retry_sweep",
			p.Cfg.RetrySweepSchedule, p.Cfg.RetrySweepInterval, sweep.Run); err != nil {
			return err
		}

		stale := NewStaleRecoveryTask(p.Processor, p.Log)
		if err := p.Scheduler.AddTask("retry_stale_recovery",
			p.Cfg.StaleRecoverySchedule, p.Cfg.StaleRecoveryInterval, stale.Run); err != nil {
			return err
		}
	}

	repair := NewEmbeddingRepairTask(p.Engine, p.Catalog, p.Vectors,
		p.Vectors.Registry().VectorTypes(), p.AppCfg.SearchEngine.DefaultIndex,
		p.Cfg.EmbeddingRepairBatch, p.Log)
	if err := p.Scheduler.AddTask("embedding_repair",
		p.Cfg.EmbeddingRepairSchedule, p.Cfg.EmbeddingRepairInterval, repair.Run); err != nil {
		return err
	}

	if p.Cfg.ReindexSchedule != "" && len(p.Cfg.ReindexCollections) > 0 {
		task := NewReindexTask(p.Coordinator, p.Cfg.ReindexCollections, p.Log)
		if err := p.Scheduler.AddTask("reindex", p.Cfg.ReindexSchedule, 0, task.Run); err != nil {
			return err
		}
	}

	p.Log.Info("registered scheduled tasks",
		slog.Any("tasks", p.Scheduler.ListTasks()))

	return nil
}

// RegisterSchedulerLifecycle registers the scheduler with fx lifecycle
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler, cfg *Config) {
	if !cfg.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return scheduler.Stop(ctx)
		},
	})
}
