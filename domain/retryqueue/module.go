package retryqueue

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/indexer"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/pkg/syshealth"
)

// Module provides the retry queue store, its processor and routes. The store
// backs indexer.Enqueuer.
var Module = fx.Module("retryqueue",
	fx.Provide(
		provideStore,
		func(s *Store) indexer.Enqueuer { return s },
		NewSuspensions,
		provideProcessor,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(RegisterProcessorLifecycle),
)

func provideStore(db bun.IDB, log *slog.Logger) *Store {
	return NewStore(db, log)
}

func provideProcessor(
	store *Store,
	repo *catalog.Repository,
	x *indexer.Indexer,
	suspensions *Suspensions,
	monitor syshealth.Monitor,
	cfg *config.Config,
	log *slog.Logger,
) *Processor {
	rq := cfg.RetryQueue
	limiter := syshealth.NewConcurrencyScaler(monitor, "retry-queue", rq.AdaptiveScaling, 1, max(rq.Concurrency, 1))
	return NewProcessor(store, repo, x, suspensions, limiter, rq, x.DefaultIndex(), log)
}

// RegisterProcessorLifecycle runs the processor with the application.
func RegisterProcessorLifecycle(lc fx.Lifecycle, p *Processor, cfg *config.Config, log *slog.Logger) {
	if !cfg.RetryQueue.Enabled {
		log.Info("retry queue processor disabled")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return p.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			return p.Stop(ctx)
		},
	})
}
