package health

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"

	"github.com/emergent-company/catalog-sync/domain/retryqueue"
	"github.com/emergent-company/catalog-sync/domain/scheduler"
	"github.com/emergent-company/catalog-sync/internal/config"
)

var Module = fx.Module("health",
	fx.Provide(
		provideHandler,
		provideMetricsHandler,
	),
	fx.Invoke(RegisterRoutes),
)

func provideHandler(pool *pgxpool.Pool, store *retryqueue.Store, cfg *config.Config) *Handler {
	return NewHandler(pool, store, cfg)
}

func provideMetricsHandler(store *retryqueue.Store, p *retryqueue.Processor, s *scheduler.Scheduler) *MetricsHandler {
	return NewMetricsHandler(store, p, s)
}
