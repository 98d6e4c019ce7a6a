package reindex

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/indexer"
	"github.com/emergent-company/catalog-sync/domain/retryqueue"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/internal/storage"
)

// Module provides the reindex coordinator and its routes.
var Module = fx.Module("reindex",
	fx.Provide(
		provideCursorStore,
		provideCoordinator,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(registerLifecycle),
)

func provideCursorStore(db bun.IDB, objects *storage.Service, cfg *config.Config, log *slog.Logger) CursorStore {
	pg := NewPGCursorStore(db)
	if !cfg.Reindex.MirrorCheckpoints || !objects.Enabled() {
		return pg
	}
	return NewMirroredCursorStore(pg, objects, log)
}

func provideCoordinator(
	repo *catalog.Repository,
	x *indexer.Indexer,
	store CursorStore,
	suspensions *retryqueue.Suspensions,
	cfg *config.Config,
	log *slog.Logger,
) *Coordinator {
	return NewCoordinator(repo, x, store, suspensions, cfg.Reindex, x.DefaultIndex(), log)
}

func registerLifecycle(lc fx.Lifecycle, c *Coordinator) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return c.Stop(ctx)
		},
	})
}
