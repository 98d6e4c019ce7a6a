package lineage

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/internal/config"
)

// Module provides the lineage service and its route.
var Module = fx.Module("lineage",
	fx.Provide(
		provideService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)

func provideService(repo *catalog.Repository, cfg *config.Config, log *slog.Logger) *Service {
	return NewService(repo, cfg.Lineage, log)
}
