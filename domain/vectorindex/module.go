package vectorindex

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/catalog-sync/domain/searchindex"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/pkg/embeddings"
)

// Module provides the vector index service and its search route.
var Module = fx.Module("vectorindex",
	fx.Provide(
		provideRegistry,
		provideService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)

func provideRegistry(cfg *config.Config, log *slog.Logger) (*Registry, error) {
	r, err := LoadRegistry(cfg.Vector.CapabilitiesFile)
	if err != nil {
		return nil, err
	}
	log.Info("vector capabilities loaded",
		slog.String("file", cfg.Vector.CapabilitiesFile),
		slog.Int("vector_types", len(r.VectorTypes())),
	)
	return r, nil
}

func provideService(
	registry *Registry,
	engine searchindex.Engine,
	emb *embeddings.Service,
	cfg *config.Config,
	log *slog.Logger,
) *Service {
	return NewService(registry, engine, emb, cfg.Vector, cfg.SearchEngine.DefaultIndex, log)
}
