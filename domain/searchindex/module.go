package searchindex

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/catalog-sync/internal/config"
)

// Module provides the throttled Postgres search engine as Engine.
var Module = fx.Module("searchindex",
	fx.Provide(
		NewPostgresEngine,
		provideEngine,
	),
)

func provideEngine(pg *PostgresEngine, cfg *config.Config, log *slog.Logger) Engine {
	log.Info("search engine ready",
		slog.String("default_index", cfg.SearchEngine.DefaultIndex),
		slog.Float64("rps", cfg.SearchEngine.RPS),
	)
	return NewThrottledEngine(pg, cfg.SearchEngine.RPS, cfg.SearchEngine.Burst)
}

