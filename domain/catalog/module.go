package catalog

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/catalog-sync/internal/config"
)

// Module provides read access to the primary catalog store.
var Module = fx.Module("catalog",
	fx.Provide(
		NewRepository,
		provideListener,
	),
)

func provideListener(cfg *config.Config, log *slog.Logger) *Listener {
	return NewListener(cfg.Database.DSN(), log)
}
