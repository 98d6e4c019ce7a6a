// Package main runs the catalog search-index synchronization service: the
// retry queue processor, keyset reindexing, lineage queries and their
// operator endpoints.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/health"
	"github.com/emergent-company/catalog-sync/domain/indexer"
	"github.com/emergent-company/catalog-sync/domain/lineage"
	"github.com/emergent-company/catalog-sync/domain/reindex"
	"github.com/emergent-company/catalog-sync/domain/retryqueue"
	"github.com/emergent-company/catalog-sync/domain/scheduler"
	"github.com/emergent-company/catalog-sync/domain/searchindex"
	"github.com/emergent-company/catalog-sync/domain/vectorindex"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/internal/database"
	"github.com/emergent-company/catalog-sync/internal/migrate"
	"github.com/emergent-company/catalog-sync/internal/server"
	"github.com/emergent-company/catalog-sync/internal/storage"
	"github.com/emergent-company/catalog-sync/pkg/embeddings"
	"github.com/emergent-company/catalog-sync/pkg/logger"
	"github.com/emergent-company/catalog-sync/pkg/syshealth"
	"github.com/emergent-company/catalog-sync/pkg/tracing"
)

func main() {
	// .env.local wins over .env and the process environment
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure
		logger.Module,
		config.Module,
		database.Module,
		migrate.Module,
		server.Module,
		storage.Module,
		tracing.Module,
		syshealth.Module,

		// Embedding provider for vector fields
		embeddings.Module,

		// Index pipeline, bottom-up
		catalog.Module,
		searchindex.Module,
		vectorindex.Module,
		indexer.Module,
		retryqueue.Module,
		reindex.Module,

		// Query and operator surfaces
		lineage.Module,
		scheduler.Module,
		health.Module,
	).Run()
}
