// Package database opens the shared pgx pool and the bun handle layered on
// it. Repositories take bun.IDB; health checks and the monitor read the pool.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"

	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/pkg/logger"
	"github.com/emergent-company/catalog-sync/pkg/syshealth"
	"github.com/emergent-company/catalog-sync/pkg/tracing"
)

var Module = fx.Module("database",
	fx.Provide(
		NewPgxPool,
		NewBunDB,
		fx.Annotate(
			func(db *bun.DB) bun.IDB { return db },
			fx.As(new(bun.IDB)),
		),
	),
)

const (
	applicationName    = "catalog-sync"
	connectTimeout     = 10 * time.Second
	slowQueryThreshold = 3 * time.Second
)

// PoolConfig translates the DB settings into a pgxpool config.
func PoolConfig(dc config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(dc.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pc.MaxConns = int32(max(dc.MaxOpenConns, 1))
	pc.MinConns = int32(min(max(dc.MaxIdleConns, 0), dc.MaxOpenConns))
	pc.MaxConnIdleTime = dc.MaxIdleTime
	pc.HealthCheckPeriod = time.Minute
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	return pc, nil
}

// NewPgxPool connects the pool and fails startup when the database is
// unreachable.
func NewPgxPool(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	log = log.With(logger.Scope("database"))

	pc, err := PoolConfig(cfg.Database)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("database pool ready",
		slog.String("host", cfg.Database.Host),
		slog.String("database", cfg.Database.Database),
		slog.Int("max_conns", int(pc.MaxConns)),
	)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

// NewBunDB wraps the pool in bun. Closing the pool is left to NewPgxPool.
func NewBunDB(pool *pgxpool.Pool, cfg *config.Config, log *slog.Logger) *bun.DB {
	db := bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())
	db.AddQueryHook(NewQueryHook(log, cfg.Database.QueryDebug))
	return db
}

// QueryHook times every query into syshealth.DBQueryDuration and logs
// failures and slow statements. DB_QUERY_DEBUG logs the rest at debug.
type QueryHook struct {
	log   *slog.Logger
	debug bool
}

// NewQueryHook creates a query hook; the CLI installs it on its own handle.
func NewQueryHook(log *slog.Logger, debug bool) *QueryHook {
	return &QueryHook{log: log.With(logger.Scope("bun")), debug: debug}
}

func (h *QueryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *QueryHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	took := time.Since(event.StartTime)
	op := strings.ToLower(event.Operation())

	failed := event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows)
	result := "ok"
	if failed {
		result = "error"
	}
	syshealth.DBQueryDuration.WithLabelValues(op, result).Observe(took.Seconds())

	switch {
	case failed:
		h.log.Error("query failed",
			slog.String("query", event.Query),
			slog.Duration("took", took),
			logger.Error(event.Err),
		)
	case took > slowQueryThreshold:
		h.log.Warn("slow query", slog.String("query", event.Query), slog.Duration("took", took))
	case h.debug:
		h.log.Debug("query", slog.String("query", event.Query), slog.Duration("took", took))
	}
}

// RunInTx runs fn in a transaction traced as name. fn's error rolls the
// transaction back and is returned unchanged.
func RunInTx(ctx context.Context, db bun.IDB, name string, fn func(ctx context.Context, tx bun.Tx) error) error {
	ctx, span := tracing.Start(ctx, "db.tx", attribute.String("db.tx", name))
	defer span.End()

	err := db.RunInTx(ctx, nil, fn)
	tracing.RecordError(span, err)
	return err
}
