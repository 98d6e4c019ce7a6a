// Package testutil starts a disposable PostgreSQL for integration tests.
// Build-tagged tests call SetupTestDB; the container is shared by every test
// of a package and each test gets its own database cloned from a migrated
// template.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"go.uber.org/zap"

	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/internal/database"
	"github.com/emergent-company/catalog-sync/internal/migrate"
)

const (
	postgresImage  = "pgvector/pgvector:pg17"
	templateDBName = "catalog_sync_template"
)

var (
	containerOnce sync.Once
	containerCfg  config.DatabaseConfig
	containerErr  error
)

// TestDB holds test database resources
type TestDB struct {
	Config  *config.Config
	Pool    *pgxpool.Pool
	DB      *bun.DB
	Name    string
	cleanup func()

	tx    bun.Tx
	hasTx bool
}

// Close releases test database resources
func (t *TestDB) Close() {
	if t.cleanup != nil {
		t.cleanup()
	}
}

// GetDB returns the open test transaction if there is one, else the database.
func (t *TestDB) GetDB() bun.IDB {
	if t.hasTx {
		return t.tx
	}
	return t.DB
}

// BeginTestTx starts a transaction that RollbackTestTx discards.
func (t *TestDB) BeginTestTx(ctx context.Context) error {
	if t.hasTx {
		return fmt.Errorf("transaction already started")
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	t.tx = tx
	t.hasTx = true
	return nil
}

// RollbackTestTx rolls back the current transaction.
func (t *TestDB) RollbackTestTx() error {
	if !t.hasTx {
		return nil
	}
	err := t.tx.Rollback()
	t.hasTx = false
	return err
}

// startContainer runs PostgreSQL with pgvector and migrates the template
// database. The container lives until the test binary exits; the ryuk reaper
// removes it.
func startContainer(ctx context.Context) (config.DatabaseConfig, error) {
	pg, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("postgres"),
		postgres.WithUsername("catalog"),
		postgres.WithPassword("catalog"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("connection string: %w", err)
	}
	u, err := url.Parse(connStr)
	if err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("parse connection string: %w", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("parse port: %w", err)
	}
	password, _ := u.User.Password()

	cfg := config.DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		Database: "postgres",
		SSLMode:  "disable",
	}
	if err := createTemplate(ctx, cfg); err != nil {
		return config.DatabaseConfig{}, err
	}
	return cfg, nil
}

func createTemplate(ctx context.Context, cfg config.DatabaseConfig) error {
	admin, err := createPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer admin.Close()

	if _, err := admin.Exec(ctx, "CREATE DATABASE "+templateDBName); err != nil {
		return fmt.Errorf("create template db: %w", err)
	}

	cfg.Database = templateDBName
	pool, err := createPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to template db: %w", err)
	}
	defer pool.Close()

	sqldb := stdlib.OpenDBFromPool(pool)
	defer sqldb.Close()
	if err := migrate.NewSQLMigrator(sqldb, zap.NewNop()).Up(ctx); err != nil {
		return fmt.Errorf("migrate template db: %w", err)
	}
	return nil
}

// SetupTestDB creates an isolated, migrated database named after suffix.
// The database is dropped by Close.
func SetupTestDB(ctx context.Context, suffix string) (*TestDB, error) {
	containerOnce.Do(func() {
		containerCfg, containerErr = startContainer(ctx)
	})
	if containerErr != nil {
		return nil, containerErr
	}

	name := fmt.Sprintf("test_%s_%d", strings.ToLower(suffix), time.Now().UnixNano())

	admin, err := createPool(ctx, containerCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s", name, templateDBName))
	admin.Close()
	if err != nil {
		return nil, fmt.Errorf("create test db from template: %w", err)
	}

	dbCfg := containerCfg
	dbCfg.Database = name
	pool, err := createPool(ctx, dbCfg)
	if err != nil {
		dropTestDB(ctx, name)
		return nil, fmt.Errorf("connect to test db: %w", err)
	}

	bunDB := bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())
	cfg := &config.Config{Database: dbCfg}

	return &TestDB{
		Config: cfg,
		Pool:   pool,
		DB:     bunDB,
		Name:   name,
		cleanup: func() {
			_ = bunDB.Close()
			pool.Close()
			dropTestDB(context.Background(), name)
		},
	}, nil
}

func createPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := database.PoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = 5
	return pgxpool.NewWithConfig(ctx, poolConfig)
}

func dropTestDB(ctx context.Context, name string) {
	pool, err := createPool(ctx, containerCfg)
	if err != nil {
		return
	}
	defer pool.Close()
	_, _ = pool.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", name))
}

// TruncateTables empties the catalog and search schemas.
func TruncateTables(ctx context.Context, db bun.IDB) error {
	var tables []string
	err := db.NewRaw(`
		SELECT schemaname || '.' || tablename
		FROM pg_tables
		WHERE schemaname IN ('catalog', 'search')`).Scan(ctx, &tables)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	if len(tables) == 0 {
		return nil
	}
	if _, err := db.NewRaw("TRUNCATE TABLE " + strings.Join(tables, ", ") + " CASCADE").Exec(ctx); err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}

// Logger returns a logger that drops everything.
func Logger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
