package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/internal/database"
	"github.com/emergent-company/catalog-sync/internal/version"
)

// out receives command results; logs go to stderr.
var out io.Writer = os.Stdout

type globalFlags struct {
	dsn     string
	envFile string
	debug   bool
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "indexctl",
		Short: "Operate the catalog search index",
		Long: `indexctl inspects and repairs the catalog search index: schema
migrations, the retry queue, keyset reindexing, embedding repair and
lineage queries.

Configuration comes from the same environment variables as the server.
--dsn overrides the POSTGRES_* settings.`,
		Version:       version.Info().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.dsn, "dsn", "", "PostgreSQL connection string (default: built from POSTGRES_*)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newMigrateCommand(g),
		newRetryCommand(g),
		newReindexCommand(g),
		newRepairCommand(g),
		newLineageCommand(g),
	)
	return root
}

// app is what every subcommand needs: config, a logger on stderr and a
// pgdriver-backed bun handle.
type app struct {
	cfg *config.Config
	log *slog.Logger
	db  *bun.DB
}

func openApp(ctx context.Context, g *globalFlags) (*app, error) {
	if g.envFile != "" {
		_ = godotenv.Load(g.envFile)
	}

	level := slog.LevelInfo
	if g.debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.NewConfig(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return nil, err
	}

	dsn := g.dsn
	if dsn == "" {
		dsn = cfg.Database.DSN()
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	db.AddQueryHook(database.NewQueryHook(log, g.debug))
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &app{cfg: cfg, log: log, db: db}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// withApp opens the app for the duration of one command.
func withApp(g *globalFlags, fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, g)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
