package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/emergent-company/catalog-sync/internal/migrate"
	"github.com/emergent-company/catalog-sync/pkg/logger"
)

func newMigrateCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the catalog and search schema migrations",
	}

	migrator := func(a *app) (*migrate.Migrator, error) {
		zl, err := logger.NewZap()
		if err != nil {
			return nil, err
		}
		return migrate.NewSQLMigrator(a.db.DB, zl), nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up [version]",
			Short: "Apply pending migrations, optionally stopping at a version",
			Args:  cobra.MaximumNArgs(1),
			RunE: withApp(g, func(ctx context.Context, a *app, args []string) error {
				m, err := migrator(a)
				if err != nil {
					return err
				}
				if len(args) == 0 {
					return m.Up(ctx)
				}
				v, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("version must be an integer: %w", err)
				}
				return m.UpTo(ctx, v)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: withApp(g, func(ctx context.Context, a *app, _ []string) error {
				m, err := migrator(a)
				if err != nil {
					return err
				}
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: withApp(g, func(ctx context.Context, a *app, _ []string) error {
				m, err := migrator(a)
				if err != nil {
					return err
				}
				return m.Status(ctx)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: withApp(g, func(ctx context.Context, a *app, _ []string) error {
				m, err := migrator(a)
				if err != nil {
					return err
				}
				v, err := m.Version(ctx)
				if err != nil {
					return err
				}
				fmt.Println(v)
				return nil
			}),
		},
	)
	return cmd
}
