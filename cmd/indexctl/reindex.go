package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emergent-company/catalog-sync/domain/reindex"
)

func newReindexCommand(g *globalFlags) *cobra.Command {
	var params reindex.RunParams

	cmd := &cobra.Command{
		Use:   "reindex <collection>",
		Short: "Rebuild the search index of one collection by keyset paging",
		Long: `Pages through the collection in (timestamp, id) order and bulk-writes
every row. The cursor is checkpointed after each page; --resume continues a
paused or cancelled run. Interrupting the command cancels the run and keeps
its checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(g, func(ctx context.Context, a *app, args []string) error {
			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			params.Collection = args[0]

			res, runErr := p.coord.Run(ctx, params)
			if err := printJSON(out, res); err != nil {
				return err
			}
			if errors.Is(runErr, context.Canceled) {
				fmt.Fprintln(out, "cancelled; rerun with --resume to continue")
				return nil
			}
			return runErr
		}),
	}
	cmd.Flags().IntVar(&params.PageSize, "page-size", 0, "rows per page (default: REINDEX_PAGE_SIZE)")
	cmd.Flags().Int64Var(&params.MinTimestamp, "min-timestamp", 0, "skip rows older than this epoch-millis timestamp")
	cmd.Flags().BoolVar(&params.Resume, "resume", false, "continue from the stored checkpoint")

	status := &cobra.Command{
		Use:   "status <collection>",
		Short: "Print the stored checkpoint of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(g, func(ctx context.Context, a *app, args []string) error {
			cp, err := reindex.NewPGCursorStore(a.db).Load(ctx, args[0])
			if err != nil {
				return err
			}
			if cp == nil {
				return fmt.Errorf("no checkpoint for collection %q", args[0])
			}
			return printJSON(out, cp)
		}),
	}
	cmd.AddCommand(status)
	return cmd
}
