package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emergent-company/catalog-sync/domain/retryqueue"
	"github.com/emergent-company/catalog-sync/domain/scheduler"
)

func newRetryCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect and process the search index retry queue",
	}

	var (
		status string
		limit  int
		drain  bool
		all    bool
	)

	list := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		Args:  cobra.NoArgs,
		RunE: withApp(g, func(ctx context.Context, a *app, _ []string) error {
			st, err := parseStatus(status)
			if err != nil {
				return err
			}
			entries, err := retryqueue.NewStore(a.db, a.log).List(ctx, st, limit)
			if err != nil {
				return err
			}
			return printJSON(out, entries)
		}),
	}
	list.Flags().StringVar(&status, "status", "", "PENDING, PROCESSING or FAILED_PERMANENT (default: all)")
	list.Flags().IntVar(&limit, "limit", 100, "maximum entries to print")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count entries per status",
		Args:  cobra.NoArgs,
		RunE: withApp(g, func(ctx context.Context, a *app, _ []string) error {
			st, err := retryqueue.NewStore(a.db, a.log).Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, st)
		}),
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep of the queue, or keep sweeping until it is empty",
		Args:  cobra.NoArgs,
		RunE: withApp(g, func(ctx context.Context, a *app, _ []string) error {
			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			if _, err := p.processor.RecoverStale(ctx); err != nil {
				return err
			}
			var res retryqueue.SweepResult
			if drain {
				res, err = p.processor.Drain(ctx)
			} else {
				res, err = p.processor.Sweep(ctx)
			}
			if err != nil {
				return err
			}
			return printJSON(out, res)
		}),
	}
	sweep.Flags().BoolVar(&drain, "drain", false, "repeat sweeps until nothing is claimable")

	requeue := &cobra.Command{
		Use:   "requeue [entity-id...]",
		Short: "Move FAILED_PERMANENT entries back to PENDING",
		RunE: withApp(g, func(ctx context.Context, a *app, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("pass entity ids or --all")
			}
			n, err := retryqueue.NewStore(a.db, a.log).Requeue(ctx, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "requeued %d entries\n", n)
			return nil
		}),
	}
	requeue.Flags().BoolVar(&all, "all", false, "requeue every FAILED_PERMANENT entry")

	cmd.AddCommand(list, stats, sweep, requeue)
	return cmd
}

func parseStatus(raw string) (retryqueue.Status, error) {
	st := retryqueue.Status(strings.ToUpper(strings.TrimSpace(raw)))
	if st != "" && !st.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return st, nil
}

func newRepairCommand(g *globalFlags) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "repair-embeddings",
		Short: "Embed indexed documents that have no embedding yet",
		Args:  cobra.NoArgs,
		RunE: withApp(g, func(ctx context.Context, a *app, _ []string) error {
			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			task := scheduler.NewEmbeddingRepairTask(
				p.engine, p.repo, p.vectors,
				p.vectors.Registry().VectorTypes(),
				a.cfg.SearchEngine.DefaultIndex, batch, a.log,
			)
			res, err := task.Repair(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, res)
		}),
	}
	cmd.Flags().IntVar(&batch, "batch", 200, "documents to repair in this run")
	return cmd
}
