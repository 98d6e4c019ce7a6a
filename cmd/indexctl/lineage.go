package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/lineage"
)

type lineageFlags struct {
	fqn        string
	entityType string
	direction  string
	depth      int
	upstream   int
	downstream int
	pageSize   int
	budget     int
}

func newLineageCommand(g *globalFlags) *cobra.Command {
	f := &lineageFlags{}
	cmd := &cobra.Command{
		Use:   "lineage [entity-id]",
		Short: "Print the lineage graph around an entity",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.RunE = withApp(g, func(ctx context.Context, a *app, args []string) error {
		svc := lineage.NewService(catalog.NewRepository(a.db, a.log), a.cfg.Lineage, a.log)
		p, err := f.params(svc.Defaults(), args, cmd.Flags())
		if err != nil {
			return err
		}
		graph, err := svc.GetLineage(ctx, p)
		if err != nil {
			return err
		}
		return printJSON(out, graph)
	})

	fl := cmd.Flags()
	fl.StringVar(&f.fqn, "fqn", "", "look the root up by fully qualified name instead of id")
	fl.StringVar(&f.entityType, "type", "", "entity type used with --fqn")
	fl.StringVar(&f.direction, "direction", "both", "upstream, downstream or both")
	fl.IntVar(&f.depth, "depth", 0, "depth for both directions")
	fl.IntVar(&f.upstream, "upstream-depth", 0, "upstream depth (overrides --depth)")
	fl.IntVar(&f.downstream, "downstream-depth", 0, "downstream depth (overrides --depth)")
	fl.IntVar(&f.pageSize, "page-size", 0, "edges fetched per node")
	fl.IntVar(&f.budget, "edge-budget", 0, "edges returned in total")
	return cmd
}

// params overlays the flags the user actually set on the service defaults.
// Values are validated by the service, not here.
func (f *lineageFlags) params(p lineage.Params, args []string, set *pflag.FlagSet) (lineage.Params, error) {
	switch {
	case len(args) == 1 && f.fqn != "":
		return p, fmt.Errorf("pass an entity id or --fqn, not both")
	case len(args) == 1:
		p.EntityID = args[0]
	case f.fqn != "":
		p.FQN = f.fqn
		p.EntityType = f.entityType
	default:
		return p, fmt.Errorf("an entity id or --fqn is required")
	}

	switch dir := strings.ToLower(f.direction); dir {
	case "", "both":
	case string(catalog.Upstream), string(catalog.Downstream):
		p.Directions = []catalog.Direction{catalog.Direction(dir)}
	default:
		return p, fmt.Errorf("--direction must be upstream, downstream or both")
	}

	if set.Changed("depth") {
		p.UpstreamDepth, p.DownstreamDepth = f.depth, f.depth
	}
	if set.Changed("upstream-depth") {
		p.UpstreamDepth = f.upstream
	}
	if set.Changed("downstream-depth") {
		p.DownstreamDepth = f.downstream
	}
	if set.Changed("page-size") {
		p.PageSize = f.pageSize
	}
	if set.Changed("edge-budget") {
		p.EdgeBudget = f.budget
	}
	return p, nil
}
