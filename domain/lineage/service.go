// Package lineage answers bidirectional, paginated lineage queries over the
// catalog's relationship edges. The edge graph is not guaranteed to be
// acyclic; every walk keeps a visited set.
package lineage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/pkg/apperror"
	"github.com/emergent-company/catalog-sync/pkg/logger"
	"github.com/emergent-company/catalog-sync/pkg/mathutil"
	"github.com/emergent-company/catalog-sync/pkg/syshealth"
	"github.com/emergent-company/catalog-sync/pkg/tracing"
)

// EdgeReader reads entities and their direct lineage edges.
// *catalog.Repository implements it.
type EdgeReader interface {
	GetByID(ctx context.Context, id string) (*catalog.Entity, error)
	GetByFQN(ctx context.Context, entityType, fqn string) (*catalog.Entity, error)
	DirectEdges(ctx context.Context, nodeID string, dir catalog.Direction, limit int) ([]catalog.Neighbor, error)
	CountEdges(ctx context.Context, nodeID string) (catalog.EdgeCounts, error)
}

// Params selects the root entity and bounds the traversal. Start from
// Service.Defaults and override what the caller supplied.
type Params struct {
	EntityID   string
	FQN        string
	EntityType string

	// Directions defaults to both when empty.
	Directions      []catalog.Direction
	UpstreamDepth   int
	DownstreamDepth int
	// PageSize caps the edges fetched per node.
	PageSize int
	// EdgeBudget caps the edges returned across both directions.
	EdgeBudget int
}

func (p Params) wants(dir catalog.Direction) bool {
	for _, d := range p.Directions {
		if d == dir {
			return true
		}
	}
	return false
}

func (p Params) depth(dir catalog.Direction) int {
	if dir == catalog.Upstream {
		return p.UpstreamDepth
	}
	return p.DownstreamDepth
}

// Service runs lineage traversals.
type Service struct {
	reader EdgeReader
	cfg    config.LineageConfig
	log    *slog.Logger
}

// NewService creates a lineage service.
func NewService(reader EdgeReader, cfg config.LineageConfig, log *slog.Logger) *Service {
	return &Service{
		reader: reader,
		cfg:    cfg,
		log:    log.With(logger.Scope("lineage.svc")),
	}
}

// Defaults returns Params with the configured depth, page size and budget.
func (s *Service) Defaults() Params {
	return Params{
		Directions:      []catalog.Direction{catalog.Upstream, catalog.Downstream},
		UpstreamDepth:   s.cfg.DefaultDepth,
		DownstreamDepth: s.cfg.DefaultDepth,
		PageSize:        s.cfg.DefaultPageSize,
		EdgeBudget:      s.cfg.DefaultBudget,
	}
}

// normalize rejects non-positive limits and clamps the rest to the
// configured maximums.
func (s *Service) normalize(p Params) (Params, error) {
	if p.EntityID == "" && p.FQN == "" {
		return p, apperror.ErrInvalidTraversalParameters.WithMessage("entity id or fqn is required")
	}
	if len(p.Directions) == 0 {
		p.Directions = []catalog.Direction{catalog.Upstream, catalog.Downstream}
	}
	for _, d := range p.Directions {
		if d != catalog.Upstream && d != catalog.Downstream {
			return p, apperror.ErrInvalidTraversalParameters.
				WithMessage(fmt.Sprintf("unknown direction %q", d)).
				WithDetails(map[string]any{"parameter": "direction"})
		}
	}
	if p.wants(catalog.Upstream) && p.UpstreamDepth <= 0 {
		return p, apperror.NewInvalidTraversal("upstreamDepth", p.UpstreamDepth)
	}
	if p.wants(catalog.Downstream) && p.DownstreamDepth <= 0 {
		return p, apperror.NewInvalidTraversal("downstreamDepth", p.DownstreamDepth)
	}
	if p.PageSize <= 0 {
		return p, apperror.NewInvalidTraversal("pageSize", p.PageSize)
	}
	if p.EdgeBudget <= 0 {
		return p, apperror.NewInvalidTraversal("edgeBudget", p.EdgeBudget)
	}

	p.UpstreamDepth = capAt(p.UpstreamDepth, s.cfg.MaxDepth)
	p.DownstreamDepth = capAt(p.DownstreamDepth, s.cfg.MaxDepth)
	p.PageSize = capAt(p.PageSize, s.cfg.MaxPageSize)
	p.EdgeBudget = capAt(p.EdgeBudget, s.cfg.MaxBudget)
	return p, nil
}

// capAt clamps v to limit; a non-positive limit means unbounded.
func capAt(v, limit int) int {
	if limit > 0 && v > limit {
		return limit
	}
	return v
}

// GetLineage walks upstream and then downstream from the root entity, one
// layer at a time. Both walks share the edge budget.
func (s *Service) GetLineage(ctx context.Context, p Params) (*Graph, error) {
	start := time.Now()

	p, err := s.normalize(p)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.Start(ctx, "lineage.get",
		attribute.String("entity.id", p.EntityID),
		attribute.String("entity.fqn", p.FQN),
		attribute.Int("lineage.upstream_depth", p.UpstreamDepth),
		attribute.Int("lineage.downstream_depth", p.DownstreamDepth),
	)
	defer span.End()

	root, err := s.root(ctx, p)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	g := newGraph(root)
	budget := p.EdgeBudget
	for _, dir := range []catalog.Direction{catalog.Upstream, catalog.Downstream} {
		if !p.wants(dir) {
			continue
		}
		used, err := s.walk(ctx, g, dir, p.depth(dir), p.PageSize, budget)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
		budget -= used
	}

	// nodes of the last layer were never expanded
	if err := s.countRemaining(ctx, g); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("lineage.nodes", len(g.Nodes)),
		attribute.Bool("lineage.truncated", g.Truncated),
	)
	syshealth.LineageLatency.WithLabelValues(strconv.FormatBool(g.Truncated)).
		Observe(time.Since(start).Seconds())

	s.log.Debug("lineage traversal finished",
		slog.String("root", g.Root),
		slog.Int("nodes", len(g.Nodes)),
		slog.Int("upstream_edges", g.UpstreamEdges.EdgeCount()),
		slog.Int("downstream_edges", g.DownstreamEdges.EdgeCount()),
		slog.Bool("truncated", g.Truncated),
		slog.Duration("took", time.Since(start)),
	)
	return g, nil
}

func (s *Service) root(ctx context.Context, p Params) (*catalog.Entity, error) {
	if p.EntityID != "" {
		return s.reader.GetByID(ctx, p.EntityID)
	}
	return s.reader.GetByFQN(ctx, p.EntityType, p.FQN)
}

// walk runs a layered BFS in one direction and returns the number of edges
// it added. Nodes are recorded at the layer they were first reached; edges
// into already visited nodes are kept but never expanded again.
func (s *Service) walk(ctx context.Context, g *Graph, dir catalog.Direction, maxDepth, pageSize, budget int) (int, error) {
	visited := map[string]bool{g.Root: true}
	frontier := []string{g.Root}
	used := 0

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		limit := min(pageSize, budget-used)
		results, err := s.fetchLayer(ctx, g, frontier, dir, limit)
		if err != nil {
			return used, err
		}

		layer := Layer{Depth: depth}
		var next []string
		for i, id := range frontier {
			node := g.Nodes[id]
			if results[i].counted {
				node.UpstreamCount = results[i].counts.Upstream
				node.DownstreamCount = results[i].counts.Downstream
				node.counted = true
			}

			added := 0
			for _, nb := range results[i].edges {
				if used >= budget {
					break
				}
				layer.Edges = append(layer.Edges, Edge{FromEntity: nb.FromID, ToEntity: nb.ToID})
				used++
				added++

				if visited[nb.ID] {
					continue
				}
				visited[nb.ID] = true
				g.addNode(nb.ID, nb.Type, nb.FQN, nb.Name, depth)
				next = append(next, nb.ID)
			}

			if added < edgeTotal(node, dir) {
				g.Truncated = true
			}
		}

		if len(layer.Edges) > 0 {
			layers := g.layers(dir)
			*layers = append(*layers, layer)
		}
		frontier = next
	}
	return used, nil
}

type fetched struct {
	edges   []catalog.Neighbor
	counts  catalog.EdgeCounts
	counted bool
}

// fetchLayer reads the edges and totals of every frontier node concurrently
// and joins before returning. limit <= 0 fetches totals only.
func (s *Service) fetchLayer(ctx context.Context, g *Graph, frontier []string, dir catalog.Direction, limit int) ([]fetched, error) {
	out := make([]fetched, len(frontier))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency())
	for i, id := range frontier {
		needCount := !g.Nodes[id].counted
		eg.Go(func() error {
			if limit > 0 {
				edges, err := s.reader.DirectEdges(ctx, id, dir, limit)
				if err != nil {
					return fmt.Errorf("%s edges of %s: %w", dir, id, err)
				}
				out[i].edges = edges
			}
			if needCount {
				c, err := s.reader.CountEdges(ctx, id)
				if err != nil {
					return fmt.Errorf("count edges of %s: %w", id, err)
				}
				out[i].counts = c
				out[i].counted = true
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) countRemaining(ctx context.Context, g *Graph) error {
	var pending []*Node
	for _, n := range g.Nodes {
		if !n.counted {
			pending = append(pending, n)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	counts := make([]catalog.EdgeCounts, len(pending))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency())
	for i, n := range pending {
		eg.Go(func() error {
			c, err := s.reader.CountEdges(ctx, n.ID)
			if err != nil {
				return fmt.Errorf("count edges of %s: %w", n.ID, err)
			}
			counts[i] = c
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, n := range pending {
		n.UpstreamCount = counts[i].Upstream
		n.DownstreamCount = counts[i].Downstream
		n.counted = true
	}
	return nil
}

func (s *Service) concurrency() int {
	return mathutil.ClampInt(s.cfg.FetchConcurrency, 1, 64)
}

func edgeTotal(n *Node, dir catalog.Direction) int {
	if dir == catalog.Upstream {
		return n.UpstreamCount
	}
	return n.DownstreamCount
}
