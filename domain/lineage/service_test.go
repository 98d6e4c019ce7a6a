package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/pkg/apperror"
)

// fakeGraph is an in-memory EdgeReader. FQNs sort in the same order as ids.
type fakeGraph struct {
	mu       sync.Mutex
	entities map[string]*catalog.Entity
	edges    [][2]string
	err      error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeGraph(edges ...string) *fakeGraph {
	f := &fakeGraph{entities: make(map[string]*catalog.Entity)}
	for _, e := range edges {
		from, to, _ := strings.Cut(e, " -> ")
		f.link(from, to)
	}
	return f
}

func (f *fakeGraph) add(id string) {
	if _, ok := f.entities[id]; !ok {
		f.entities[id] = &catalog.Entity{ID: id, Type: "table", FQN: "svc.db." + id, Name: id}
	}
}

func (f *fakeGraph) link(from, to string) {
	f.add(from)
	f.add(to)
	f.edges = append(f.edges, [2]string{from, to})
}

func (f *fakeGraph) enter() func() {
	n := f.inFlight.Add(1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeGraph) GetByID(ctx context.Context, id string) (*catalog.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, apperror.NewNotFound("entity", id)
	}
	return e, nil
}

func (f *fakeGraph) GetByFQN(ctx context.Context, entityType, fqn string) (*catalog.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entities {
		if e.FQN == fqn {
			return e, nil
		}
	}
	return nil, apperror.NewNotFound("entity", fqn)
}

func (f *fakeGraph) DirectEdges(ctx context.Context, nodeID string, dir catalog.Direction, limit int) ([]catalog.Neighbor, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	var out []catalog.Neighbor
	for _, e := range f.edges {
		other := ""
		switch {
		case dir == catalog.Downstream && e[0] == nodeID:
			other = e[1]
		case dir == catalog.Upstream && e[1] == nodeID:
			other = e[0]
		default:
			continue
		}
		n := f.entities[other]
		out = append(out, catalog.Neighbor{FromID: e[0], ToID: e[1], ID: n.ID, Type: n.Type, FQN: n.FQN, Name: n.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQN < out[j].FQN })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeGraph) CountEdges(ctx context.Context, nodeID string) (catalog.EdgeCounts, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return catalog.EdgeCounts{}, f.err
	}

	var c catalog.EdgeCounts
	for _, e := range f.edges {
		if e[1] == nodeID {
			c.Upstream++
		}
		if e[0] == nodeID {
			c.Downstream++
		}
	}
	return c, nil
}

func testConfig() config.LineageConfig {
	return config.LineageConfig{
		DefaultDepth:     3,
		MaxDepth:         10,
		DefaultPageSize:  50,
		MaxPageSize:      1000,
		DefaultBudget:    1000,
		MaxBudget:        10000,
		FetchConcurrency: 4,
	}
}

func newTestService(f *fakeGraph) *Service {
	return NewService(f, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func params(s *Service, id string, mutate ...func(*Params)) Params {
	p := s.Defaults()
	p.EntityID = id
	for _, m := range mutate {
		m(&p)
	}
	return p
}

func edgesOf(l Layers) map[int][]string {
	out := make(map[int][]string, len(l))
	for _, layer := range l {
		for _, e := range layer.Edges {
			out[layer.Depth] = append(out[layer.Depth], e.FromEntity+"->"+e.ToEntity)
		}
	}
	return out
}

func TestGetLineage_CycleTerminates(t *testing.T) {
	f := newFakeGraph("a -> b", "b -> c", "c -> a")
	svc := newTestService(f)

	g, err := svc.GetLineage(context.Background(), params(svc, "a"))
	require.NoError(t, err)

	require.Len(t, g.Nodes, 3)
	for _, id := range []string{"a", "b", "c"} {
		n, ok := g.Nodes[id]
		require.True(t, ok, id)
		assert.Equal(t, 1, n.UpstreamCount, id)
		assert.Equal(t, 1, n.DownstreamCount, id)
	}

	assert.Equal(t, map[int][]string{1: {"a->b"}, 2: {"b->c"}, 3: {"c->a"}}, edgesOf(g.DownstreamEdges))
	assert.Equal(t, map[int][]string{1: {"c->a"}, 2: {"b->c"}, 3: {"a->b"}}, edgesOf(g.UpstreamEdges))
	assert.False(t, g.Truncated)
}

func TestGetLineage_CycleWithLargeDepth(t *testing.T) {
	f := newFakeGraph("a -> b", "b -> c", "c -> a")
	svc := newTestService(f)

	g, err := svc.GetLineage(context.Background(), params(svc, "a", func(p *Params) {
		p.Directions = []catalog.Direction{catalog.Downstream}
		p.DownstreamDepth = 10
	}))
	require.NoError(t, err)

	assert.Len(t, g.Nodes, 3)
	// the frontier empties after the back edge to the root
	assert.Len(t, g.DownstreamEdges, 3)
	assert.Empty(t, g.UpstreamEdges)
}

func TestGetLineage_NodesRecordedAtFirstLayer(t *testing.T) {
	f := newFakeGraph("r -> x", "r -> y", "x -> z", "y -> z", "r -> z")
	svc := newTestService(f)

	g, err := svc.GetLineage(context.Background(), params(svc, "r", func(p *Params) {
		p.Directions = []catalog.Direction{catalog.Downstream}
	}))
	require.NoError(t, err)

	assert.Equal(t, 0, g.Nodes["r"].Depth)
	assert.Equal(t, 1, g.Nodes["x"].Depth)
	assert.Equal(t, 1, g.Nodes["y"].Depth)
	assert.Equal(t, 1, g.Nodes["z"].Depth, "z is a direct child of r")
	assert.Equal(t, 3, g.Nodes["z"].UpstreamCount)

	assert.Equal(t, map[int][]string{
		1: {"r->x", "r->y", "r->z"},
		2: {"x->z", "y->z"},
	}, edgesOf(g.DownstreamEdges))
}

func TestGetLineage_DepthLimitKeepsTotals(t *testing.T) {
	f := newFakeGraph("a -> b", "b -> c", "c -> d", "c -> e")
	svc := newTestService(f)

	g, err := svc.GetLineage(context.Background(), params(svc, "a", func(p *Params) {
		p.Directions = []catalog.Direction{catalog.Downstream}
		p.DownstreamDepth = 2
	}))
	require.NoError(t, err)

	assert.Len(t, g.Nodes, 3)
	assert.NotContains(t, g.Nodes, "d")
	assert.Equal(t, 2, g.Nodes["c"].DownstreamCount)
	assert.False(t, g.Truncated)
}

func TestGetLineage_PageSizeTruncates(t *testing.T) {
	f := newFakeGraph("root -> e", "root -> d", "root -> c", "root -> b", "root -> a")
	svc := newTestService(f)

	g, err := svc.GetLineage(context.Background(), params(svc, "root", func(p *Params) {
		p.PageSize = 2
	}))
	require.NoError(t, err)

	assert.Equal(t, map[int][]string{1: {"root->a", "root->b"}}, edgesOf(g.DownstreamEdges))
	assert.Equal(t, 5, g.Nodes["root"].DownstreamCount)
	assert.True(t, g.Truncated)
}

func TestGetLineage_EdgeBudget(t *testing.T) {
	f := newFakeGraph(
		"r -> a", "r -> b", "r -> c",
		"a -> a1", "a -> a2", "b -> b1", "c -> c1",
	)
	svc := newTestService(f)

	g, err := svc.GetLineage(context.Background(), params(svc, "r", func(p *Params) {
		p.EdgeBudget = 5
	}))
	require.NoError(t, err)

	got := edgesOf(g.DownstreamEdges)
	assert.Equal(t, []string{"r->a", "r->b", "r->c"}, got[1])
	assert.Equal(t, []string{"a->a1", "a->a2"}, got[2])
	assert.Equal(t, 5, g.DownstreamEdges.EdgeCount())
	assert.True(t, g.Truncated)

	// nodes beyond the budget are still counted
	assert.Equal(t, 1, g.Nodes["b"].DownstreamCount)
	assert.Equal(t, 1, g.Nodes["c"].DownstreamCount)
	assert.NotContains(t, g.Nodes, "b1")
}

func TestGetLineage_BudgetSharedAcrossDirections(t *testing.T) {
	f := newFakeGraph("u1 -> m", "u2 -> m", "m -> d1", "m -> d2")
	svc := newTestService(f)

	g, err := svc.GetLineage(context.Background(), params(svc, "m", func(p *Params) {
		p.EdgeBudget = 3
	}))
	require.NoError(t, err)

	assert.Equal(t, 2, g.UpstreamEdges.EdgeCount())
	assert.Equal(t, 1, g.DownstreamEdges.EdgeCount())
	assert.True(t, g.Truncated)
}

func TestGetLineage_ExactBudgetIsNotTruncated(t *testing.T) {
	f := newFakeGraph("a -> b", "b -> c")
	svc := newTestService(f)

	g, err := svc.GetLineage(context.Background(), params(svc, "a", func(p *Params) {
		p.Directions = []catalog.Direction{catalog.Downstream}
		p.EdgeBudget = 2
	}))
	require.NoError(t, err)

	assert.Equal(t, 2, g.DownstreamEdges.EdgeCount())
	assert.False(t, g.Truncated)
}

func TestGetLineage_DepthIsClamped(t *testing.T) {
	f := newFakeGraph()
	for i := 0; i < 15; i++ {
		f.link(fmt.Sprintf("n%02d", i), fmt.Sprintf("n%02d", i+1))
	}
	svc := newTestService(f)

	g, err := svc.GetLineage(context.Background(), params(svc, "n00", func(p *Params) {
		p.Directions = []catalog.Direction{catalog.Downstream}
		p.DownstreamDepth = 50
	}))
	require.NoError(t, err)

	assert.Len(t, g.DownstreamEdges, testConfig().MaxDepth)
	assert.Len(t, g.Nodes, testConfig().MaxDepth+1)
}

func TestGetLineage_ByFQN(t *testing.T) {
	f := newFakeGraph("a -> b")
	svc := newTestService(f)

	p := svc.Defaults()
	p.FQN = "svc.db.a"
	g, err := svc.GetLineage(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "a", g.Root)
	assert.Len(t, g.Nodes, 2)
}

func TestGetLineage_FetchesConcurrently(t *testing.T) {
	f := newFakeGraph()
	for i := 0; i < 20; i++ {
		f.link("root", fmt.Sprintf("c%02d", i))
		f.link(fmt.Sprintf("c%02d", i), fmt.Sprintf("g%02d", i))
	}
	svc := newTestService(f)

	g, err := svc.GetLineage(context.Background(), params(svc, "root"))
	require.NoError(t, err)

	assert.Len(t, g.Nodes, 41)
	assert.LessOrEqual(t, int(f.maxInFlight.Load()), testConfig().FetchConcurrency)
}

func TestGetLineage_Errors(t *testing.T) {
	t.Run("unknown root", func(t *testing.T) {
		svc := newTestService(newFakeGraph("a -> b"))
		_, err := svc.GetLineage(context.Background(), params(svc, "missing"))
		assert.ErrorIs(t, err, apperror.ErrNotFound)
	})

	t.Run("store failure", func(t *testing.T) {
		f := newFakeGraph("a -> b")
		f.err = errors.New("connection reset")
		svc := newTestService(f)
		_, err := svc.GetLineage(context.Background(), params(svc, "a"))
		assert.ErrorContains(t, err, "connection reset")
	})
}

func TestGetLineage_InvalidParameters(t *testing.T) {
	svc := newTestService(newFakeGraph("a -> b"))

	tests := []struct {
		name   string
		mutate func(*Params)
		param  string
	}{
		{"zero upstream depth", func(p *Params) { p.UpstreamDepth = 0 }, "upstreamDepth"},
		{"negative downstream depth", func(p *Params) { p.DownstreamDepth = -1 }, "downstreamDepth"},
		{"zero page size", func(p *Params) { p.PageSize = 0 }, "pageSize"},
		{"negative budget", func(p *Params) { p.EdgeBudget = -5 }, "edgeBudget"},
		{"unknown direction", func(p *Params) { p.Directions = []catalog.Direction{"sideways"} }, "direction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GetLineage(context.Background(), params(svc, "a", tt.mutate))
			require.ErrorIs(t, err, apperror.ErrInvalidTraversalParameters)

			var appErr *apperror.Error
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.param, appErr.Details["parameter"])
		})
	}

	t.Run("missing root", func(t *testing.T) {
		_, err := svc.GetLineage(context.Background(), svc.Defaults())
		assert.ErrorIs(t, err, apperror.ErrInvalidTraversalParameters)
	})

	t.Run("depth of an unrequested direction is ignored", func(t *testing.T) {
		_, err := svc.GetLineage(context.Background(), params(svc, "a", func(p *Params) {
			p.Directions = []catalog.Direction{catalog.Downstream}
			p.UpstreamDepth = 0
		}))
		assert.NoError(t, err)
	})
}

func TestGraph_JSONShape(t *testing.T) {
	svc := newTestService(newFakeGraph("a -> b", "b -> c"))
	g, err := svc.GetLineage(context.Background(), params(svc, "a"))
	require.NoError(t, err)

	raw, err := json.Marshal(g)
	require.NoError(t, err)

	var body struct {
		Root            string                      `json:"root"`
		Nodes           map[string]map[string]any   `json:"nodes"`
		DownstreamEdges map[string][]map[string]any `json:"downstreamEdges"`
		UpstreamEdges   map[string][]map[string]any `json:"upstreamEdges"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))

	assert.Equal(t, "a", body.Root)
	assert.Contains(t, body.DownstreamEdges, "1")
	assert.Contains(t, body.DownstreamEdges, "2")
	assert.Equal(t, "a", body.DownstreamEdges["1"][0]["fromEntity"])
	assert.Equal(t, "b", body.DownstreamEdges["1"][0]["toEntity"])
	assert.Empty(t, body.UpstreamEdges)
	assert.EqualValues(t, 1, body.Nodes["b"]["entityUpstreamCount"])

	var back Graph
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, g.DownstreamEdges, back.DownstreamEdges)
}
