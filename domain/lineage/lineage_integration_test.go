//go:build integration

package lineage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/internal/testutil"
)

type LineageSQLSuite struct {
	suite.Suite
	db   *testutil.TestDB
	repo *catalog.Repository
	svc  *Service
	ctx  context.Context
}

func TestLineageSQLSuite(t *testing.T) {
	suite.Run(t, new(LineageSQLSuite))
}

func (s *LineageSQLSuite) SetupSuite() {
	s.ctx = context.Background()
	db, err := testutil.SetupTestDB(s.ctx, "lineage")
	s.Require().NoError(err)
	s.db = db
	s.repo = catalog.NewRepository(db.DB, testutil.Logger())
	s.svc = NewService(s.repo, testConfig(), testutil.Logger())
}

func (s *LineageSQLSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *LineageSQLSuite) SetupTest() {
	s.Require().NoError(testutil.TruncateTables(s.ctx, s.db.DB))
}

func (s *LineageSQLSuite) entity(id, name string) {
	s.Require().NoError(s.repo.Save(s.ctx, &catalog.Entity{
		ID:        id,
		Type:      "table",
		FQN:       "svc.db.sales." + name,
		Name:      name,
		UpdatedAt: time.Now().UnixMilli(),
	}))
}

func (s *LineageSQLSuite) edge(from, to string) {
	s.Require().NoError(s.repo.AddRelationship(s.ctx, &catalog.Relationship{
		FromID:     from,
		ToID:       to,
		Relation:   catalog.RelationUpstream,
		FromEntity: "table",
		ToEntity:   "table",
	}))
}

func (s *LineageSQLSuite) TestCycle() {
	s.entity("a", "raw_orders")
	s.entity("b", "orders")
	s.entity("c", "order_facts")
	s.edge("a", "b")
	s.edge("b", "c")
	s.edge("c", "a")

	p := s.svc.Defaults()
	p.EntityID = "a"
	g, err := s.svc.GetLineage(s.ctx, p)
	s.Require().NoError(err)

	s.Len(g.Nodes, 3)
	s.Equal(3, g.DownstreamEdges.EdgeCount())
	s.Equal(3, g.UpstreamEdges.EdgeCount())
	for _, n := range g.Nodes {
		s.Equal(1, n.UpstreamCount, n.ID)
		s.Equal(1, n.DownstreamCount, n.ID)
	}
	s.False(g.Truncated)
}

func (s *LineageSQLSuite) TestEdgesOrderedByNeighborFQN() {
	s.entity("root", "root")
	s.entity("n1", "zeta")
	s.entity("n2", "alpha")
	s.entity("n3", "mid")
	s.edge("root", "n1")
	s.edge("root", "n2")
	s.edge("root", "n3")

	edges, err := s.repo.DirectEdges(s.ctx, "root", catalog.Downstream, 2)
	s.Require().NoError(err)
	s.Require().Len(edges, 2)
	s.Equal("n2", edges[0].ID)
	s.Equal("n3", edges[1].ID)

	counts, err := s.repo.CountEdges(s.ctx, "root")
	s.Require().NoError(err)
	s.Equal(catalog.EdgeCounts{Upstream: 0, Downstream: 3}, counts)
}

func (s *LineageSQLSuite) TestDeletedNeighborsAreSkipped() {
	s.entity("a", "a")
	s.entity("b", "b")
	s.entity("gone", "gone")
	s.edge("a", "b")
	s.edge("a", "gone")
	_, err := s.db.DB.NewUpdate().
		Table("catalog.entities").
		Set("deleted = true").
		Where("id = ?", "gone").
		Exec(s.ctx)
	s.Require().NoError(err)

	p := s.svc.Defaults()
	p.EntityID = "a"
	g, err := s.svc.GetLineage(s.ctx, p)
	s.Require().NoError(err)

	s.NotContains(g.Nodes, "gone")
	s.Equal(1, g.Nodes["a"].DownstreamCount)
	s.False(g.Truncated)
}

func TestLineageSQL_PageSizeTruncates(t *testing.T) {
	ctx := context.Background()
	db, err := testutil.SetupTestDB(ctx, "lineage_fanout")
	require.NoError(t, err)
	defer db.Close()

	repo := catalog.NewRepository(db.DB, testutil.Logger())
	svc := NewService(repo, testConfig(), testutil.Logger())

	save := func(id string) {
		require.NoError(t, repo.Save(ctx, &catalog.Entity{ID: id, Type: "table", FQN: "svc.db." + id, Name: id, UpdatedAt: 1}))
	}
	save("hub")
	for _, id := range []string{"s01", "s02", "s03", "s04", "s05", "s06", "s07", "s08"} {
		save(id)
		require.NoError(t, repo.AddRelationship(ctx, &catalog.Relationship{
			FromID: "hub", ToID: id, Relation: catalog.RelationUpstream, FromEntity: "table", ToEntity: "table",
		}))
	}

	p := svc.Defaults()
	p.EntityID = "hub"
	p.PageSize = 3
	g, err := svc.GetLineage(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, 3, g.DownstreamEdges.EdgeCount())
	assert.Equal(t, 8, g.Nodes["hub"].DownstreamCount)
	assert.True(t, g.Truncated)
}
