//go:build integration

package retryqueue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/emergent-company/catalog-sync/internal/testutil"
)

type StoreSuite struct {
	suite.Suite
	testDB *testutil.TestDB
	store  *Store
	ctx    context.Context
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	s.ctx = context.Background()
	db, err := testutil.SetupTestDB(s.ctx, "retryqueue")
	s.Require().NoError(err)
	s.testDB = db
	s.store = NewStore(db.DB, testutil.Logger())
}

func (s *StoreSuite) TearDownSuite() {
	if s.testDB != nil {
		s.testDB.Close()
	}
}

func (s *StoreSuite) SetupTest() {
	s.Require().NoError(testutil.TruncateTables(s.ctx, s.testDB.DB))
}

func (s *StoreSuite) rows() []Entry {
	entries, err := s.store.List(s.ctx, "", 100)
	s.Require().NoError(err)
	return entries
}

func (s *StoreSuite) TestEnqueueUpsertsOneRowPerReference() {
	s.Require().NoError(s.store.Enqueue(s.ctx, " t-1 ", "svc.db.sales.orders", "table", "upsert: timeout"))
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "svc.db.sales.orders", "table", "upsert: refused"))

	rows := s.rows()
	s.Require().Len(rows, 1)
	s.Equal("t-1", rows[0].EntityID)
	s.Equal(StatusPending, rows[0].Status)
	s.Equal("upsert: refused", rows[0].Reason())
}

func (s *StoreSuite) TestEnqueueSkipsEmptyReference() {
	s.Require().NoError(s.store.Enqueue(s.ctx, " ", "", "table", "x"))
	s.Empty(s.rows())
}

func (s *StoreSuite) TestEnqueueSupersedesRenamedEntity() {
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "old.name", "table", "x"))
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "new.name", "table", "y"))

	rows := s.rows()
	s.Require().Len(rows, 1)
	s.Equal("new.name", rows[0].EntityFQN)
}

func (s *StoreSuite) TestEnqueueTruncatesReason() {
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "a", "table", strings.Repeat("x", 20000)))
	s.Len(s.rows()[0].Reason(), 8192)
}

func (s *StoreSuite) TestClaimFailAndGiveUp() {
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "a", "table", "x"))

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.store.Claim(s.ctx, 10)
		s.Require().NoError(err)
		s.Require().Len(claimed, 1, "attempt %d", attempt)
		s.Equal(StatusProcessing, claimed[0].Status)
		s.NotNil(claimed[0].ClaimedAt)

		status, err := s.store.MarkFailed(s.ctx, claimed[0], "upsert: timeout", 3)
		s.Require().NoError(err)
		if attempt < 3 {
			s.Equal(StatusPending, status)
		} else {
			s.Equal(StatusFailedPermanent, status)
		}
	}

	claimed, err := s.store.Claim(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(claimed)

	stats, err := s.store.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(Stats{FailedPermanent: 1}, stats)

	n, err := s.store.Requeue(s.ctx, nil)
	s.Require().NoError(err)
	s.Equal(1, n)
	row := s.rows()[0]
	s.Equal(StatusPending, row.Status)
	s.Zero(row.AttemptCount)
}

func (s *StoreSuite) TestReenqueueAfterPermanentFailureResetsAttempts() {
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "a", "table", "x"))
	claimed, err := s.store.Claim(s.ctx, 1)
	s.Require().NoError(err)
	_, err = s.store.MarkFailed(s.ctx, claimed[0], "x", 1)
	s.Require().NoError(err)

	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "a", "table", "again"))
	row := s.rows()[0]
	s.Equal(StatusPending, row.Status)
	s.Zero(row.AttemptCount)
}

func (s *StoreSuite) TestCompleteRemovesAllRowsForID() {
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "a", "table", "x"))
	first, err := s.store.Claim(s.ctx, 1)
	s.Require().NoError(err)
	// rename while the first row is being processed, then claim that too
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "b", "table", "y"))
	second, err := s.store.Claim(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(second, 1)
	s.Len(s.rows(), 2)

	s.Require().NoError(s.store.Complete(s.ctx, second[0]))
	s.Empty(s.rows())

	s.Require().NoError(s.store.Complete(s.ctx, first[0]))
	s.Empty(s.rows())
}

func (s *StoreSuite) TestCompleteKeepsRowsEnqueuedAfterClaim() {
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "a", "table", "upsert: timeout"))
	claimed, err := s.store.Claim(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)

	// the entity changes again while the claimed row is being indexed
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "a", "table", "upsert: refused"))
	s.Require().NoError(s.store.Complete(s.ctx, claimed[0]))

	rows := s.rows()
	s.Require().Len(rows, 1)
	s.Equal(StatusPending, rows[0].Status)
	s.Equal("upsert: refused", rows[0].Reason())

	// a rename arriving mid-claim survives as well
	claimed, err = s.store.Claim(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "b", "table", "y"))
	s.Require().NoError(s.store.Complete(s.ctx, claimed[0]))

	rows = s.rows()
	s.Require().Len(rows, 1)
	s.Equal("b", rows[0].EntityFQN)
	s.Equal(StatusPending, rows[0].Status)
}

func (s *StoreSuite) TestDiscardKeepsRowEnqueuedAfterClaim() {
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "a", "table", "x"))
	claimed, err := s.store.Claim(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "a", "table", "y"))

	s.Require().NoError(s.store.Discard(s.ctx, claimed[0]))
	s.Len(s.rows(), 1)

	claimed, err = s.store.Claim(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Discard(s.ctx, claimed[0]))
	s.Empty(s.rows())
}

func (s *StoreSuite) TestConcurrentClaimsDoNotOverlap() {
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		s.Require().NoError(s.store.Enqueue(s.ctx, id, id, "table", "x"))
	}

	seen := make(chan string, 12)
	done := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			claimed, err := s.store.Claim(s.ctx, 3)
			if err != nil {
				return
			}
			for _, e := range claimed {
				seen <- e.EntityID
			}
		}()
	}
	<-done
	<-done
	close(seen)

	ids := map[string]int{}
	for id := range seen {
		ids[id]++
	}
	s.Len(ids, 6)
	for id, n := range ids {
		s.Equal(1, n, id)
	}
}

func (s *StoreSuite) TestRecoverStale() {
	s.Require().NoError(s.store.Enqueue(s.ctx, "t-1", "a", "table", "x"))
	_, err := s.store.Claim(s.ctx, 1)
	s.Require().NoError(err)

	_, err = s.testDB.DB.ExecContext(s.ctx,
		`UPDATE search.index_retry_queue SET claimed_at = now() - interval '1 hour'`)
	s.Require().NoError(err)

	n, err := s.store.RecoverStale(s.ctx, 10*time.Minute)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(StatusPending, s.rows()[0].Status)
}

func TestMarkFailedOnMissingRow(t *testing.T) {
	ctx := context.Background()
	db, err := testutil.SetupTestDB(ctx, "retryqueue_missing")
	require.NoError(t, err)
	defer db.Close()

	status, err := NewStore(db.DB, testutil.Logger()).MarkFailed(ctx, Entry{EntityID: "nope"}, "x", 3)
	require.NoError(t, err)
	require.Equal(t, Status(""), status)
}
