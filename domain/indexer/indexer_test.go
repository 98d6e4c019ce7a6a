package indexer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/searchindex"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/pkg/apperror"
)

const testIndex = "catalog_search_index"

type queuedRow struct {
	ID, FQN, Type, Reason string
}

// memQueue records enqueued rows.
type memQueue struct {
	mu   sync.Mutex
	rows []queuedRow
	err  error
}

func (q *memQueue) Enqueue(ctx context.Context, id, fqn, entityType, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.rows = append(q.rows, queuedRow{id, fqn, entityType, reason})
	return nil
}

func (q *memQueue) Rows() []queuedRow {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queuedRow(nil), q.rows...)
}

type fakeEmbeddings struct {
	err error
}

func (f fakeEmbeddings) GenerateEmbeddingFields(ctx context.Context, e *catalog.Entity) (*searchindex.EmbeddingFields, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &searchindex.EmbeddingFields{
		Embedding:   []float32{1, 0, 0},
		ParentID:    e.ID,
		ChunkCount:  1,
		Fingerprint: "fp-" + e.ID,
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testConfig() config.IndexerConfig {
	return config.IndexerConfig{
		AttemptTimeout:   time.Second,
		InlineRetryDelay: time.Millisecond,
	}
}

func newTestIndexer(engine searchindex.Engine, emb EmbeddingGenerator) (*Indexer, *memQueue) {
	q := &memQueue{}
	return NewIndexer(engine, emb, q, testConfig(), testIndex, testLogger()), q
}

func orders() *catalog.Entity {
	return &catalog.Entity{
		ID:          "7d4c2f1e-0000-4000-8000-000000000001",
		Type:        "table",
		FQN:         "svc.db.sales.orders",
		Name:        "orders",
		DisplayName: "Orders",
		Description: "Customer orders",
		ServiceType: "Postgres",
		UpdatedAt:   1700000000000,
		Attributes: catalog.Attributes{
			Tags:          []catalog.TagLabel{{TagFQN: "Tier.Tier1"}, {TagFQN: "PII.Sensitive"}},
			Owners:        []catalog.EntityReference{{Type: "team", Name: "sales"}},
			Domains:       []catalog.EntityReference{{FQN: "Sales"}},
			Certification: "Certification.Gold",
			Extension:     map[string]any{"retention": "30d"},
		},
	}
}

func TestBuildDocument(t *testing.T) {
	doc := BuildDocument(orders(), testIndex)

	assert.Equal(t, testIndex, doc.IndexName)
	assert.Equal(t, "svc.db.sales.orders", doc.FQN)
	assert.Equal(t, "Tier.Tier1", doc.Tier)
	assert.Equal(t, "Certification.Gold", doc.Certification)
	assert.Equal(t, []string{"PII.Sensitive", "Tier.Tier1"}, doc.Tags)
	assert.Equal(t, []string{"team.sales"}, doc.Owners)
	assert.Equal(t, []string{"Sales"}, doc.Domains)
	assert.Equal(t, "30d", doc.Extension["retention"])
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), doc.UpdatedAt)
	assert.Nil(t, doc.Embedding)
}

func TestIndex_Success(t *testing.T) {
	engine := searchindex.NewMemoryEngine()
	x, q := newTestIndexer(engine, fakeEmbeddings{})
	e := orders()

	assert.Equal(t, OutcomeIndexed, x.Index(context.Background(), e, ""))

	doc, ok := engine.Get(testIndex, e.ID)
	require.True(t, ok)
	require.NotNil(t, doc.Embedding)
	assert.Equal(t, "fp-"+e.ID, doc.Embedding.Fingerprint)
	assert.Empty(t, q.Rows())
}

func TestIndex_InlineRetryRecoversTransientFailure(t *testing.T) {
	engine := searchindex.NewMemoryEngine()
	x, q := newTestIndexer(engine, nil)
	engine.FailNext(1, errors.New("i/o timeout"))

	assert.Equal(t, OutcomeIndexed, x.Index(context.Background(), orders(), testIndex))
	assert.Equal(t, 1, engine.Count(testIndex))
	assert.Empty(t, q.Rows())
}

func TestIndex_TimeoutQueuesPendingRow(t *testing.T) {
	engine := searchindex.NewMemoryEngine()
	x, q := newTestIndexer(engine, nil)
	engine.FailNext(-1, context.DeadlineExceeded)

	e := orders()
	assert.Equal(t, OutcomeQueued, x.Index(context.Background(), e, testIndex))

	rows := q.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, e.ID, rows[0].ID)
	assert.Equal(t, "svc.db.sales.orders", rows[0].FQN)
	assert.Equal(t, "table", rows[0].Type)
	assert.True(t, strings.HasPrefix(rows[0].Reason, "upsert: "), rows[0].Reason)
	assert.Equal(t, 0, engine.Count(testIndex))
}

// blockingEngine holds upserts until the attempt deadline passes.
type blockingEngine struct {
	*searchindex.MemoryEngine
}

func (blockingEngine) Upsert(ctx context.Context, doc *searchindex.Document) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestIndex_AttemptTimeout(t *testing.T) {
	engine := blockingEngine{searchindex.NewMemoryEngine()}
	q := &memQueue{}
	cfg := testConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	x := NewIndexer(engine, nil, q, cfg, testIndex, testLogger())

	start := time.Now()
	assert.Equal(t, OutcomeQueued, x.Index(context.Background(), orders(), testIndex))
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, q.Rows(), 1)
}

func TestIndex_PermanentFailureIsNotRetriedInline(t *testing.T) {
	engine := searchindex.NewMemoryEngine()
	x, q := newTestIndexer(engine, nil)
	engine.FailNext(2, errors.New("document too large"))

	assert.Equal(t, OutcomeQueued, x.Index(context.Background(), orders(), testIndex))
	require.Len(t, q.Rows(), 1)

	// one injected failure is left: only one attempt was made
	err := engine.Upsert(context.Background(), BuildDocument(orders(), testIndex))
	assert.ErrorIs(t, err, apperror.ErrPermanentIndexingFailure)
}

func TestIndex_EmbeddingFailureStillWritesText(t *testing.T) {
	engine := searchindex.NewMemoryEngine()
	x, q := newTestIndexer(engine, fakeEmbeddings{err: errors.New("quota exceeded")})

	assert.Equal(t, OutcomeIndexed, x.Index(context.Background(), orders(), testIndex))
	doc, ok := engine.Get(testIndex, orders().ID)
	require.True(t, ok)
	assert.Nil(t, doc.Embedding)
	assert.Empty(t, q.Rows())
}

func TestIndex_EnqueueFailureDrops(t *testing.T) {
	engine := searchindex.NewMemoryEngine()
	x, q := newTestIndexer(engine, nil)
	q.err = errors.New("database down")
	engine.FailNext(-1, errors.New("connection refused"))

	assert.Equal(t, OutcomeDropped, x.Index(context.Background(), orders(), testIndex))
}

func TestIndexDocument_DoesNotEnqueue(t *testing.T) {
	engine := searchindex.NewMemoryEngine()
	x, q := newTestIndexer(engine, nil)
	engine.FailNext(1, errors.New("connection refused"))

	err := x.IndexDocument(context.Background(), orders(), testIndex)
	assert.ErrorIs(t, err, apperror.ErrTransientIndexingFailure)
	assert.Empty(t, q.Rows())

	require.NoError(t, x.IndexDocument(context.Background(), orders(), testIndex))
	assert.Equal(t, 1, engine.Count(testIndex))
}

func TestBulkIndex(t *testing.T) {
	engine := searchindex.NewMemoryEngine()
	x, _ := newTestIndexer(engine, fakeEmbeddings{})

	a := orders()
	b := orders()
	b.ID = "7d4c2f1e-0000-4000-8000-000000000002"
	b.FQN = "svc.db.sales.order_items"

	require.NoError(t, x.BulkIndex(context.Background(), []*catalog.Entity{a, b}, testIndex))
	assert.Equal(t, 2, engine.Count(testIndex))
	require.NoError(t, x.BulkIndex(context.Background(), nil, testIndex))

	engine.FailNext(1, errors.New("connection reset by peer"))
	err := x.BulkIndex(context.Background(), []*catalog.Entity{a}, testIndex)
	assert.True(t, searchindex.IsTransient(err))
}

func TestDelete(t *testing.T) {
	engine := searchindex.NewMemoryEngine()
	x, q := newTestIndexer(engine, nil)
	e := orders()
	require.NoError(t, x.IndexDocument(context.Background(), e, testIndex))

	ref := catalog.Ref{ID: e.ID, FQN: e.FQN, Type: e.Type}
	engine.FailNext(1, errors.New("connection refused"))
	assert.Equal(t, OutcomeQueued, x.Delete(context.Background(), ref, testIndex))
	require.Len(t, q.Rows(), 1)
	assert.True(t, strings.HasPrefix(q.Rows()[0].Reason, "delete: "))

	assert.Equal(t, OutcomeDeleted, x.Delete(context.Background(), ref, testIndex))
	assert.Equal(t, 0, engine.Count(testIndex))

	// fqn-only deletes are resolved by the processor
	assert.Equal(t, OutcomeQueued, x.Delete(context.Background(), catalog.Ref{FQN: e.FQN}, testIndex))
}

func TestReason(t *testing.T) {
	tests := []struct {
		name string
		op   string
		err  error
		want string
	}{
		{"plain", "upsert", errors.New("boom"), "upsert: boom"},
		{"nil error", "upsert", nil, "upsert: Unknown failure"},
		{"no op", "", errors.New("boom"), "boom"},
		{"empty message", "delete", emptyErr{}, "delete: indexer.emptyErr"},
		{
			"app error with cause",
			"upsert",
			apperror.ErrTransientIndexingFailure.WithMessage("upsert failed").WithInternal(errors.New("i/o timeout")),
			"upsert: upsert failed: i/o timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reason(tt.op, tt.err))
		})
	}

	long := Reason("upsert", errors.New(strings.Repeat("x", 10000)))
	assert.Len(t, long, MaxReasonLength)
}

type emptyErr struct{}

func (emptyErr) Error() string { return "" }
