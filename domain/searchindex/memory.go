package searchindex

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/emergent-company/catalog-sync/pkg/apperror"
	"github.com/emergent-company/catalog-sync/pkg/pgutils"
)

// MemoryEngine is an in-process Engine used by tests and dry runs. Failures
// can be injected to simulate an unavailable engine.
type MemoryEngine struct {
	mu      sync.RWMutex
	docs    map[string]map[string]*Document
	failErr error
	failN   int // remaining injected failures; -1 means until cleared
	writes  int
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{docs: make(map[string]map[string]*Document)}
}

// FailNext makes the next n calls return err. n < 0 fails until Recover.
func (m *MemoryEngine) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
	m.failN = n
}

// Recover clears any injected failure.
func (m *MemoryEngine) Recover() {
	m.FailNext(0, nil)
}

// Writes returns the number of successful document writes.
func (m *MemoryEngine) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Get returns a copy of a stored document.
func (m *MemoryEngine) Get(index, entityID string) (*Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[index][entityID]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}

// Count returns the number of documents in index.
func (m *MemoryEngine) Count(index string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[index])
}

// must be called with mu held for writing
func (m *MemoryEngine) injected(op string) error {
	if m.failN == 0 || m.failErr == nil {
		return nil
	}
	if m.failN > 0 {
		m.failN--
	}
	return Classify(op, m.failErr)
}

func (m *MemoryEngine) put(doc *Document) {
	idx, ok := m.docs[doc.IndexName]
	if !ok {
		idx = make(map[string]*Document)
		m.docs[doc.IndexName] = idx
	}
	cp := *doc
	if cp.Embedding.IsEmpty() {
		cp.Embedding = nil
		if prev, ok := idx[doc.EntityID]; ok && !prev.Embedding.IsEmpty() {
			// keep the old vector, drop the fingerprint: stale until repaired
			kept := *prev.Embedding
			kept.Fingerprint = ""
			cp.Embedding = &kept
		}
	}
	idx[doc.EntityID] = &cp
	m.writes++
}

func (m *MemoryEngine) Upsert(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return Classify("upsert", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("upsert"); err != nil {
		return err
	}
	m.put(doc)
	return nil
}

func (m *MemoryEngine) BulkUpsert(ctx context.Context, index string, docs []*Document) error {
	if err := ctx.Err(); err != nil {
		return Classify("bulk upsert", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("bulk upsert"); err != nil {
		return err
	}
	for _, d := range docs {
		d.IndexName = index
		m.put(d)
	}
	return nil
}

func (m *MemoryEngine) Delete(ctx context.Context, index, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("delete"); err != nil {
		return err
	}
	delete(m.docs[index], entityID)
	return nil
}

func (m *MemoryEngine) UpdateEmbedding(ctx context.Context, index, entityID string, f *EmbeddingFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("update embedding"); err != nil {
		return err
	}
	d, ok := m.docs[index][entityID]
	if !ok {
		return apperror.NewNotFound("search document", entityID)
	}
	cp := *f
	d.Embedding = &cp
	m.writes++
	return nil
}

func (m *MemoryEngine) GetFingerprint(ctx context.Context, index, entityID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("get fingerprint"); err != nil {
		return "", false, err
	}
	d, ok := m.docs[index][entityID]
	if !ok {
		return "", false, nil
	}
	if d.Embedding == nil {
		return "", true, nil
	}
	return d.Embedding.Fingerprint, true, nil
}

func (m *MemoryEngine) MissingEmbeddings(ctx context.Context, index string, types []string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var docs []*Document
	for _, d := range m.docs[index] {
		if want[d.EntityType] && !d.Deleted && (d.Embedding.IsEmpty() || d.Embedding.Fingerprint == "") {
			docs = append(docs, d)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].UpdatedAt.Before(docs[j].UpdatedAt)
		}
		return docs[i].EntityID < docs[j].EntityID
	})
	ids := make([]string, 0, min(limit, len(docs)))
	for _, d := range docs {
		if len(ids) >= limit {
			break
		}
		ids = append(ids, d.EntityID)
	}
	return ids, nil
}

func (m *MemoryEngine) KNN(ctx context.Context, q KNNQuery) ([]Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("knn"); err != nil {
		return nil, err
	}

	var hits []Hit
	for _, d := range m.docs[q.Index] {
		if d.Embedding.IsEmpty() || !q.Filters.Match(d) {
			continue
		}
		hits = append(hits, hitOf(d, pgutils.CosineSimilarity(q.Vector, d.Embedding.Embedding)))
	}
	sortHits(hits)

	limit := q.Size
	if q.K > 0 && q.K < limit {
		limit = q.K
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *MemoryEngine) Lexical(ctx context.Context, q LexicalQuery) ([]Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("lexical"); err != nil {
		return nil, err
	}

	terms := strings.Fields(strings.ToLower(q.Query))
	if len(terms) == 0 {
		return nil, nil
	}

	var hits []Hit
	for _, d := range m.docs[q.Index] {
		if !q.Filters.Match(d) {
			continue
		}
		text := strings.ToLower(strings.Join([]string{d.Name, d.DisplayName, d.FQN, d.Description}, " "))
		matched := 0
		for _, t := range terms {
			if strings.Contains(text, t) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, hitOf(d, float64(matched)/float64(len(terms))))
	}
	sortHits(hits)
	if len(hits) > q.Size {
		hits = hits[:q.Size]
	}
	return hits, nil
}

func hitOf(d *Document, score float64) Hit {
	h := Hit{
		EntityID:   d.EntityID,
		EntityType: d.EntityType,
		FQN:        d.FQN,
		Name:       d.Name,
		Score:      score,
	}
	if d.Embedding != nil {
		h.ParentID = d.Embedding.ParentID
	}
	return h
}

// sortHits orders by score descending, then entity id for stable output.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].EntityID < hits[j].EntityID
	})
}

var _ Engine = (*MemoryEngine)(nil)
