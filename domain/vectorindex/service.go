// Package vectorindex generates embedding fields for catalog documents and
// serves similarity search over them.
package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/searchindex"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/pkg/apperror"
	"github.com/emergent-company/catalog-sync/pkg/logger"
	"github.com/emergent-company/catalog-sync/pkg/mathutil"
	"github.com/emergent-company/catalog-sync/pkg/syshealth"
	"github.com/emergent-company/catalog-sync/pkg/textsplitter"
	"github.com/emergent-company/catalog-sync/pkg/tracing"
)

const (
	defaultSearchSize = 10
	maxSearchSize     = 100
)

// Embedder turns text into vectors. *embeddings.Service implements it.
type Embedder interface {
	IsEnabled() bool
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error)
}

// Service builds embedding fields and runs vector search.
type Service struct {
	registry     *Registry
	engine       searchindex.Engine
	embedder     Embedder
	cfg          config.VectorConfig
	split        textsplitter.Config
	defaultIndex string
	log          *slog.Logger
}

// NewService creates a vector index service.
func NewService(
	registry *Registry,
	engine searchindex.Engine,
	embedder Embedder,
	cfg config.VectorConfig,
	defaultIndex string,
	log *slog.Logger,
) *Service {
	return &Service{
		registry:     registry,
		engine:       engine,
		embedder:     embedder,
		cfg:          cfg,
		split:        textsplitter.Config{ChunkSize: cfg.ChunkSize, ChunkOverlap: cfg.ChunkOverlap},
		defaultIndex: defaultIndex,
		log:          log.With(logger.Scope("vectorindex.svc")),
	}
}

// Registry returns the capability registry the service consults.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Enabled reports whether embeddings can be generated for entityType.
func (s *Service) Enabled(entityType string) bool {
	return s.embedder.IsEnabled() && s.registry.IsVectorIndexable(entityType)
}

// GenerateEmbeddingFields returns the embedding fields for entity. The
// result is nil, without error, for types that are not vector-indexable
// and when embeddings are disabled.
func (s *Service) GenerateEmbeddingFields(ctx context.Context, entity *catalog.Entity) (*searchindex.EmbeddingFields, error) {
	if entity == nil || !s.Enabled(entity.Type) {
		return nil, nil
	}

	ctx, span := tracing.Start(ctx, "vectorindex.generate",
		attribute.String("entity.id", entity.ID),
		attribute.String("entity.type", entity.Type),
	)
	defer span.End()

	text := buildEmbedText(entity, s.split)
	fields, err := s.embed(ctx, entity, text)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return fields, nil
}

func (s *Service) embed(ctx context.Context, entity *catalog.Entity, text embedText) (*searchindex.EmbeddingFields, error) {
	toEmbed := text.TextToEmbed()
	vectors, err := s.embedder.EmbedDocuments(ctx, []string{toEmbed})
	if err != nil {
		return nil, fmt.Errorf("embed %s %s: %w", entity.Type, entity.ID, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embed %s %s: empty embedding", entity.Type, entity.ID)
	}

	return &searchindex.EmbeddingFields{
		Embedding:   vectors[0],
		TextToEmbed: toEmbed,
		ChunkIndex:  0,
		ChunkCount:  len(text.Chunks),
		ParentID:    entity.ID,
		Fingerprint: text.Fingerprint(),
	}, nil
}

// Fingerprint returns the fingerprint of the text entity would be embedded
// from.
func (s *Service) Fingerprint(entity *catalog.Entity) string {
	return buildEmbedText(entity, s.split).Fingerprint()
}

// UpdateEntityEmbedding refreshes the embedding columns of the existing
// document for entity. Nothing is written when the stored fingerprint
// matches the current content.
func (s *Service) UpdateEntityEmbedding(ctx context.Context, entity *catalog.Entity, indexName string) error {
	if entity == nil || !s.Enabled(entity.Type) {
		return nil
	}
	if indexName == "" {
		indexName = s.defaultIndex
	}

	ctx, span := tracing.Start(ctx, "vectorindex.update",
		attribute.String("entity.id", entity.ID),
		attribute.String("index", indexName),
	)
	defer span.End()

	text := buildEmbedText(entity, s.split)
	current := text.Fingerprint()

	stored, found, err := s.engine.GetFingerprint(ctx, indexName, entity.ID)
	if err != nil {
		tracing.RecordError(span, err)
		syshealth.EmbeddingUpdates.WithLabelValues("failed").Inc()
		return err
	}
	if !found {
		syshealth.EmbeddingUpdates.WithLabelValues("missing").Inc()
		return apperror.NewNotFound("search document", entity.ID)
	}
	if stored == current {
		syshealth.EmbeddingUpdates.WithLabelValues("unchanged").Inc()
		return nil
	}

	fields, err := s.embed(ctx, entity, text)
	if err == nil {
		err = s.engine.UpdateEmbedding(ctx, indexName, entity.ID, fields)
	}
	if err != nil {
		tracing.RecordError(span, err)
		syshealth.EmbeddingUpdates.WithLabelValues("failed").Inc()
		return err
	}

	syshealth.EmbeddingUpdates.WithLabelValues("updated").Inc()
	s.log.Debug("embedding updated",
		slog.String("entity_id", entity.ID),
		slog.String("entity_type", entity.Type),
		slog.Int("chunks", fields.ChunkCount),
	)
	return nil
}

// SearchRequest is a vector search over one index.
type SearchRequest struct {
	Index     string              `json:"index,omitempty"`
	Query     string              `json:"query"`
	Filters   searchindex.Filters `json:"filters,omitempty"`
	Size      int                 `json:"size,omitempty"`
	From      int                 `json:"from,omitempty"`
	K         int                 `json:"k,omitempty"`
	Threshold *float64            `json:"threshold,omitempty"`
}

// SearchHit is one document of a search response.
type SearchHit struct {
	EntityID   string  `json:"id"`
	EntityType string  `json:"entityType"`
	FQN        string  `json:"fullyQualifiedName"`
	Name       string  `json:"name"`
	ParentID   string  `json:"parentId"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

// SearchResponse holds the hits of the requested page of parents.
type SearchResponse struct {
	TookMillis int64       `json:"tookMillis"`
	Hits       []SearchHit `json:"hits"`
}

func (s *Service) normalize(req SearchRequest) SearchRequest {
	if req.Index == "" {
		req.Index = s.defaultIndex
	}
	req.Size = mathutil.ClampLimit(req.Size, defaultSearchSize, maxSearchSize)
	if req.From < 0 {
		req.From = 0
	}
	if req.K <= 0 {
		req.K = s.cfg.DefaultK
	}
	if req.Threshold == nil {
		t := s.cfg.DefaultThreshold
		req.Threshold = &t
	}
	return req
}

// Search embeds the query, runs a filtered kNN query and returns the
// requested page of parent documents. Only neighbours at or above the
// similarity threshold are candidates; lexical rank reorders candidates
// but never adds any, so raising the threshold can only shrink the result.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	start := time.Now()
	if strings.TrimSpace(req.Query) == "" {
		return nil, apperror.NewBadRequest("query is required")
	}
	if !s.embedder.IsEnabled() {
		return nil, apperror.ErrTransientIndexingFailure.WithMessage("embeddings are not configured")
	}
	req = s.normalize(req)

	ctx, span := tracing.Start(ctx, "vectorindex.search",
		attribute.String("index", req.Index),
		attribute.Int("size", req.Size),
		attribute.Int("from", req.From),
	)
	defer span.End()

	vector, err := s.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, apperror.ErrTransientIndexingFailure.WithMessage("failed to embed query").WithInternal(err)
	}
	if len(vector) == 0 {
		return nil, apperror.ErrTransientIndexingFailure.WithMessage("empty query embedding")
	}

	overFetch := (req.From + req.Size) * 2
	neighbours, err := s.engine.KNN(ctx, searchindex.KNNQuery{
		Index:   req.Index,
		Vector:  vector,
		K:       req.K,
		Size:    overFetch,
		Filters: req.Filters,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	candidates := make([]searchindex.Hit, 0, len(neighbours))
	for _, h := range neighbours {
		if h.Score >= *req.Threshold {
			candidates = append(candidates, h)
		}
	}

	var lexical []searchindex.Hit
	if len(candidates) > 0 && s.cfg.LexicalWeight > 0 {
		lexical, err = s.engine.Lexical(ctx, searchindex.LexicalQuery{
			Index:   req.Index,
			Query:   req.Query,
			Size:    overFetch,
			Filters: req.Filters,
		})
		if err != nil {
			s.log.Warn("lexical rank unavailable, using similarity only", logger.Error(err))
			lexical = nil
		}
	}

	ranked := fuse(candidates, lexical, s.cfg.VectorWeight, s.cfg.LexicalWeight)
	hits := pageByParent(ranked, req.From, req.Size)

	took := time.Since(start)
	syshealth.VectorSearchLatency.Observe(took.Seconds())
	span.SetAttributes(attribute.Int("hits", len(hits)))

	return &SearchResponse{
		TookMillis: took.Milliseconds(),
		Hits:       hits,
	}, nil
}

// fuse scores candidates with z-score normalised similarity and lexical
// rank, each squashed through a sigmoid and weighted. Candidates without a
// lexical match get no lexical contribution.
func fuse(candidates, lexical []searchindex.Hit, vectorWeight, lexicalWeight float32) []SearchHit {
	if len(candidates) == 0 {
		return []SearchHit{}
	}

	if vectorWeight <= 0 && lexicalWeight <= 0 {
		vectorWeight = 1
	}
	if len(lexical) == 0 {
		lexicalWeight = 0
	}
	total := vectorWeight + lexicalWeight
	if total <= 0 {
		vectorWeight, total = 1, 1
	}
	vectorWeight /= total
	lexicalWeight /= total

	sims := make([]float32, len(candidates))
	for i, h := range candidates {
		sims[i] = float32(h.Score)
	}
	simMean, simStd := mathutil.CalcMeanStd(sims)

	lexScores := make(map[string]float32, len(lexical))
	lexValues := make([]float32, 0, len(lexical))
	for _, h := range lexical {
		lexScores[h.EntityID] = float32(h.Score)
		lexValues = append(lexValues, float32(h.Score))
	}
	lexMean, lexStd := mathutil.CalcMeanStd(lexValues)

	out := make([]SearchHit, len(candidates))
	for i, h := range candidates {
		score := vectorWeight * mathutil.Sigmoid((sims[i]-simMean)/simStd)
		if l, ok := lexScores[h.EntityID]; ok {
			score += lexicalWeight * mathutil.Sigmoid((l-lexMean)/lexStd)
		}
		out[i] = SearchHit{
			EntityID:   h.EntityID,
			EntityType: h.EntityType,
			FQN:        h.FQN,
			Name:       h.Name,
			ParentID:   h.GroupKey(),
			Similarity: h.Score,
			Score:      float64(score),
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// pageByParent groups ranked hits by parent in order of first appearance,
// skips from groups and returns every hit of the next size groups.
func pageByParent(ranked []SearchHit, from, size int) []SearchHit {
	var (
		order  []string
		groups = make(map[string][]SearchHit)
	)
	for _, h := range ranked {
		if _, seen := groups[h.ParentID]; !seen {
			order = append(order, h.ParentID)
		}
		groups[h.ParentID] = append(groups[h.ParentID], h)
	}

	out := []SearchHit{}
	if from >= len(order) {
		return out
	}
	end := min(from+size, len(order))
	for _, parent := range order[from:end] {
		out = append(out, groups[parent]...)
	}
	return out
}
