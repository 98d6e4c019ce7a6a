// Package indexer writes catalog entities to the search index. Write
// failures never reach the caller that mutated the entity: they are parked
// in the retry queue and repaired by the retry queue processor.
package indexer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/searchindex"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/internal/jobs"
	"github.com/emergent-company/catalog-sync/pkg/logger"
	"github.com/emergent-company/catalog-sync/pkg/syshealth"
	"github.com/emergent-company/catalog-sync/pkg/tracing"
)

// Enqueuer parks an entity that could not be indexed.
// *retryqueue.Store implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, entityID, entityFQN, entityType, reason string) error
}

// EmbeddingGenerator produces the embedding fields merged into documents.
// *vectorindex.Service implements it.
type EmbeddingGenerator interface {
	GenerateEmbeddingFields(ctx context.Context, entity *catalog.Entity) (*searchindex.EmbeddingFields, error)
}

// Outcome reports what the best-effort path did with an entity.
type Outcome string

const (
	OutcomeIndexed Outcome = "indexed"
	OutcomeDeleted Outcome = "deleted"
	// OutcomeQueued: the write failed and a retry row was recorded.
	OutcomeQueued Outcome = "queued"
	// OutcomeDropped: the write failed and the retry row could not be
	// recorded either. Only a reindex repairs it.
	OutcomeDropped Outcome = "dropped"
)

// Indexer builds search documents and writes them to the engine.
type Indexer struct {
	engine       searchindex.Engine
	embeddings   EmbeddingGenerator
	queue        Enqueuer
	cfg          config.IndexerConfig
	defaultIndex string
	log          *slog.Logger
}

// NewIndexer creates an indexer. embeddings may be nil.
func NewIndexer(
	engine searchindex.Engine,
	embeddings EmbeddingGenerator,
	queue Enqueuer,
	cfg config.IndexerConfig,
	defaultIndex string,
	log *slog.Logger,
) *Indexer {
	return &Indexer{
		engine:       engine,
		embeddings:   embeddings,
		queue:        queue,
		cfg:          cfg,
		defaultIndex: defaultIndex,
		log:          log.With(logger.Scope("indexer")),
	}
}

// DefaultIndex is the index used when callers pass "".
func (x *Indexer) DefaultIndex() string {
	return x.defaultIndex
}

func (x *Indexer) indexName(name string) string {
	if name == "" {
		return x.defaultIndex
	}
	return name
}

// BuildDocument projects entity into a search document without embeddings.
func BuildDocument(entity *catalog.Entity, indexName string) *searchindex.Document {
	return &searchindex.Document{
		IndexName:     indexName,
		EntityID:      entity.ID,
		EntityType:    entity.Type,
		FQN:           entity.FQN,
		Name:          entity.Name,
		DisplayName:   entity.DisplayName,
		Description:   entity.Description,
		ServiceType:   entity.ServiceType,
		Tier:          entity.Tier(),
		Certification: entity.Attributes.Certification,
		Tags:          entity.AllTagFQNs(),
		Owners:        entity.OwnerNames(),
		Domains:       entity.DomainFQNs(),
		Extension:     entity.Attributes.Extension,
		Deleted:       entity.Deleted,
		UpdatedAt:     time.UnixMilli(entity.UpdatedAt).UTC(),
	}
}

// prepare builds the document and merges embedding fields. An embedding
// failure leaves the document without them; the embedding repair task
// fills them in later.
func (x *Indexer) prepare(ctx context.Context, entity *catalog.Entity, indexName string) *searchindex.Document {
	doc := BuildDocument(entity, indexName)
	if x.embeddings == nil || entity.Deleted {
		return doc
	}
	fields, err := x.embeddings.GenerateEmbeddingFields(ctx, entity)
	if err != nil {
		x.log.Warn("embedding generation failed, indexing text only",
			slog.String("entity_id", entity.ID),
			slog.String("entity_type", entity.Type),
			logger.Error(err),
		)
		return doc
	}
	doc.Embedding = fields
	return doc
}

// attempt runs one engine call bounded by the attempt timeout.
func (x *Indexer) attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if x.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.cfg.AttemptTimeout)
		defer cancel()
	}
	err := searchindex.Classify(op, fn(ctx))
	result := "ok"
	if err != nil {
		result = "error"
	}
	syshealth.IndexAttempts.WithLabelValues(op, result).Inc()
	return err
}

// IndexDocument writes entity once. It is the core path used by the retry
// queue processor and by reindex runs; it does not enqueue on failure.
func (x *Indexer) IndexDocument(ctx context.Context, entity *catalog.Entity, indexName string) error {
	ctx, span := tracing.Start(ctx, "indexer.index_document",
		attribute.String("entity.id", entity.ID),
		attribute.String("entity.type", entity.Type),
	)
	defer span.End()

	doc := x.prepare(ctx, entity, x.indexName(indexName))
	err := x.attempt(ctx, "upsert", func(ctx context.Context) error {
		return x.engine.Upsert(ctx, doc)
	})
	tracing.RecordError(span, err)
	return err
}

// Index is the best-effort write path for entity mutations. A transient
// failure is retried once inline; if the write still fails the entity is
// enqueued for the retry queue processor. It never returns an error.
func (x *Indexer) Index(ctx context.Context, entity *catalog.Entity, indexName string) Outcome {
	ctx, span := tracing.Start(ctx, "indexer.index",
		attribute.String("entity.id", entity.ID),
		attribute.String("entity.type", entity.Type),
	)
	defer span.End()

	doc := x.prepare(ctx, entity, x.indexName(indexName))
	upsert := func(ctx context.Context) error {
		return x.engine.Upsert(ctx, doc)
	}

	err := x.attempt(ctx, "upsert", upsert)
	if err != nil && searchindex.IsTransient(err) && ctx.Err() == nil {
		if jobs.Sleep(ctx, x.cfg.InlineRetryDelay) == nil {
			err = x.attempt(ctx, "upsert", upsert)
		}
	}
	if err == nil {
		return OutcomeIndexed
	}

	tracing.RecordError(span, err)
	return x.Park(ctx, entity.ID, entity.FQN, entity.Type, Reason("upsert", err))
}

// BulkIndex writes entities with a single bulk request. It does not enqueue.
func (x *Indexer) BulkIndex(ctx context.Context, entities []*catalog.Entity, indexName string) error {
	if len(entities) == 0 {
		return nil
	}
	indexName = x.indexName(indexName)

	ctx, span := tracing.Start(ctx, "indexer.bulk_index",
		attribute.Int("count", len(entities)),
		attribute.String("index", indexName),
	)
	defer span.End()

	docs := make([]*searchindex.Document, len(entities))
	for i, e := range entities {
		docs[i] = x.prepare(ctx, e, indexName)
	}
	err := x.attempt(ctx, "bulk upsert", func(ctx context.Context) error {
		return x.engine.BulkUpsert(ctx, indexName, docs)
	})
	tracing.RecordError(span, err)
	return err
}

// DeleteDocument removes the document of entityID. It does not enqueue.
func (x *Indexer) DeleteDocument(ctx context.Context, entityID, indexName string) error {
	return x.attempt(ctx, "delete", func(ctx context.Context) error {
		return x.engine.Delete(ctx, x.indexName(indexName), entityID)
	})
}

// Delete removes the document for ref. On failure the reference is
// enqueued; the processor then finds the entity gone and removes the stale
// document.
func (x *Indexer) Delete(ctx context.Context, ref catalog.Ref, indexName string) Outcome {
	if ref.ID == "" {
		// documents are keyed by id; the processor resolves the fqn
		return x.Park(ctx, ref.ID, ref.FQN, ref.Type, Reason("delete", errors.New("document id unknown")))
	}
	err := x.DeleteDocument(ctx, ref.ID, indexName)
	if err == nil {
		return OutcomeDeleted
	}
	return x.Park(ctx, ref.ID, ref.FQN, ref.Type, Reason("delete", err))
}

// Park records a retry row for an entity that could not be written.
func (x *Indexer) Park(ctx context.Context, entityID, entityFQN, entityType, reason string) Outcome {
	// the mutation may have been cancelled; the retry row must still be written
	ctx = context.WithoutCancel(ctx)
	if err := x.queue.Enqueue(ctx, entityID, entityFQN, entityType, reason); err != nil {
		x.log.Error("failed to enqueue index retry",
			slog.String("entity_id", entityID),
			slog.String("entity_fqn", entityFQN),
			slog.String("reason", reason),
			logger.Error(err),
		)
		return OutcomeDropped
	}
	x.log.Warn("indexing failed, queued for retry",
		slog.String("entity_id", entityID),
		slog.String("entity_fqn", entityFQN),
		slog.String("reason", reason),
	)
	return OutcomeQueued
}
