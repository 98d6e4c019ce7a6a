package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/reindex"
	"github.com/emergent-company/catalog-sync/domain/retryqueue"
	"github.com/emergent-company/catalog-sync/pkg/apperror"
	"github.com/emergent-company/catalog-sync/pkg/logger"
)

// Sweeper drains the retry queue. *retryqueue.Processor implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (retryqueue.SweepResult, error)
	RecoverStale(ctx context.Context) (int, error)
}

// RetrySweepTask sweeps the retry queue once per run.
type RetrySweepTask struct {
	sweeper Sweeper
	log     *slog.Logger
}

// NewRetrySweepTask creates a new retry sweep task
func NewRetrySweepTask(sweeper Sweeper, log *slog.Logger) *RetrySweepTask {
	return &RetrySweepTask{
		sweeper: sweeper,
		log:     log.With(logger.Scope("scheduler.retry_sweep")),
	}
}

// Run executes one sweep
func (t *RetrySweepTask) Run(ctx context.Context) error {
	start := time.Now()
	res, err := t.sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("retry sweep: %w", err)
	}
	if res.Claimed > 0 {
		t.log.Info("retry queue swept",
			slog.Int("claimed", res.Claimed),
			slog.Int("indexed", res.Indexed),
			slog.Int("failed", res.Failed()),
			slog.Duration("duration", time.Since(start)))
	}
	return nil
}

// StaleRecoveryTask returns abandoned PROCESSING claims to PENDING.
type StaleRecoveryTask struct {
	sweeper Sweeper
	log     *slog.Logger
}

// NewStaleRecoveryTask creates a new stale claim recovery task
func NewStaleRecoveryTask(sweeper Sweeper, log *slog.Logger) *StaleRecoveryTask {
	return &StaleRecoveryTask{
		sweeper: sweeper,
		log:     log.With(logger.Scope("scheduler.stale_recovery")),
	}
}

// Run executes the stale claim recovery
func (t *StaleRecoveryTask) Run(ctx context.Context) error {
	n, err := t.sweeper.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recover stale claims: %w", err)
	}
	if n > 0 {
		t.log.Warn("recovered stale retry claims", slog.Int("count", n))
	}
	return nil
}

// Reindexer starts background reindex runs. *reindex.Coordinator
// implements it.
type Reindexer interface {
	Start(ctx context.Context, p reindex.RunParams) (string, error)
}

// ReindexTask starts a resumable reindex of each configured collection.
type ReindexTask struct {
	reindexer   Reindexer
	collections []string
	log         *slog.Logger
}

// NewReindexTask creates a new scheduled reindex task
func NewReindexTask(reindexer Reindexer, collections []string, log *slog.Logger) *ReindexTask {
	return &ReindexTask{
		reindexer:   reindexer,
		collections: collections,
		log:         log.With(logger.Scope("scheduler.reindex")),
	}
}

// Run starts the runs and returns without waiting for them. A collection
// that is already being reindexed is skipped.
func (t *ReindexTask) Run(ctx context.Context) error {
	var errs []error
	for _, c := range t.collections {
		runID, err := t.reindexer.Start(ctx, reindex.RunParams{Collection: c, Resume: true})
		switch {
		case errors.Is(err, apperror.ErrReindexAlreadyRunning):
			t.log.Debug("reindex already running", slog.String("collection", c))
		case err != nil:
			errs = append(errs, fmt.Errorf("reindex %s: %w", c, err))
		default:
			t.log.Info("scheduled reindex started",
				slog.String("collection", c),
				slog.String("run_id", runID))
		}
	}
	return errors.Join(errs...)
}

// MissingEmbeddingLister lists documents whose embedding was never written.
// searchindex.Engine implements it.
type MissingEmbeddingLister interface {
	MissingEmbeddings(ctx context.Context, index string, types []string, limit int) ([]string, error)
}

// EntityGetter loads entities. *catalog.Repository implements it.
type EntityGetter interface {
	GetByID(ctx context.Context, id string) (*catalog.Entity, error)
}

// EmbeddingUpdater refreshes document embeddings. *vectorindex.Service
// implements it.
type EmbeddingUpdater interface {
	Enabled(entityType string) bool
	UpdateEntityEmbedding(ctx context.Context, entity *catalog.Entity, indexName string) error
}

// EmbeddingRepairTask embeds documents that were written without an
// embedding, for example while the embedding provider was unavailable.
type EmbeddingRepairTask struct {
	docs      MissingEmbeddingLister
	entities  EntityGetter
	vectors   EmbeddingUpdater
	types     []string
	indexName string
	batch     int
	log       *slog.Logger
}

// NewEmbeddingRepairTask creates a new embedding repair task
func NewEmbeddingRepairTask(
	docs MissingEmbeddingLister,
	entities EntityGetter,
	vectors EmbeddingUpdater,
	types []string,
	indexName string,
	batch int,
	log *slog.Logger,
) *EmbeddingRepairTask {
	if batch <= 0 {
		batch = 200
	}
	return &EmbeddingRepairTask{
		docs:      docs,
		entities:  entities,
		vectors:   vectors,
		types:     types,
		indexName: indexName,
		batch:     batch,
		log:       log.With(logger.Scope("scheduler.embedding_repair")),
	}
}

// RepairResult counts the outcome of one repair run.
type RepairResult struct {
	Candidates int `json:"candidates"`
	Repaired   int `json:"repaired"`
	Missing    int `json:"missing"`
	Failed     int `json:"failed"`
}

// Run executes one repair batch
func (t *EmbeddingRepairTask) Run(ctx context.Context) error {
	res, err := t.Repair(ctx)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d embedding repairs failed", res.Failed, res.Candidates)
	}
	return nil
}

// Repair re-embeds up to one batch of documents and reports what happened.
func (t *EmbeddingRepairTask) Repair(ctx context.Context) (RepairResult, error) {
	var res RepairResult
	start := time.Now()

	var types []string
	for _, typ := range t.types {
		if t.vectors.Enabled(typ) {
			types = append(types, typ)
		}
	}
	if len(types) == 0 {
		return res, nil
	}

	ids, err := t.docs.MissingEmbeddings(ctx, t.indexName, types, t.batch)
	if err != nil {
		return res, fmt.Errorf("list missing embeddings: %w", err)
	}
	res.Candidates = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		entity, err := t.entities.GetByID(ctx, id)
		if errors.Is(err, apperror.ErrNotFound) {
			// deleted since it was indexed; the indexer drops its document
			res.Missing++
			continue
		}
		if err == nil {
			err = t.vectors.UpdateEntityEmbedding(ctx, entity, t.indexName)
		}
		if err != nil {
			res.Failed++
			t.log.Warn("embedding repair failed",
				slog.String("entity_id", id),
				logger.Error(err))
			continue
		}
		res.Repaired++
	}

	if res.Candidates > 0 {
		t.log.Info("embedding repair finished",
			slog.Int("candidates", res.Candidates),
			slog.Int("repaired", res.Repaired),
			slog.Int("missing", res.Missing),
			slog.Int("failed", res.Failed),
			slog.Duration("duration", time.Since(start)))
	}
	return res, nil
}
