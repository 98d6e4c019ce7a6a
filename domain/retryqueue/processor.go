package retryqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/indexer"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/internal/jobs"
	"github.com/emergent-company/catalog-sync/pkg/apperror"
	"github.com/emergent-company/catalog-sync/pkg/logger"
	"github.com/emergent-company/catalog-sync/pkg/syshealth"
	"github.com/emergent-company/catalog-sync/pkg/tracing"
)

// Queue is the persistence the processor drains. *Store implements it.
type Queue interface {
	Claim(ctx context.Context, limit int) ([]Entry, error)
	Complete(ctx context.Context, e Entry) error
	Discard(ctx context.Context, e Entry) error
	MarkFailed(ctx context.Context, e Entry, reason string, maxAttempts int) (Status, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// EntityReader resolves queued references against the primary store.
// *catalog.Repository implements it.
type EntityReader interface {
	Resolve(ctx context.Context, ref catalog.Ref) (*catalog.Entity, error)
	ResolveTimeSeries(ctx context.Context, ref catalog.Ref) (*catalog.Entity, error)
	ListChildren(ctx context.Context, parentID string, relations []string, limit int) ([]catalog.Entity, error)
}

// DocumentWriter is the indexer core path. *indexer.Indexer implements it.
type DocumentWriter interface {
	IndexDocument(ctx context.Context, entity *catalog.Entity, indexName string) error
	DeleteDocument(ctx context.Context, entityID, indexName string) error
	Park(ctx context.Context, entityID, entityFQN, entityType, reason string) indexer.Outcome
}

// ConcurrencyLimiter lowers the worker pool size under system pressure.
// *syshealth.ConcurrencyScaler implements it.
type ConcurrencyLimiter interface {
	GetConcurrency(staticValue int) int
}

// Outcome is what processing did with one entry.
type Outcome string

const (
	OutcomeIndexed         Outcome = "indexed"
	OutcomeStale           Outcome = "stale"
	OutcomeSuspended       Outcome = "suspended"
	OutcomeRetry           Outcome = "retry"
	OutcomeFailedPermanent Outcome = "failed_permanent"
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	Claimed         int `json:"claimed"`
	Indexed         int `json:"indexed"`
	Stale           int `json:"stale"`
	Suspended       int `json:"suspended"`
	Retried         int `json:"retried"`
	FailedPermanent int `json:"failedPermanent"`
	Cascaded        int `json:"cascaded"`
}

func (r *SweepResult) add(o Outcome) {
	switch o {
	case OutcomeIndexed:
		r.Indexed++
	case OutcomeStale:
		r.Stale++
	case OutcomeSuspended:
		r.Suspended++
	case OutcomeRetry:
		r.Retried++
	case OutcomeFailedPermanent:
		r.FailedPermanent++
	}
}

// Failed returns the number of entries that stay in the queue.
func (r SweepResult) Failed() int {
	return r.Retried + r.FailedPermanent
}

// Processor drains the retry queue back through the indexer.
type Processor struct {
	queue       Queue
	reader      EntityReader
	writer      DocumentWriter
	suspensions *Suspensions
	limiter     ConcurrencyLimiter
	cfg         config.RetryQueueConfig
	indexName   string
	log         *slog.Logger

	sweepMu sync.Mutex
	worker  *jobs.Worker
}

// NewProcessor creates a processor. limiter may be nil.
func NewProcessor(
	queue Queue,
	reader EntityReader,
	writer DocumentWriter,
	suspensions *Suspensions,
	limiter ConcurrencyLimiter,
	cfg config.RetryQueueConfig,
	indexName string,
	log *slog.Logger,
) *Processor {
	p := &Processor{
		queue:       queue,
		reader:      reader,
		writer:      writer,
		suspensions: suspensions,
		limiter:     limiter,
		cfg:         cfg,
		indexName:   indexName,
		log:         log.With(logger.Scope("retryqueue.processor")),
	}
	p.worker = jobs.NewWorker(jobs.WorkerConfig{
		Name:         "retry-queue",
		PollInterval: cfg.PollInterval,
		RunOnStart:   true,
	}, p.log, p.cycle)
	return p
}

// Start recovers orphaned claims and starts the polling worker.
func (p *Processor) Start(ctx context.Context) error {
	if _, err := p.RecoverStale(ctx); err != nil {
		p.log.Warn("stale claim recovery failed", logger.Error(err))
	}
	return p.worker.Start(ctx)
}

// Stop stops the polling worker, waiting for the current sweep.
func (p *Processor) Stop(ctx context.Context) error {
	return p.worker.Stop(ctx)
}

// Metrics returns the polling worker counters.
func (p *Processor) Metrics() jobs.WorkerMetrics {
	return p.worker.Metrics()
}

// RecoverStale returns claims older than RETRY_STALE_MINUTES to PENDING.
func (p *Processor) RecoverStale(ctx context.Context) (int, error) {
	return p.queue.RecoverStale(ctx, time.Duration(p.cfg.StaleMinutes)*time.Minute)
}

func (p *Processor) cycle(ctx context.Context) (int, int, error) {
	res, err := p.Sweep(ctx)
	return res.Claimed, res.Failed(), err
}

func (p *Processor) concurrency() int {
	n := p.cfg.Concurrency
	if n < 1 {
		n = 1
	}
	if p.limiter != nil {
		n = p.limiter.GetConcurrency(n)
	}
	syshealth.WorkerConcurrency.WithLabelValues("retry-queue").Set(float64(n))
	return n
}

// Sweep claims one batch of PENDING entries and processes it on a bounded
// pool. Sweeps do not overlap. Entries left unprocessed by a cancelled sweep
// stay PROCESSING until stale recovery.
func (p *Processor) Sweep(ctx context.Context) (SweepResult, error) {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	var res SweepResult
	entries, err := p.queue.Claim(ctx, p.cfg.ClaimBatchSize)
	if err != nil {
		return res, err
	}
	res.Claimed = len(entries)
	if len(entries) == 0 {
		return res, nil
	}

	ctx, span := tracing.Start(ctx, "retryqueue.sweep", attribute.Int("claimed", len(entries)))
	defer span.End()

	var mu sync.Mutex
	err = jobs.RunBounded(ctx, p.concurrency(), entries, func(ctx context.Context, e Entry) error {
		o, cascaded := p.process(ctx, e)
		mu.Lock()
		res.add(o)
		res.Cascaded += cascaded
		mu.Unlock()
		return nil
	})

	p.log.Debug("retry sweep finished",
		slog.Int("claimed", res.Claimed),
		slog.Int("indexed", res.Indexed),
		slog.Int("stale", res.Stale),
		slog.Int("retried", res.Retried),
		slog.Int("failed_permanent", res.FailedPermanent),
	)
	return res, err
}

// Drain sweeps until the queue has no PENDING entries or a sweep makes no
// progress.
func (p *Processor) Drain(ctx context.Context) (SweepResult, error) {
	var total SweepResult
	for {
		res, err := p.Sweep(ctx)
		total.Claimed += res.Claimed
		total.Indexed += res.Indexed
		total.Stale += res.Stale
		total.Suspended += res.Suspended
		total.Retried += res.Retried
		total.FailedPermanent += res.FailedPermanent
		total.Cascaded += res.Cascaded
		if err != nil || res.Claimed == 0 || res.Failed() == res.Claimed {
			return total, err
		}
	}
}

// ProcessEntry handles one claimed entry.
func (p *Processor) ProcessEntry(ctx context.Context, e Entry) Outcome {
	o, _ := p.process(ctx, e)
	return o
}

func (p *Processor) process(ctx context.Context, e Entry) (Outcome, int) {
	o, cascaded := p.processEntry(ctx, e)
	syshealth.RetryOutcomes.WithLabelValues(string(o)).Inc()
	return o, cascaded
}

func (p *Processor) processEntry(ctx context.Context, e Entry) (Outcome, int) {
	if p.suspensions != nil && p.suspensions.Drops(e) {
		// the running reindex rewrites every document of this type
		if err := p.queue.Discard(ctx, e); err != nil {
			p.log.Warn("failed to drop suspended retry", logger.Error(err))
		}
		return OutcomeSuspended, 0
	}

	entity, err := p.resolve(ctx, e)
	if errors.Is(err, apperror.ErrStaleEntityReference) {
		if e.EntityID != "" {
			if err := p.writer.DeleteDocument(ctx, e.EntityID, p.indexName); err != nil {
				return p.fail(ctx, e, indexer.Reason("delete", err), p.cfg.MaxAttempts), 0
			}
		}
		if err := p.queue.Discard(ctx, e); err != nil {
			p.log.Warn("failed to drop stale retry", logger.Error(err))
		}
		p.log.Debug("dropped retry for missing entity",
			slog.String("entity_id", e.EntityID),
			slog.String("entity_fqn", e.EntityFQN),
		)
		return OutcomeStale, 0
	}
	if errors.Is(err, apperror.ErrPermanentIndexingFailure) {
		// retrying cannot fix a row that does not decode
		return p.fail(ctx, e, indexer.Reason("resolve", err), 1), 0
	}
	if err != nil {
		return p.fail(ctx, e, indexer.Reason("resolve", err), p.cfg.MaxAttempts), 0
	}

	if err := p.writer.IndexDocument(ctx, entity, p.indexName); err != nil {
		return p.fail(ctx, e, indexer.Reason("upsert", err), p.cfg.MaxAttempts), 0
	}

	cascaded := p.cascade(ctx, entity)

	if err := p.queue.Complete(ctx, e); err != nil {
		p.log.Warn("failed to remove completed retry", logger.Error(err))
	}
	if e.EntityID == "" && entity.ID != "" {
		// fqn-only entry: rows queued under the resolved id are done too
		if err := p.queue.Complete(ctx, Entry{EntityID: entity.ID, ClaimedAt: e.ClaimedAt}); err != nil {
			p.log.Warn("failed to remove completed retry", logger.Error(err))
		}
	}
	return OutcomeIndexed, cascaded
}

// resolve looks the reference up among catalog entities, then among the
// time-series rows a reindex run parks under the collection name.
func (p *Processor) resolve(ctx context.Context, e Entry) (*catalog.Entity, error) {
	entity, err := p.reader.Resolve(ctx, e.Ref())
	if !errors.Is(err, apperror.ErrStaleEntityReference) {
		return entity, err
	}
	return p.reader.ResolveTimeSeries(ctx, e.Ref())
}

func (p *Processor) fail(ctx context.Context, e Entry, reason string, maxAttempts int) Outcome {
	status, err := p.queue.MarkFailed(ctx, e, reason, maxAttempts)
	if err != nil {
		p.log.Error("failed to record retry failure",
			slog.String("entity_id", e.EntityID),
			logger.Error(err),
		)
		return OutcomeRetry
	}
	if status == StatusFailedPermanent {
		p.log.Warn("entity could not be indexed, giving up",
			slog.String("entity_id", e.EntityID),
			slog.String("entity_fqn", e.EntityFQN),
			slog.String("entity_type", e.EntityType),
			slog.String("reason", reason),
		)
		return OutcomeFailedPermanent
	}
	return OutcomeRetry
}

// cascade reindexes the descendants of parent breadth-first, up to
// RETRY_MAX_CASCADE entities. A child that fails is queued on its own.
func (p *Processor) cascade(ctx context.Context, parent *catalog.Entity) int {
	limit := p.cfg.MaxCascade
	if limit <= 0 {
		return 0
	}

	visited := map[string]bool{parent.ID: true}
	frontier := []*catalog.Entity{parent}
	count := 0

	for len(frontier) > 0 && count < limit {
		var next []*catalog.Entity
		for _, node := range frontier {
			if ctx.Err() != nil {
				return count
			}
			children, err := p.reader.ListChildren(ctx, node.ID, catalog.CascadeRelations(node.Type), limit-count)
			if err != nil {
				p.log.Warn("cascade listing failed",
					slog.String("parent_id", node.ID),
					logger.Error(err),
				)
				continue
			}
			for i := range children {
				child := &children[i]
				if visited[child.ID] || count >= limit {
					continue
				}
				visited[child.ID] = true
				count++
				if err := p.writer.IndexDocument(ctx, child, p.indexName); err != nil {
					p.writer.Park(ctx, child.ID, child.FQN, child.Type, indexer.Reason("cascade upsert", err))
				}
				next = append(next, child)
			}
		}
		frontier = next
	}

	if count >= limit {
		p.log.Warn("cascade reindex capped",
			slog.String("parent_id", parent.ID),
			slog.Int("limit", limit),
		)
	}
	return count
}
