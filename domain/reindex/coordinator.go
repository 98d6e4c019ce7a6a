// Package reindex streams a time-series collection through the indexer in
// keyset order, persisting a resumable cursor after every page.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/indexer"
	"github.com/emergent-company/catalog-sync/domain/retryqueue"
	"github.com/emergent-company/catalog-sync/domain/searchindex"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/internal/jobs"
	"github.com/emergent-company/catalog-sync/pkg/apperror"
	"github.com/emergent-company/catalog-sync/pkg/logger"
	"github.com/emergent-company/catalog-sync/pkg/mathutil"
	"github.com/emergent-company/catalog-sync/pkg/pgutils"
	"github.com/emergent-company/catalog-sync/pkg/syshealth"
	"github.com/emergent-company/catalog-sync/pkg/tracing"
)

const (
	maxPageSize  = 10000
	maxReadDelay = 10 * time.Second
)

// PageReader reads keyset pages. *catalog.Repository implements it.
type PageReader interface {
	FetchTimeSeriesPage(ctx context.Context, collection string, after catalog.Cursor, limit int) ([]catalog.TimeSeriesRow, error)
}

// Writer is the indexer surface a run needs. *indexer.Indexer implements it.
type Writer interface {
	BulkIndex(ctx context.Context, entities []*catalog.Entity, indexName string) error
	IndexDocument(ctx context.Context, entity *catalog.Entity, indexName string) error
	Park(ctx context.Context, entityID, entityFQN, entityType, reason string) indexer.Outcome
}

// RunParams selects what a run reads. A zero PageSize uses REINDEX_PAGE_SIZE.
type RunParams struct {
	Collection   string `json:"collection"`
	PageSize     int    `json:"pageSize"`
	MinTimestamp int64  `json:"minTimestamp"`
	Resume       bool   `json:"resume"`
}

// RunResult reports what a run did. Counters cover this run only.
type RunResult struct {
	RunID        string         `json:"runId"`
	Collection   string         `json:"collection"`
	Status       Status         `json:"status"`
	PagesVisited int            `json:"pagesVisited"`
	RowsIndexed  int64          `json:"rowsIndexed"`
	RowsFailed   int64          `json:"rowsFailed"`
	Cursor       catalog.Cursor `json:"cursor"`
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   time.Time      `json:"finishedAt"`
}

var errCancelRequested = errors.New("reindex cancelled")

type run struct {
	params RunParams
	cp     *Checkpoint
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Coordinator runs reindex jobs, at most one per collection.
type Coordinator struct {
	reader      PageReader
	writer      Writer
	store       CursorStore
	suspensions *retryqueue.Suspensions
	cfg         config.ReindexConfig
	indexName   string
	log         *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	active map[string]*run
	wg     sync.WaitGroup
}

// NewCoordinator creates a reindex coordinator.
func NewCoordinator(
	reader PageReader,
	writer Writer,
	store CursorStore,
	suspensions *retryqueue.Suspensions,
	cfg config.ReindexConfig,
	indexName string,
	log *slog.Logger,
) *Coordinator {
	return &Coordinator{
		reader:      reader,
		writer:      writer,
		store:       store,
		suspensions: suspensions,
		cfg:         cfg,
		indexName:   indexName,
		log:         log.With(logger.Scope("reindex.coordinator")),
		now:         time.Now,
		active:      make(map[string]*run),
	}
}

// Run reindexes a collection synchronously. An engine outage returns
// apperror.ErrReindexInterrupted with the run paused; Cancel ends the run as
// cancelled with a nil error.
func (c *Coordinator) Run(ctx context.Context, p RunParams) (RunResult, error) {
	r, err := c.begin(ctx, p)
	if err != nil {
		return RunResult{}, err
	}
	return c.execute(r)
}

// Start launches a run in the background and returns its id. The run
// outlives ctx; use Cancel or Stop to end it.
func (c *Coordinator) Start(ctx context.Context, p RunParams) (string, error) {
	r, err := c.begin(context.WithoutCancel(ctx), p)
	if err != nil {
		return "", err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.execute(r); err != nil {
			c.log.Warn("background reindex ended with error",
				slog.String("collection", r.params.Collection),
				logger.Error(err),
			)
		}
	}()
	return r.cp.RunID, nil
}

// Cancel stops the active run of collection. It reports whether one was
// running.
func (c *Coordinator) Cancel(collection string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.active[collection]
	if ok {
		r.cancel(errCancelRequested)
	}
	return ok
}

// Stop cancels every active run and waits for background runs to persist
// their cursors.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	for _, r := range c.active {
		r.cancel(errCancelRequested)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether collection has an active run.
func (c *Coordinator) IsRunning(collection string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[collection]
	return ok
}

// Status returns the persisted checkpoint of collection.
func (c *Coordinator) Status(ctx context.Context, collection string) (*Checkpoint, error) {
	cp, err := c.store.Load(ctx, collection)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, apperror.NewNotFound("reindex checkpoint", collection)
	}
	return cp, nil
}

func (c *Coordinator) pageSize(n int) int {
	if n <= 0 {
		n = c.cfg.PageSize
	}
	return mathutil.ClampInt(n, 1, maxPageSize)
}

func (c *Coordinator) begin(ctx context.Context, p RunParams) (*run, error) {
	if p.Collection == "" {
		return nil, apperror.NewBadRequest("collection is required")
	}
	p.PageSize = c.pageSize(p.PageSize)

	var prev *Checkpoint
	if p.Resume {
		var err error
		prev, err = c.store.Load(ctx, p.Collection)
		if err != nil {
			return nil, err
		}
	}

	now := c.now()
	cp := &Checkpoint{
		Collection: p.Collection,
		RunID:      uuid.NewString(),
		Status:     StatusRunning,
		CursorTS:   p.MinTimestamp,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if prev != nil && prev.Status != StatusCompleted {
		cp.CursorTS = prev.CursorTS
		cp.CursorHash = prev.CursorHash
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	r := &run{params: p, cp: cp, ctx: runCtx, cancel: cancel}

	c.mu.Lock()
	if _, busy := c.active[p.Collection]; busy {
		c.mu.Unlock()
		cancel(nil)
		return nil, apperror.ErrReindexAlreadyRunning.WithDetails(map[string]any{"collection": p.Collection})
	}
	c.active[p.Collection] = r
	c.mu.Unlock()

	if err := c.store.Save(ctx, cp); err != nil {
		c.release(r)
		return nil, err
	}
	return r, nil
}

func (c *Coordinator) release(r *run) {
	c.mu.Lock()
	if c.active[r.params.Collection] == r {
		delete(c.active, r.params.Collection)
	}
	c.mu.Unlock()
	r.cancel(nil)
}

func (c *Coordinator) execute(r *run) (RunResult, error) {
	defer c.release(r)

	p, cp := r.params, r.cp
	ctx, span := tracing.Start(r.ctx, "reindex.run",
		attribute.String("collection", p.Collection),
		attribute.Int("page_size", p.PageSize),
	)
	defer span.End()

	// queued retries of this type are redundant while every row is rewritten
	unsuspend := c.suspensions.Suspend(p.Collection)
	defer unsuspend()

	log := c.log.With(slog.String("collection", p.Collection), slog.String("run_id", cp.RunID))
	log.Info("reindex started",
		slog.Int("page_size", p.PageSize),
		slog.Int64("cursor_ts", cp.CursorTS),
		slog.Bool("resume", p.Resume),
	)

	runErr := c.stream(ctx, r)

	status, retErr := c.classify(r, runErr)
	cp.finish(status, runErr, c.now())
	// the cursor must be persisted even when the run was cancelled
	if err := c.store.Save(context.WithoutCancel(ctx), cp); err != nil {
		log.Error("failed to persist final checkpoint", logger.Error(err))
		if retErr == nil {
			retErr = err
		}
	}
	tracing.RecordError(span, retErr)

	res := RunResult{
		RunID:        cp.RunID,
		Collection:   p.Collection,
		Status:       status,
		PagesVisited: cp.PagesVisited,
		RowsIndexed:  cp.RowsIndexed,
		RowsFailed:   cp.RowsFailed,
		Cursor:       cp.Cursor(),
		StartedAt:    cp.StartedAt,
		FinishedAt:   c.now(),
	}
	log.Info("reindex finished",
		slog.String("status", string(status)),
		slog.Int("pages", res.PagesVisited),
		slog.Int64("rows_indexed", res.RowsIndexed),
		slog.Int64("rows_failed", res.RowsFailed),
	)
	return res, retErr
}

func (c *Coordinator) classify(r *run, err error) (Status, error) {
	switch {
	case err == nil:
		return StatusCompleted, nil
	case errors.Is(context.Cause(r.ctx), errCancelRequested):
		return StatusCancelled, nil
	case r.ctx.Err() != nil:
		return StatusCancelled, r.ctx.Err()
	case errors.Is(err, apperror.ErrReindexInterrupted):
		return StatusPaused, err
	default:
		return StatusFailed, err
	}
}

// stream pages through the collection until a short page.
func (c *Coordinator) stream(ctx context.Context, r *run) error {
	p, cp := r.params, r.cp
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := c.readWithRetry(ctx, p.Collection, cp.Cursor(), p.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgutils.IsTransient(err) {
				return apperror.ErrReindexInterrupted.WithMessage("primary store unavailable").WithInternal(err)
			}
			return fmt.Errorf("read %s page: %w", p.Collection, err)
		}
		if len(rows) == 0 {
			return nil
		}

		indexed, failed, err := c.writePage(ctx, p.Collection, rows)
		if err != nil {
			// earlier pages stay written; the cursor still points at them
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperror.ErrReindexInterrupted.WithMessage("search engine unavailable").WithInternal(err)
		}

		cp.advance(rows[len(rows)-1])
		cp.PagesVisited++
		cp.RowsIndexed += int64(indexed)
		cp.RowsFailed += int64(failed)
		cp.UpdatedAt = c.now()
		if err := c.store.Save(context.WithoutCancel(ctx), cp); err != nil {
			return err
		}

		syshealth.ReindexPages.WithLabelValues(p.Collection).Inc()
		syshealth.ReindexRows.WithLabelValues(p.Collection, "indexed").Add(float64(indexed))
		syshealth.ReindexRows.WithLabelValues(p.Collection, "failed").Add(float64(failed))

		if len(rows) < p.PageSize {
			return nil
		}
	}
}

// readWithRetry retries transient read errors with exponential backoff
// capped at ten seconds.
func (c *Coordinator) readWithRetry(ctx context.Context, collection string, after catalog.Cursor, limit int) ([]catalog.TimeSeriesRow, error) {
	backoff := jobs.Backoff{Base: c.cfg.ReadBaseDelay, Max: maxReadDelay}
	for attempt := 0; ; attempt++ {
		rows, err := c.reader.FetchTimeSeriesPage(ctx, collection, after, limit)
		if err == nil {
			return rows, nil
		}
		if !pgutils.IsTransient(err) || attempt >= c.cfg.ReadMaxRetries {
			return nil, err
		}
		delay := backoff.Delay(attempt)
		c.log.Warn("page read failed, retrying",
			slog.String("collection", collection),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			logger.Error(err),
		)
		if err := jobs.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// writePage bulk-indexes a page. When the bulk write fails permanently the
// page is retried row by row so one bad row does not sink the rest; rows that
// still fail permanently go to the retry queue. A transient failure
// interrupts the run.
func (c *Coordinator) writePage(ctx context.Context, collection string, rows []catalog.TimeSeriesRow) (indexed, failed int, err error) {
	entities := make([]*catalog.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := catalog.DecodeTimeSeries(collection, row)
		if err != nil {
			c.park(ctx, collection, row.EntityID, row.EntityFQN, indexer.Reason("decode", err))
			failed++
			continue
		}
		entities = append(entities, e)
	}

	err = c.writer.BulkIndex(ctx, entities, c.indexName)
	if err == nil {
		return len(entities), failed, nil
	}
	if searchindex.IsTransient(err) {
		return 0, 0, err
	}

	c.log.Warn("bulk write rejected, writing rows individually",
		slog.String("collection", collection),
		slog.Int("rows", len(entities)),
		logger.Error(err),
	)
	for _, e := range entities {
		err := c.writer.IndexDocument(ctx, e, c.indexName)
		switch {
		case err == nil:
			indexed++
		case searchindex.IsTransient(err):
			return 0, 0, err
		default:
			c.park(ctx, collection, e.ID, e.FQN, indexer.Reason("upsert", err))
			failed++
		}
	}
	return indexed, failed, nil
}

// park queues a row the run could not write under the collection name, which
// the retry processor resolves against the time-series table. The row is
// exempted from the run's own suspension first, so a concurrent retry sweep
// keeps it.
func (c *Coordinator) park(ctx context.Context, collection, entityID, entityFQN, reason string) {
	c.suspensions.Exempt(collection, entityID, entityFQN)
	c.writer.Park(ctx, entityID, entityFQN, collection, reason)
}
