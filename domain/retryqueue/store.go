package retryqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/emergent-company/catalog-sync/domain/indexer"
	"github.com/emergent-company/catalog-sync/internal/database"
	"github.com/emergent-company/catalog-sync/pkg/apperror"
	"github.com/emergent-company/catalog-sync/pkg/logger"
	"github.com/emergent-company/catalog-sync/pkg/syshealth"
)

// Store persists retry queue entries in search.index_retry_queue.
type Store struct {
	db  bun.IDB
	log *slog.Logger
}

// NewStore creates a new retry queue store
func NewStore(db bun.IDB, log *slog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With(logger.Scope("retryqueue.store")),
	}
}

// Enqueue records a failed entity as PENDING. Id and fqn are trimmed; a
// reference with neither is skipped. Rows left over for the same id under
// another fqn (a rename) are superseded. A FAILED_PERMANENT row that fails
// again starts over with a fresh attempt count.
func (s *Store) Enqueue(ctx context.Context, entityID, entityFQN, entityType, reason string) error {
	entityID = strings.TrimSpace(entityID)
	entityFQN = strings.TrimSpace(entityFQN)
	if entityID == "" && entityFQN == "" {
		s.log.Debug("skipping retry entry without id or fqn", slog.String("reason", reason))
		return nil
	}
	reason = indexer.TruncateReason(reason)

	err := database.RunInTx(ctx, s.db, "retryqueue.enqueue", func(ctx context.Context, tx bun.Tx) error {
		if entityID != "" {
			_, err := tx.NewDelete().
				Model((*Entry)(nil)).
				Where("entity_id = ?", entityID).
				Where("entity_fqn <> ?", entityFQN).
				Where("status <> ?", StatusProcessing).
				Exec(ctx)
			if err != nil {
				return err
			}
		}

		_, err := tx.NewRaw(`
			INSERT INTO search.index_retry_queue AS q
				(entity_id, entity_fqn, entity_type, failure_reason, status, attempt_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, now(), now())
			ON CONFLICT (entity_id, entity_fqn) DO UPDATE SET
				entity_type    = COALESCE(NULLIF(EXCLUDED.entity_type, ''), q.entity_type),
				failure_reason = EXCLUDED.failure_reason,
				status         = ?,
				attempt_count  = CASE WHEN q.status = ? THEN 0 ELSE q.attempt_count END,
				claimed_at     = NULL,
				updated_at     = now()`,
			entityID, entityFQN, entityType, reason, StatusPending,
			StatusPending, StatusFailedPermanent,
		).Exec(ctx)
		return err
	})
	if err != nil {
		return apperror.ErrDatabase.WithInternal(fmt.Errorf("enqueue retry: %w", err))
	}
	return nil
}

// Claim atomically moves up to limit PENDING entries to PROCESSING and
// returns them, oldest first. Rows locked by a concurrent claim are skipped.
func (s *Store) Claim(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	var entries []Entry
	err := s.db.NewRaw(`
		WITH cte AS (
			SELECT entity_id, entity_fqn FROM search.index_retry_queue
			WHERE status = ?
			ORDER BY status, updated_at
			FOR UPDATE SKIP LOCKED
			LIMIT ?
		)
		UPDATE search.index_retry_queue q
		SET status = ?, claimed_at = now(), updated_at = now()
		FROM cte
		WHERE q.entity_id = cte.entity_id AND q.entity_fqn = cte.entity_fqn
		RETURNING q.*`,
		StatusPending, limit, StatusProcessing,
	).Scan(ctx, &entries)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("claim retries: %w", err))
	}
	return entries, nil
}

// Complete removes the entry and every other entry for the same entity id.
// Rows enqueued again after e was claimed carry a newer update and are kept.
func (s *Store) Complete(ctx context.Context, e Entry) error {
	q := s.db.NewDelete().Model((*Entry)(nil))
	if e.EntityID != "" {
		q = q.Where("entity_id = ?", e.EntityID)
	} else {
		q = q.Where("entity_id = ''").Where("entity_fqn = ?", e.EntityFQN)
	}
	if _, err := unchangedSinceClaim(q, e).Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// Discard removes exactly this entry, unless it was enqueued again after
// it was claimed.
func (s *Store) Discard(ctx context.Context, e Entry) error {
	q := s.db.NewDelete().
		Model((*Entry)(nil)).
		Where("entity_id = ?", e.EntityID).
		Where("entity_fqn = ?", e.EntityFQN)
	if _, err := unchangedSinceClaim(q, e).Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// unchangedSinceClaim restricts a delete to rows not re-enqueued since e was
// claimed. Enqueue resets a row to PENDING with a fresh updated_at; Claim stamps
// claimed_at and updated_at together.
func unchangedSinceClaim(q *bun.DeleteQuery, e Entry) *bun.DeleteQuery {
	if e.ClaimedAt == nil {
		return q
	}
	return q.Where("NOT (status = ? AND updated_at > ?)", StatusPending, *e.ClaimedAt)
}

// MarkFailed records a failed attempt. The entry goes back to PENDING, or
// to FAILED_PERMANENT once maxAttempts attempts have failed.
func (s *Store) MarkFailed(ctx context.Context, e Entry, reason string, maxAttempts int) (Status, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var status Status
	err := s.db.NewRaw(`
		UPDATE search.index_retry_queue
		SET attempt_count  = attempt_count + 1,
			failure_reason = ?,
			status         = CASE WHEN attempt_count + 1 >= ? THEN ? ELSE ? END,
			claimed_at     = NULL,
			updated_at     = now()
		WHERE entity_id = ? AND entity_fqn = ?
		RETURNING status`,
		indexer.TruncateReason(reason), maxAttempts, StatusFailedPermanent, StatusPending,
		e.EntityID, e.EntityFQN,
	).Scan(ctx, &status)
	if errors.Is(err, sql.ErrNoRows) {
		// completed or superseded meanwhile
		return "", nil
	}
	if err != nil {
		return "", apperror.ErrDatabase.WithInternal(fmt.Errorf("mark retry failed: %w", err))
	}
	return status, nil
}

// RecoverStale returns PROCESSING entries claimed more than olderThan ago
// to PENDING. Claims are orphaned when a processor dies mid-sweep.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = 10 * time.Minute
	}

	res, err := s.db.NewUpdate().
		Model((*Entry)(nil)).
		Set("status = ?", StatusPending).
		Set("claimed_at = NULL").
		Set("updated_at = now()").
		Where("status = ?", StatusProcessing).
		Where("claimed_at < ?", time.Now().Add(-olderThan)).
		Exec(ctx)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(fmt.Errorf("recover stale retries: %w", err))
	}

	count, _ := res.RowsAffected()
	if count > 0 {
		s.log.Warn("recovered stale retry claims",
			slog.Int64("count", count),
			slog.Duration("older_than", olderThan))
	}
	return int(count), nil
}

// List returns entries with the given status (all statuses when empty),
// oldest first.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]Entry, error) {
	entries := []Entry{}
	q := s.db.NewSelect().
		Model(&entries).
		OrderExpr("q.updated_at ASC").
		Limit(limit)
	if status != "" {
		q = q.Where("q.status = ?", status)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return entries, nil
}

// Stats counts entries per status and publishes the queue depth gauge.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COUNT(*) FILTER (WHERE status = 'FAILED_PERMANENT')
		FROM search.index_retry_queue`,
	).Scan(&st.Pending, &st.Processing, &st.FailedPermanent)
	if err != nil {
		return Stats{}, apperror.ErrDatabase.WithInternal(fmt.Errorf("retry queue stats: %w", err))
	}

	syshealth.RetryQueueDepth.WithLabelValues(string(StatusPending)).Set(float64(st.Pending))
	syshealth.RetryQueueDepth.WithLabelValues(string(StatusProcessing)).Set(float64(st.Processing))
	syshealth.RetryQueueDepth.WithLabelValues(string(StatusFailedPermanent)).Set(float64(st.FailedPermanent))
	return st, nil
}

// Requeue moves FAILED_PERMANENT entries back to PENDING with a fresh
// attempt count. With no ids every permanent failure is requeued.
func (s *Store) Requeue(ctx context.Context, entityIDs []string) (int, error) {
	q := s.db.NewUpdate().
		Model((*Entry)(nil)).
		Set("status = ?", StatusPending).
		Set("attempt_count = 0").
		Set("updated_at = now()").
		Where("status = ?", StatusFailedPermanent)
	if len(entityIDs) > 0 {
		q = q.Where("entity_id IN (?)", bun.In(entityIDs))
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(fmt.Errorf("requeue retries: %w", err))
	}
	count, _ := res.RowsAffected()
	return int(count), nil
}
