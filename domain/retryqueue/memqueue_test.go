package retryqueue

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emergent-company/catalog-sync/domain/indexer"
)

// memQueue is an in-memory Queue with the same transitions as Store.
type memQueue struct {
	mu   sync.Mutex
	rows map[entryKey]*Entry
	now  time.Time
}

func newMemQueue() *memQueue {
	return &memQueue{rows: make(map[entryKey]*Entry), now: time.Unix(1700000000, 0)}
}

func (q *memQueue) tick() time.Time {
	q.now = q.now.Add(time.Millisecond)
	return q.now
}

func (q *memQueue) Enqueue(ctx context.Context, id, fqn, entityType, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, fqn = strings.TrimSpace(id), strings.TrimSpace(fqn)
	if id == "" && fqn == "" {
		return nil
	}
	reason = indexer.TruncateReason(reason)
	for k, r := range q.rows {
		if id != "" && k.id == id && k.fqn != fqn && r.Status != StatusProcessing {
			delete(q.rows, k)
		}
	}
	now := q.tick()
	k := entryKey{id, fqn}
	if r, ok := q.rows[k]; ok {
		if r.Status == StatusFailedPermanent {
			r.AttemptCount = 0
		}
		r.Status = StatusPending
		r.FailureReason = &reason
		r.ClaimedAt = nil
		r.UpdatedAt = now
		return nil
	}
	q.rows[k] = &Entry{
		EntityID: id, EntityFQN: fqn, EntityType: entityType,
		FailureReason: &reason, Status: StatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
	return nil
}

func (q *memQueue) Claim(ctx context.Context, limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var pending []*Entry
	for _, r := range q.rows {
		if r.Status == StatusPending {
			pending = append(pending, r)
		}
	}
	slices.SortFunc(pending, func(a, b *Entry) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]Entry, 0, len(pending))
	for _, r := range pending {
		now := q.tick()
		r.Status = StatusProcessing
		r.ClaimedAt = &now
		r.UpdatedAt = now
		out = append(out, *r)
	}
	return out, nil
}

// reenqueued reports whether r was enqueued again after e was claimed.
func reenqueued(r *Entry, e Entry) bool {
	return e.ClaimedAt != nil && r.Status == StatusPending && r.UpdatedAt.After(*e.ClaimedAt)
}

func (q *memQueue) Complete(ctx context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k, r := range q.rows {
		if (e.EntityID != "" && k.id == e.EntityID) || (e.EntityID == "" && k.fqn == e.EntityFQN && k.id == "") {
			if !reenqueued(r, e) {
				delete(q.rows, k)
			}
		}
	}
	return nil
}

func (q *memQueue) Discard(ctx context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := entryKey{e.EntityID, e.EntityFQN}
	if r, ok := q.rows[k]; ok && !reenqueued(r, e) {
		delete(q.rows, k)
	}
	return nil
}

func (q *memQueue) MarkFailed(ctx context.Context, e Entry, reason string, maxAttempts int) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.rows[entryKey{e.EntityID, e.EntityFQN}]
	if !ok {
		return "", nil
	}
	r.AttemptCount++
	r.FailureReason = &reason
	r.ClaimedAt = nil
	r.UpdatedAt = q.tick()
	r.Status = StatusPending
	if r.AttemptCount >= maxAttempts {
		r.Status = StatusFailedPermanent
	}
	return r.Status, nil
}

func (q *memQueue) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, r := range q.rows {
		if r.Status == StatusProcessing && r.ClaimedAt != nil && q.now.Sub(*r.ClaimedAt) >= olderThan {
			r.Status = StatusPending
			r.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (q *memQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rows)
}

func (q *memQueue) Get(id, fqn string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.rows[entryKey{id, fqn}]
	if !ok {
		return Entry{}, false
	}
	return *r, true
}
