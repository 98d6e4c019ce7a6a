package reindex

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/emergent-company/catalog-sync/domain/catalog"
)

// Status is the state of a collection's latest reindex run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Checkpoint is the persisted progress of a collection's latest run. The
// cursor only advances after a page has been written.
type Checkpoint struct {
	bun.BaseModel `bun:"table:search.reindex_cursors,alias:rc"`

	Collection   string     `bun:"collection,pk" json:"collection"`
	RunID        string     `bun:"run_id,notnull" json:"runId"`
	Status       Status     `bun:"status,notnull" json:"status"`
	CursorTS     int64      `bun:"cursor_ts,notnull" json:"cursorTimestamp"`
	CursorHash   string     `bun:"cursor_hash,notnull" json:"cursorHash"`
	PagesVisited int        `bun:"pages_visited,notnull" json:"pagesVisited"`
	RowsIndexed  int64      `bun:"rows_indexed,notnull" json:"rowsIndexed"`
	RowsFailed   int64      `bun:"rows_failed,notnull" json:"rowsFailed"`
	LastError    *string    `bun:"last_error" json:"lastError,omitempty"`
	StartedAt    time.Time  `bun:"started_at,notnull" json:"startedAt"`
	UpdatedAt    time.Time  `bun:"updated_at,notnull" json:"updatedAt"`
	FinishedAt   *time.Time `bun:"finished_at" json:"finishedAt,omitempty"`
}

// Cursor returns the keyset position after the last written row.
func (c *Checkpoint) Cursor() catalog.Cursor {
	return catalog.Cursor{Timestamp: c.CursorTS, EntityFQNHash: c.CursorHash}
}

func (c *Checkpoint) advance(row catalog.TimeSeriesRow) {
	c.CursorTS = row.Timestamp
	c.CursorHash = row.EntityFQNHash
}

func (c *Checkpoint) finish(status Status, err error, now time.Time) {
	c.Status = status
	c.UpdatedAt = now
	if err != nil {
		msg := err.Error()
		c.LastError = &msg
	}
	if status != StatusRunning {
		c.FinishedAt = &now
	}
}
