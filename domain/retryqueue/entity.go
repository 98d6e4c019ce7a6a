package retryqueue

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/emergent-company/catalog-sync/domain/catalog"
)

// Status is the lifecycle state of a retry queue entry.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusProcessing      Status = "PROCESSING"
	StatusFailedPermanent Status = "FAILED_PERMANENT"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusFailedPermanent:
		return true
	}
	return false
}

// Entry is one entity that failed to index. There is at most one live entry
// per (EntityID, EntityFQN).
type Entry struct {
	bun.BaseModel `bun:"table:search.index_retry_queue,alias:q"`

	EntityID      string     `bun:"entity_id,pk" json:"entityId"`
	EntityFQN     string     `bun:"entity_fqn,pk" json:"entityFqn"`
	EntityType    string     `bun:"entity_type,notnull" json:"entityType"`
	FailureReason *string    `bun:"failure_reason" json:"failureReason,omitempty"`
	Status        Status     `bun:"status,notnull" json:"status"`
	AttemptCount  int        `bun:"attempt_count,notnull" json:"attemptCount"`
	ClaimedAt     *time.Time `bun:"claimed_at" json:"claimedAt,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull,default:now()" json:"createdAt"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull,default:now()" json:"updatedAt"`
}

// Ref returns the catalog reference the entry points at.
func (e Entry) Ref() catalog.Ref {
	return catalog.Ref{ID: e.EntityID, FQN: e.EntityFQN, Type: e.EntityType}
}

// Reason returns the recorded failure reason or "".
func (e Entry) Reason() string {
	if e.FailureReason == nil {
		return ""
	}
	return *e.FailureReason
}

// Stats counts entries per status.
type Stats struct {
	Pending         int `json:"pending"`
	Processing      int `json:"processing"`
	FailedPermanent int `json:"failedPermanent"`
}

// Total returns the number of live entries.
func (s Stats) Total() int {
	return s.Pending + s.Processing + s.FailedPermanent
}
