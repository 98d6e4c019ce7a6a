package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/uptrace/bun"

	"github.com/emergent-company/catalog-sync/pkg/apperror"
	"github.com/emergent-company/catalog-sync/pkg/logger"
)

// Direction of a lineage edge walk relative to the anchor node.
type Direction string

const (
	Upstream   Direction = "upstream"
	Downstream Direction = "downstream"
)

// Ref identifies an entity by id and/or fully qualified name. Either may be
// empty, but not both.
type Ref struct {
	ID   string `json:"id,omitempty"`
	FQN  string `json:"fqn,omitempty"`
	Type string `json:"type,omitempty"`
}

// Neighbor is one direct edge seen from the anchor node.
type Neighbor struct {
	FromID string `bun:"from_id"`
	ToID   string `bun:"to_id"`

	ID   string `bun:"id"`
	Type string `bun:"entity_type"`
	FQN  string `bun:"fqn"`
	Name string `bun:"name"`
}

// EdgeCounts are total direct edge counts of a node, independent of paging.
type EdgeCounts struct {
	Upstream   int `bun:"upstream"`
	Downstream int `bun:"downstream"`
}

// Cursor is a keyset position in a time-series collection.
type Cursor struct {
	Timestamp     int64  `json:"timestamp"`
	EntityFQNHash string `json:"entityFqnHash"`
}

// Repository reads entities, relationships and time-series rows from the
// primary store.
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new catalog repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("catalog.repo")),
	}
}

// GetByID returns a non-deleted entity or apperror.ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id string) (*Entity, error) {
	var e Entity
	err := r.db.NewSelect().
		Model(&e).
		Where("e.id = ?", id).
		Where("e.deleted = false").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("entity", id)
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &e, nil
}

// GetByFQN returns a non-deleted entity by FQN. entityType narrows the lookup
// when FQNs collide across types.
func (r *Repository) GetByFQN(ctx context.Context, entityType, fqn string) (*Entity, error) {
	var e Entity
	q := r.db.NewSelect().
		Model(&e).
		Where("e.fqn_hash = ?", HashFQN(fqn)).
		Where("e.deleted = false").
		OrderExpr("e.updated_at DESC").
		Limit(1)
	if entityType != "" {
		q = q.Where("e.entity_type = ?", entityType)
	}
	err := q.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("entity", fqn)
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &e, nil
}

// Resolve finds the current entity for a queued reference, by id first and
// then by FQN. A reference that matches nothing yields
// apperror.ErrStaleEntityReference.
func (r *Repository) Resolve(ctx context.Context, ref Ref) (*Entity, error) {
	id := strings.TrimSpace(ref.ID)
	fqn := strings.TrimSpace(ref.FQN)

	if id != "" {
		e, err := r.GetByID(ctx, id)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, apperror.ErrNotFound) {
			return nil, err
		}
	}
	if fqn != "" {
		e, err := r.GetByFQN(ctx, ref.Type, fqn)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, apperror.ErrNotFound) {
			return nil, err
		}
	}
	return nil, apperror.ErrStaleEntityReference.WithMessage(
		fmt.Sprintf("entity id=%q fqn=%q no longer exists", id, fqn))
}

// ListChildren returns non-deleted entities reached from parentID through the
// given relations, up to limit rows.
func (r *Repository) ListChildren(ctx context.Context, parentID string, relations []string, limit int) ([]Entity, error) {
	var children []Entity
	err := r.db.NewSelect().
		Model(&children).
		Join("JOIN catalog.entity_relationships AS r ON r.to_id = e.id").
		Where("r.from_id = ?", parentID).
		Where("r.relation IN (?)", bun.In(relations)).
		Where("r.deleted = false").
		Where("e.deleted = false").
		OrderExpr("e.fqn ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return children, nil
}

// DirectEdges returns up to limit lineage edges of nodeID in one direction,
// ordered by the neighbor's FQN. Downstream of X are edges with from_id = X;
// upstream of X are edges with to_id = X.
func (r *Repository) DirectEdges(ctx context.Context, nodeID string, dir Direction, limit int) ([]Neighbor, error) {
	anchor, other := "r.from_id", "r.to_id"
	if dir == Upstream {
		anchor, other = "r.to_id", "r.from_id"
	}

	var out []Neighbor
	err := r.db.NewSelect().
		TableExpr("catalog.entity_relationships AS r").
		ColumnExpr("r.from_id, r.to_id").
		ColumnExpr("e.id, e.entity_type, e.fqn, e.name").
		Join("JOIN catalog.entities AS e ON e.id = "+other).
		Where(anchor+" = ?", nodeID).
		Where("r.relation = ?", RelationUpstream).
		Where("r.deleted = false").
		Where("e.deleted = false").
		OrderExpr("e.fqn ASC, e.id ASC").
		Limit(limit).
		Scan(ctx, &out)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return out, nil
}

// CountEdges returns total upstream and downstream lineage edge counts of
// nodeID. Edges to deleted entities are not counted, matching DirectEdges.
func (r *Repository) CountEdges(ctx context.Context, nodeID string) (EdgeCounts, error) {
	var c EdgeCounts
	err := r.db.NewRaw(`
		SELECT
			COUNT(*) FILTER (WHERE r.to_id = ?0)   AS upstream,
			COUNT(*) FILTER (WHERE r.from_id = ?0) AS downstream
		FROM catalog.entity_relationships r
		JOIN catalog.entities e
		  ON e.id = CASE WHEN r.from_id = ?0 THEN r.to_id ELSE r.from_id END
		WHERE (r.from_id = ?0 OR r.to_id = ?0)
		  AND r.relation = ?1
		  AND r.deleted = false
		  AND e.deleted = false
	`, nodeID, RelationUpstream).Scan(ctx, &c)
	if err != nil {
		return EdgeCounts{}, apperror.ErrDatabase.WithInternal(err)
	}
	return c, nil
}

// FetchTimeSeriesPage returns rows strictly after cursor under the
// (timestamp, entity_fqn_hash) ordering.
func (r *Repository) FetchTimeSeriesPage(ctx context.Context, collection string, after Cursor, limit int) ([]TimeSeriesRow, error) {
	var rows []TimeSeriesRow
	err := r.db.NewSelect().
		Model(&rows).
		Where("ts.collection = ?", collection).
		Where("(ts.timestamp, ts.entity_fqn_hash) > (?, ?)", after.Timestamp, after.EntityFQNHash).
		OrderExpr("ts.timestamp ASC, ts.entity_fqn_hash ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fetch %s page after (%d, %q): %w", collection, after.Timestamp, after.EntityFQNHash, err)
	}
	return rows, nil
}

// ResolveTimeSeries finds the latest row of collection ref.Type for a
// queued reference, by id or FQN, and decodes it. No matching row yields
// apperror.ErrStaleEntityReference; an undecodable row yields
// apperror.ErrPermanentIndexingFailure.
func (r *Repository) ResolveTimeSeries(ctx context.Context, ref Ref) (*Entity, error) {
	id := strings.TrimSpace(ref.ID)
	fqn := strings.TrimSpace(ref.FQN)
	if ref.Type == "" || (id == "" && fqn == "") {
		return nil, apperror.ErrStaleEntityReference.WithMessage("reference has no collection")
	}

	var row TimeSeriesRow
	err := r.db.NewSelect().
		Model(&row).
		Where("ts.collection = ?", ref.Type).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			if id != "" {
				q = q.WhereOr("ts.entity_id = ?", id)
			}
			if fqn != "" {
				q = q.WhereOr("ts.entity_fqn_hash = ?", HashFQN(fqn))
			}
			return q
		}).
		OrderExpr("ts.timestamp DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrStaleEntityReference.WithMessage(
			fmt.Sprintf("%s row id=%q fqn=%q no longer exists", ref.Type, id, fqn))
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	e, err := DecodeTimeSeries(ref.Type, row)
	if err != nil {
		return nil, apperror.ErrPermanentIndexingFailure.WithMessage("decode: " + err.Error())
	}
	return e, nil
}

// Save upserts an entity. The catalog owns entity writes; this is used by
// seeding tools and tests.
func (r *Repository) Save(ctx context.Context, e *Entity) error {
	if e.FQNHash == "" {
		e.FQNHash = HashFQN(e.FQN)
	}
	_, err := r.db.NewInsert().
		Model(e).
		On("CONFLICT (id) DO UPDATE").
		Set("entity_type = EXCLUDED.entity_type").
		Set("fqn = EXCLUDED.fqn").
		Set("fqn_hash = EXCLUDED.fqn_hash").
		Set("name = EXCLUDED.name").
		Set("display_name = EXCLUDED.display_name").
		Set("description = EXCLUDED.description").
		Set("service_type = EXCLUDED.service_type").
		Set("attributes = EXCLUDED.attributes").
		Set("deleted = EXCLUDED.deleted").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// AddRelationship inserts an edge, ignoring duplicates.
func (r *Repository) AddRelationship(ctx context.Context, rel *Relationship) error {
	_, err := r.db.NewInsert().
		Model(rel).
		On("CONFLICT (from_id, to_id, relation) DO UPDATE").
		Set("deleted = EXCLUDED.deleted").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// SaveTimeSeries inserts time-series rows, ignoring existing keys.
func (r *Repository) SaveTimeSeries(ctx context.Context, rows []TimeSeriesRow) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := r.db.NewInsert().
		Model(&rows).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}
