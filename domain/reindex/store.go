package reindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/emergent-company/catalog-sync/internal/storage"
	"github.com/emergent-company/catalog-sync/pkg/apperror"
	"github.com/emergent-company/catalog-sync/pkg/logger"
)

// CursorStore persists checkpoints. Load returns nil, nil when the collection
// has never been reindexed.
type CursorStore interface {
	Load(ctx context.Context, collection string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
}

// PGCursorStore keeps checkpoints in search.reindex_cursors.
type PGCursorStore struct {
	db bun.IDB
}

// NewPGCursorStore creates a Postgres-backed cursor store.
func NewPGCursorStore(db bun.IDB) *PGCursorStore {
	return &PGCursorStore{db: db}
}

func (s *PGCursorStore) Load(ctx context.Context, collection string) (*Checkpoint, error) {
	cp := new(Checkpoint)
	err := s.db.NewSelect().
		Model(cp).
		Where("rc.collection = ?", collection).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(fmt.Errorf("load checkpoint %s: %w", collection, err))
	}
	return cp, nil
}

func (s *PGCursorStore) Save(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.NewInsert().
		Model(cp).
		On("CONFLICT (collection) DO UPDATE").
		Set("run_id = EXCLUDED.run_id").
		Set("status = EXCLUDED.status").
		Set("cursor_ts = EXCLUDED.cursor_ts").
		Set("cursor_hash = EXCLUDED.cursor_hash").
		Set("pages_visited = EXCLUDED.pages_visited").
		Set("rows_indexed = EXCLUDED.rows_indexed").
		Set("rows_failed = EXCLUDED.rows_failed").
		Set("last_error = EXCLUDED.last_error").
		Set("started_at = EXCLUDED.started_at").
		Set("updated_at = EXCLUDED.updated_at").
		Set("finished_at = EXCLUDED.finished_at").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(fmt.Errorf("save checkpoint %s: %w", cp.Collection, err))
	}
	return nil
}

// ObjectStore is the subset of *storage.Service used for mirroring.
type ObjectStore interface {
	Enabled() bool
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// MirroredCursorStore writes through to a primary store and mirrors every
// checkpoint to object storage. Mirror failures are logged, never returned.
// Load falls back to the mirror when the primary has no checkpoint.
type MirroredCursorStore struct {
	primary CursorStore
	objects ObjectStore
	log     *slog.Logger
}

// NewMirroredCursorStore wraps primary with an object storage mirror.
func NewMirroredCursorStore(primary CursorStore, objects ObjectStore, log *slog.Logger) *MirroredCursorStore {
	return &MirroredCursorStore{
		primary: primary,
		objects: objects,
		log:     log.With(logger.Scope("reindex.checkpoints")),
	}
}

func (s *MirroredCursorStore) Load(ctx context.Context, collection string) (*Checkpoint, error) {
	cp, err := s.primary.Load(ctx, collection)
	if err != nil || cp != nil || !s.objects.Enabled() {
		return cp, err
	}

	data, err := s.objects.Get(ctx, storage.CheckpointKey(collection))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.log.Warn("checkpoint mirror read failed", slog.String("collection", collection), logger.Error(err))
		return nil, nil
	}

	cp = new(Checkpoint)
	if err := json.Unmarshal(data, cp); err != nil {
		s.log.Warn("ignoring malformed checkpoint mirror", slog.String("collection", collection), logger.Error(err))
		return nil, nil
	}
	s.log.Info("checkpoint restored from mirror",
		slog.String("collection", collection),
		slog.Int64("cursor_ts", cp.CursorTS),
	)
	return cp, nil
}

func (s *MirroredCursorStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := s.primary.Save(ctx, cp); err != nil {
		return err
	}
	if !s.objects.Enabled() {
		return nil
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.objects.Put(ctx, storage.CheckpointKey(cp.Collection), data, "application/json"); err != nil {
		s.log.Warn("checkpoint mirror write failed",
			slog.String("collection", cp.Collection),
			logger.Error(err),
		)
	}
	return nil
}
