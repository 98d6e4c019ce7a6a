package searchindex

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"

	"github.com/emergent-company/catalog-sync/pkg/apperror"
	"github.com/emergent-company/catalog-sync/pkg/logger"
	"github.com/emergent-company/catalog-sync/pkg/pgutils"
)

// documentRow is the storage shape of a Document in search.documents.
type documentRow struct {
	bun.BaseModel `bun:"table:search.documents,alias:d"`

	IndexName     string           `bun:"index_name,pk"`
	EntityID      string           `bun:"entity_id,pk"`
	EntityType    string           `bun:"entity_type,notnull"`
	FQN           string           `bun:"fqn,notnull"`
	Name          string           `bun:"name,notnull"`
	DisplayName   string           `bun:"display_name,notnull"`
	Description   string           `bun:"description,notnull"`
	ServiceType   string           `bun:"service_type,notnull"`
	Tier          string           `bun:"tier,notnull"`
	Certification string           `bun:"certification,notnull"`
	Tags          []string         `bun:"tags,array,notnull"`
	Owners        []string         `bun:"owners,array,notnull"`
	Domains       []string         `bun:"domains,array,notnull"`
	Doc           map[string]any   `bun:"doc,type:jsonb,notnull"`
	Embedding     *pgvector.Vector `bun:"embedding,type:vector"`
	TextToEmbed   *string          `bun:"text_to_embed"`
	Fingerprint   *string          `bun:"fingerprint"`
	ParentID      *string          `bun:"parent_id"`
	ChunkIndex    *int             `bun:"chunk_index"`
	ChunkCount    *int             `bun:"chunk_count"`
	Deleted       bool             `bun:"deleted,notnull"`
	UpdatedAt     time.Time        `bun:"updated_at,notnull"`
}

func toRow(doc *Document) *documentRow {
	row := &documentRow{
		IndexName:     doc.IndexName,
		EntityID:      doc.EntityID,
		EntityType:    doc.EntityType,
		FQN:           doc.FQN,
		Name:          doc.Name,
		DisplayName:   doc.DisplayName,
		Description:   doc.Description,
		ServiceType:   doc.ServiceType,
		Tier:          doc.Tier,
		Certification: doc.Certification,
		Tags:          orEmpty(doc.Tags),
		Owners:        orEmpty(doc.Owners),
		Domains:       orEmpty(doc.Domains),
		Doc:           map[string]any{"extension": doc.Extension},
		Deleted:       doc.Deleted,
		UpdatedAt:     doc.UpdatedAt,
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}
	if f := doc.Embedding; !f.IsEmpty() {
		row.Embedding = pgutils.NullableVector(f.Embedding)
		row.TextToEmbed = &f.TextToEmbed
		row.Fingerprint = &f.Fingerprint
		row.ParentID = &f.ParentID
		row.ChunkIndex = &f.ChunkIndex
		row.ChunkCount = &f.ChunkCount
	}
	return row
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// PostgresEngine stores documents in search.documents and queries them with
// tsvector ranking and pgvector cosine distance.
type PostgresEngine struct {
	db  bun.IDB
	log *slog.Logger
}

// NewPostgresEngine creates the Postgres-backed engine.
func NewPostgresEngine(db bun.IDB, log *slog.Logger) *PostgresEngine {
	return &PostgresEngine{
		db:  db,
		log: log.With(logger.Scope("searchindex.pg")),
	}
}

func (e *PostgresEngine) upsert(ctx context.Context, rows []*documentRow) error {
	_, err := e.db.NewInsert().
		Model(&rows).
		On("CONFLICT (index_name, entity_id) DO UPDATE").
		Set("entity_type = EXCLUDED.entity_type").
		Set("fqn = EXCLUDED.fqn").
		Set("name = EXCLUDED.name").
		Set("display_name = EXCLUDED.display_name").
		Set("description = EXCLUDED.description").
		Set("service_type = EXCLUDED.service_type").
		Set("tier = EXCLUDED.tier").
		Set("certification = EXCLUDED.certification").
		Set("tags = EXCLUDED.tags").
		Set("owners = EXCLUDED.owners").
		Set("domains = EXCLUDED.domains").
		Set("doc = EXCLUDED.doc").
		// A text-only write keeps the previous vector searchable but clears
		// the fingerprint, which queues the document for embedding repair.
		Set("embedding = COALESCE(EXCLUDED.embedding, d.embedding)").
		Set("text_to_embed = COALESCE(EXCLUDED.text_to_embed, d.text_to_embed)").
		Set("fingerprint = EXCLUDED.fingerprint").
		Set("parent_id = COALESCE(EXCLUDED.parent_id, d.parent_id)").
		Set("chunk_index = COALESCE(EXCLUDED.chunk_index, d.chunk_index)").
		Set("chunk_count = COALESCE(EXCLUDED.chunk_count, d.chunk_count)").
		Set("deleted = EXCLUDED.deleted").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// Upsert writes one document.
func (e *PostgresEngine) Upsert(ctx context.Context, doc *Document) error {
	return Classify("upsert", e.upsert(ctx, []*documentRow{toRow(doc)}))
}

// BulkUpsert writes docs into index in one statement.
func (e *PostgresEngine) BulkUpsert(ctx context.Context, index string, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}
	rows := make([]*documentRow, 0, len(docs))
	seen := make(map[string]int, len(docs))
	for _, d := range docs {
		d.IndexName = index
		row := toRow(d)
		// ON CONFLICT cannot touch the same row twice in one statement.
		if i, ok := seen[d.EntityID]; ok {
			rows[i] = row
			continue
		}
		seen[d.EntityID] = len(rows)
		rows = append(rows, row)
	}
	return Classify("bulk upsert", e.upsert(ctx, rows))
}

// Delete removes a document by entity id.
func (e *PostgresEngine) Delete(ctx context.Context, index, entityID string) error {
	_, err := e.db.NewDelete().
		TableExpr("search.documents").
		Where("index_name = ?", index).
		Where("entity_id = ?", entityID).
		Exec(ctx)
	return Classify("delete", err)
}

// UpdateEmbedding rewrites only the embedding columns of a document.
func (e *PostgresEngine) UpdateEmbedding(ctx context.Context, index, entityID string, f *EmbeddingFields) error {
	if f.IsEmpty() {
		return nil
	}
	res, err := e.db.NewUpdate().
		TableExpr("search.documents").
		Set("embedding = ?", pgutils.NullableVector(f.Embedding)).
		Set("text_to_embed = ?", f.TextToEmbed).
		Set("fingerprint = ?", f.Fingerprint).
		Set("parent_id = ?", f.ParentID).
		Set("chunk_index = ?", f.ChunkIndex).
		Set("chunk_count = ?", f.ChunkCount).
		Set("updated_at = now()").
		Where("index_name = ?", index).
		Where("entity_id = ?", entityID).
		Exec(ctx)
	if err != nil {
		return Classify("update embedding", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NewNotFound("search document", entityID)
	}
	return nil
}

// GetFingerprint returns the stored embedding fingerprint of a document.
func (e *PostgresEngine) GetFingerprint(ctx context.Context, index, entityID string) (string, bool, error) {
	var fp sql.NullString
	err := e.db.NewSelect().
		TableExpr("search.documents").
		Column("fingerprint").
		Where("index_name = ?", index).
		Where("entity_id = ?", entityID).
		Scan(ctx, &fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Classify("get fingerprint", err)
	}
	return fp.String, true, nil
}

// MissingEmbeddings returns ids of documents whose embedding is missing or
// stale (no fingerprint), least recently updated first.
func (e *PostgresEngine) MissingEmbeddings(ctx context.Context, index string, types []string, limit int) ([]string, error) {
	if len(types) == 0 || limit <= 0 {
		return nil, nil
	}
	var ids []string
	err := e.db.NewSelect().
		TableExpr("search.documents").
		Column("entity_id").
		Where("index_name = ?", index).
		Where("entity_type IN (?)", bun.In(types)).
		Where("fingerprint IS NULL").
		Where("deleted = false").
		OrderExpr("updated_at ASC").
		Limit(limit).
		Scan(ctx, &ids)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, Classify("missing embeddings", err)
	}
	return ids, nil
}

type hitRow struct {
	EntityID   string         `bun:"entity_id"`
	EntityType string         `bun:"entity_type"`
	FQN        string         `bun:"fqn"`
	Name       string         `bun:"name"`
	ParentID   sql.NullString `bun:"parent_id"`
	Score      float64        `bun:"score"`
}

func toHits(rows []hitRow) []Hit {
	hits := make([]Hit, len(rows))
	for i, r := range rows {
		hits[i] = Hit{
			EntityID:   r.EntityID,
			EntityType: r.EntityType,
			FQN:        r.FQN,
			Name:       r.Name,
			ParentID:   r.ParentID.String,
			Score:      r.Score,
		}
	}
	return hits
}

// KNN returns up to min(K, Size) documents nearest to the query vector,
// scored by cosine similarity.
func (e *PostgresEngine) KNN(ctx context.Context, q KNNQuery) ([]Hit, error) {
	if len(q.Vector) == 0 {
		return nil, apperror.NewBadRequest("query vector is required")
	}
	limit := q.Size
	if q.K > 0 && q.K < limit {
		limit = q.K
	}
	vec := pgvector.NewVector(q.Vector)

	var rows []hitRow
	sel := e.db.NewSelect().
		TableExpr("search.documents AS d").
		ColumnExpr("d.entity_id, d.entity_type, d.fqn, d.name, d.parent_id").
		ColumnExpr("1 - (d.embedding <=> ?) AS score", vec).
		Where("d.index_name = ?", q.Index).
		Where("d.embedding IS NOT NULL")
	sel = q.Filters.Apply(sel)
	err := sel.
		OrderExpr("d.embedding <=> ?", vec).
		Limit(limit).
		Scan(ctx, &rows)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		e.log.Error("knn query failed", logger.Error(err))
		return nil, Classify("knn", err)
	}
	return toHits(rows), nil
}

// Lexical ranks documents with ts_rank over the generated tsvector column.
func (e *PostgresEngine) Lexical(ctx context.Context, q LexicalQuery) ([]Hit, error) {
	var rows []hitRow
	sel := e.db.NewSelect().
		TableExpr("search.documents AS d").
		ColumnExpr("d.entity_id, d.entity_type, d.fqn, d.name, d.parent_id").
		ColumnExpr("ts_rank(d.tsv, websearch_to_tsquery('simple', ?)) AS score", q.Query).
		Where("d.index_name = ?", q.Index).
		Where("d.tsv @@ websearch_to_tsquery('simple', ?)", q.Query)
	sel = q.Filters.Apply(sel)
	err := sel.
		OrderExpr("score DESC").
		Limit(q.Size).
		Scan(ctx, &rows)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		e.log.Error("lexical query failed", logger.Error(err))
		return nil, Classify("lexical", err)
	}
	return toHits(rows), nil
}

var _ Engine = (*PostgresEngine)(nil)
