package searchindex

import (
	"context"
	"errors"

	"github.com/emergent-company/catalog-sync/pkg/apperror"
	"github.com/emergent-company/catalog-sync/pkg/pgutils"
)

// Engine is the search engine contract the indexer and vector service write
// to and query. Implementations return errors classified as
// apperror.ErrTransientIndexingFailure or apperror.ErrPermanentIndexingFailure.
type Engine interface {
	Upsert(ctx context.Context, doc *Document) error
	BulkUpsert(ctx context.Context, index string, docs []*Document) error
	// Delete removes a document; deleting a missing document is not an error.
	Delete(ctx context.Context, index, entityID string) error
	// UpdateEmbedding replaces the embedding fields of an existing document.
	// It returns apperror.ErrNotFound when the document does not exist.
	UpdateEmbedding(ctx context.Context, index, entityID string, fields *EmbeddingFields) error
	// GetFingerprint returns the stored embedding fingerprint; found is false
	// when the document does not exist.
	GetFingerprint(ctx context.Context, index, entityID string) (fingerprint string, found bool, err error)
	// MissingEmbeddings lists up to limit live documents of the given types
	// that carry no embedding, oldest first.
	MissingEmbeddings(ctx context.Context, index string, types []string, limit int) ([]string, error)
	KNN(ctx context.Context, q KNNQuery) ([]Hit, error)
	Lexical(ctx context.Context, q LexicalQuery) ([]Hit, error)
}

// Classify wraps an engine error in the indexing failure taxonomy. Errors
// already carrying an application code are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	if IsTransient(err) {
		return apperror.ErrTransientIndexingFailure.WithMessage(op + " failed").WithInternal(err)
	}
	return apperror.ErrPermanentIndexingFailure.WithMessage(op + " failed").WithInternal(err)
}

// IsTransient reports whether an indexing error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperror.ErrTransientIndexingFailure) {
		return true
	}
	if errors.Is(err, apperror.ErrPermanentIndexingFailure) {
		return false
	}
	return pgutils.IsTransient(err)
}
