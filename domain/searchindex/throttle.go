package searchindex

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/emergent-company/catalog-sync/pkg/apperror"
)

// ThrottledEngine caps the request rate sent to another Engine. A wait that
// cannot complete before the context deadline is a transient failure.
type ThrottledEngine struct {
	next    Engine
	limiter *rate.Limiter
}

// NewThrottledEngine wraps next with a token bucket of rps and burst. A
// non-positive rps returns next unwrapped.
func NewThrottledEngine(next Engine, rps float64, burst int) Engine {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &ThrottledEngine{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (t *ThrottledEngine) wait(ctx context.Context, op string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return err
		}
		return apperror.ErrTransientIndexingFailure.
			WithMessage(op + " throttled: search engine rate limit").
			WithInternal(err)
	}
	return nil
}

func (t *ThrottledEngine) Upsert(ctx context.Context, doc *Document) error {
	if err := t.wait(ctx, "upsert"); err != nil {
		return err
	}
	return t.next.Upsert(ctx, doc)
}

func (t *ThrottledEngine) BulkUpsert(ctx context.Context, index string, docs []*Document) error {
	if err := t.wait(ctx, "bulk upsert"); err != nil {
		return err
	}
	return t.next.BulkUpsert(ctx, index, docs)
}

func (t *ThrottledEngine) Delete(ctx context.Context, index, entityID string) error {
	if err := t.wait(ctx, "delete"); err != nil {
		return err
	}
	return t.next.Delete(ctx, index, entityID)
}

func (t *ThrottledEngine) UpdateEmbedding(ctx context.Context, index, entityID string, f *EmbeddingFields) error {
	if err := t.wait(ctx, "update embedding"); err != nil {
		return err
	}
	return t.next.UpdateEmbedding(ctx, index, entityID, f)
}

func (t *ThrottledEngine) GetFingerprint(ctx context.Context, index, entityID string) (string, bool, error) {
	if err := t.wait(ctx, "get fingerprint"); err != nil {
		return "", false, err
	}
	return t.next.GetFingerprint(ctx, index, entityID)
}

func (t *ThrottledEngine) MissingEmbeddings(ctx context.Context, index string, types []string, limit int) ([]string, error) {
	if err := t.wait(ctx, "missing embeddings"); err != nil {
		return nil, err
	}
	return t.next.MissingEmbeddings(ctx, index, types, limit)
}

func (t *ThrottledEngine) KNN(ctx context.Context, q KNNQuery) ([]Hit, error) {
	if err := t.wait(ctx, "knn"); err != nil {
		return nil, err
	}
	return t.next.KNN(ctx, q)
}

func (t *ThrottledEngine) Lexical(ctx context.Context, q LexicalQuery) ([]Hit, error) {
	if err := t.wait(ctx, "lexical"); err != nil {
		return nil, err
	}
	return t.next.Lexical(ctx, q)
}
