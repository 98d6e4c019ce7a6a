// Package embeddings turns document text into vectors for the search
// documents' embedding column.
package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// EmbeddingDimension is the default embedding dimension (768 for
// text-embedding-004); it matches the search.documents embedding column.
const EmbeddingDimension = 768

// Client embeds text. EmbedDocuments returns one vector per input, in order.
type Client interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error)
}

// NoopClient returns nil vectors. It sits behind the Service while
// embeddings are disabled.
type NoopClient struct{}

func NewNoopClient() *NoopClient { return &NoopClient{} }

func (NoopClient) EmbedQuery(context.Context, string) ([]float32, error) { return nil, nil }

func (NoopClient) EmbedDocuments(context.Context, []string) ([][]float32, error) { return nil, nil }

// HashClient produces deterministic bag-of-words vectors by feature hashing.
// Texts sharing words get positive cosine similarity. It needs no network and
// backs local runs (EMBEDDINGS_PROVIDER=hash) and tests.
type HashClient struct {
	dim int
}

// NewHashClient creates a HashClient with the given dimension
// (EmbeddingDimension when dim <= 0).
func NewHashClient(dim int) *HashClient {
	if dim <= 0 {
		dim = EmbeddingDimension
	}
	return &HashClient{dim: dim}
}

// EmbedQuery hashes the query text.
func (c *HashClient) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.embed(query), nil
}

// EmbedDocuments hashes every document.
func (c *HashClient) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(documents))
	for i, d := range documents {
		out[i] = c.embed(d)
	}
	return out, nil
}

func (c *HashClient) embed(text string) []float32 {
	v := make([]float32, c.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(c.dim)]++
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
