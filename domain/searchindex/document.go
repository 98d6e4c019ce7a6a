// Package searchindex is the client side of the secondary search index:
// document shapes, filters, and the Engine implementations that store them.
package searchindex

import (
	"time"
)

// Document is the searchable projection of one catalog entity in one index.
type Document struct {
	IndexName     string         `json:"-"`
	EntityID      string         `json:"id"`
	EntityType    string         `json:"entityType"`
	FQN           string         `json:"fullyQualifiedName"`
	Name          string         `json:"name"`
	DisplayName   string         `json:"displayName,omitempty"`
	Description   string         `json:"description,omitempty"`
	ServiceType   string         `json:"serviceType,omitempty"`
	Tier          string         `json:"tier,omitempty"`
	Certification string         `json:"certification,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Owners        []string       `json:"owners,omitempty"`
	Domains       []string       `json:"domains,omitempty"`
	Extension     map[string]any `json:"extension,omitempty"`
	Deleted       bool           `json:"deleted"`
	UpdatedAt     time.Time      `json:"updatedAt"`

	// Embedding is nil when the type is not vector-indexable or the
	// embedding could not be computed; existing embedding columns are kept.
	Embedding *EmbeddingFields `json:"-"`
}

// EmbeddingFields are the vector columns attached to a document.
type EmbeddingFields struct {
	Embedding   []float32 `json:"embedding"`
	TextToEmbed string    `json:"textToEmbed"`
	ChunkIndex  int       `json:"chunkIndex"`
	ChunkCount  int       `json:"chunkCount"`
	ParentID    string    `json:"parentId"`
	Fingerprint string    `json:"fingerprint"`
}

// FieldEmbedding is the name of the single vector field documents carry.
const FieldEmbedding = "embedding"

// IsEmpty reports whether there is no vector to store.
func (f *EmbeddingFields) IsEmpty() bool {
	return f == nil || len(f.Embedding) == 0
}

// Vectors returns the field name to vector mapping.
func (f *EmbeddingFields) Vectors() map[string][]float32 {
	if f.IsEmpty() {
		return map[string][]float32{}
	}
	return map[string][]float32{FieldEmbedding: f.Embedding}
}

// Hit is one search result row, before grouping.
type Hit struct {
	EntityID   string  `json:"id"`
	EntityType string  `json:"entityType"`
	FQN        string  `json:"fullyQualifiedName"`
	Name       string  `json:"name"`
	ParentID   string  `json:"parentId,omitempty"`
	Score      float64 `json:"score"`
}

// GroupKey returns the id results are grouped by: the parent document for
// chunks, the entity otherwise.
func (h Hit) GroupKey() string {
	if h.ParentID != "" {
		return h.ParentID
	}
	return h.EntityID
}

// KNNQuery is a nearest-neighbour query over the embedding field.
type KNNQuery struct {
	Index   string
	Vector  []float32
	K       int
	Size    int
	Filters Filters
}

// LexicalQuery is a full-text query over name, display name, FQN and
// description.
type LexicalQuery struct {
	Index   string
	Query   string
	Size    int
	Filters Filters
}
