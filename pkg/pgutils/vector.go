// Package pgutils provides PostgreSQL helpers shared by the repositories:
// error classification and pgvector conversions.
package pgutils

import (
	"math"

	"github.com/pgvector/pgvector-go"
)

// NullableVector converts an embedding to a pgvector value, returning nil for an
// empty slice so the column is written as NULL instead of a zero-length vector.
func NullableVector(v []float32) *pgvector.Vector {
	if len(v) == 0 {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

// CosineSimilarity mirrors pgvector's 1 - (a <=> b). Mismatched or empty
// vectors have similarity 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
