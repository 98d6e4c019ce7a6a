// Package mathutil holds the small numeric helpers shared by search scoring
// and request validation.
package mathutil

import (
	"cmp"
	"math"
)

// CalcMeanStd returns the mean and population standard deviation of scores.
// The std is 1 for empty or constant input so callers can divide by it.
func CalcMeanStd(scores []float32) (mean, std float32) {
	n := float64(len(scores))
	if n == 0 {
		return 0, 1
	}

	var sum, sumSq float64
	for _, s := range scores {
		sum += float64(s)
	}
	m := sum / n
	for _, s := range scores {
		d := float64(s) - m
		sumSq += d * d
	}

	sd := math.Sqrt(sumSq / n)
	if sd == 0 {
		sd = 1
	}
	return float32(m), float32(sd)
}

// Sigmoid maps z into (0, 1).
func Sigmoid(z float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(z))))
}

// Clamp bounds v to [lo, hi].
func Clamp[T cmp.Ordered](v, lo, hi T) T {
	return min(max(v, lo), hi)
}

// ClampInt bounds v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	return Clamp(v, lo, hi)
}

// ClampLimit applies a page-size default to non-positive values and caps the
// rest at maxVal.
func ClampLimit(limit, defaultVal, maxVal int) int {
	if limit <= 0 {
		return defaultVal
	}
	return min(limit, maxVal)
}
