package vector

import "math"

// InnerProduct returns the inner product of two vectors (for normalized vectors equals cosine similarity).
func InnerProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// ToPercent maps an inner-product score to the 0-100 similarity shown to users,
// rounded to two decimals. Scores outside [0, 1] are clamped.
func ToPercent(score float64) float64 {
	switch {
	case score <= 0:
		return 0
	case score >= 1:
		return 100
	}
	return math.Round(score*100*100) / 100
}
