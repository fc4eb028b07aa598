// Package vector provides the flat inner-product index that backs the feature store.
package vector

import "errors"

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrCorruptIndex is returned when serialized index bytes cannot be decoded.
	ErrCorruptIndex = errors.New("corrupt index data")
)

// Result is a single search hit. Position is the row of the matched vector,
// which is also the row of its metadata record.
type Result struct {
	Position int
	Score    float64 // inner product; cosine similarity for normalized vectors
}
