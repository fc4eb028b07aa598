// Package embedding turns video files into unit-norm feature vectors.
package embedding

import (
	"context"
	"errors"
	"math"
)

// ErrExtractionFailed is returned when no feature vector could be produced for
// a file: unreadable, empty, undecodable, or no frames in the sampled window.
var ErrExtractionFailed = errors.New("feature extraction failed")

// Embedder produces one unit-norm feature vector per video file.
type Embedder interface {
	Embed(ctx context.Context, path string) ([]float32, error)
	Dimensions() int
	Close() error
}

// Sampling selects the frames taken from each video: one every Rate seconds
// in the window [Start, End).
type Sampling struct {
	Start float64
	End   float64
	Rate  float64
}

// DefaultSampling samples every half second between 5s and 35s.
var DefaultSampling = Sampling{Start: 5, End: 35, Rate: 0.5}

// MaxFrames returns the number of frames the window yields for a long enough video.
func (s Sampling) MaxFrames() int {
	if s.Rate <= 0 || s.End <= s.Start {
		return 0
	}
	return int(math.Ceil((s.End-s.Start)/s.Rate - 1e-9))
}
