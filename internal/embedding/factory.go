package embedding

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hyperjump/kagami/pkg/utils"
)

// Backend names accepted by New.
const (
	BackendMock = "mock"
	BackendONNX = "onnx"
)

// Options selects and configures the embedding backend.
type Options struct {
	Backend    string
	ModelPath  string
	Dimensions int
	FrameSize  int
	FFmpegPath string
	CacheSize  int
	Sampling   Sampling
	// VerifyRate is the finer sample rate used by the verify embedder.
	VerifyRate float64
}

// Set holds the embedder used for indexing and search and the one used for
// verification. They may share an underlying model.
type Set struct {
	Search Embedder
	Verify Embedder
}

// Close releases both embedders.
func (s *Set) Close() error {
	var err error
	if s.Verify != nil {
		err = multierr.Append(err, s.Verify.Close())
	}
	if s.Search != nil {
		err = multierr.Append(err, s.Search.Close())
	}
	return err
}

// New builds the embedders for the configured backend.
func New(opts Options, logger *zap.Logger) (*Set, error) {
	logger = utils.LoggerOrNop(logger)
	verifySampling := opts.Sampling
	if opts.VerifyRate > 0 {
		verifySampling.Rate = opts.VerifyRate
	}

	var search, verify Embedder
	switch opts.Backend {
	case BackendMock, "":
		m := NewMockEmbedder(opts.Dimensions)
		search, verify = m, nopCloser{m}
	case BackendONNX:
		e, err := NewONNXEmbedder(opts.ModelPath, opts.Dimensions, opts.FrameSize, opts.FFmpegPath, opts.Sampling)
		if err != nil {
			return nil, fmt.Errorf("create ONNX embedder: %w", err)
		}
		search, verify = e, e.WithSampling(verifySampling)
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", opts.Backend)
	}

	if opts.CacheSize > 0 {
		search = NewCachedEmbedder(search, opts.CacheSize)
		verify = NewCachedEmbedder(verify, opts.CacheSize)
	}
	logger.Info("Embedder ready",
		zap.String("backend", opts.Backend),
		zap.Int("dimensions", search.Dimensions()),
		zap.Float64("sample_rate", opts.Sampling.Rate),
		zap.Float64("verify_rate", verifySampling.Rate),
		zap.Int("cache_size", opts.CacheSize))
	return &Set{Search: search, Verify: verify}, nil
}

// nopCloser shares an embedder without taking ownership of it.
type nopCloser struct{ Embedder }

func (nopCloser) Close() error { return nil }
