package main

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hyperjump/kagami/internal/config"
	"github.com/hyperjump/kagami/internal/embedding"
	"github.com/hyperjump/kagami/internal/ingest"
	"github.com/hyperjump/kagami/internal/journal"
	"github.com/hyperjump/kagami/internal/metrics"
	"github.com/hyperjump/kagami/internal/search"
	"github.com/hyperjump/kagami/internal/store"
)

// Components are the long-lived pieces shared by the server and the direct-mode commands.
type Components struct {
	Config    *config.Config
	Store     *store.Store
	Embedders *embedding.Set
	Search    *search.Service
	Pipeline  *ingest.Pipeline
	Journal   journal.Journal
	Metrics   *metrics.Metrics
}

// Close releases the search service, embedders, and journal.
func (c *Components) Close() error {
	var err error
	if c.Search != nil {
		err = multierr.Append(err, c.Search.Close())
	}
	if c.Embedders != nil {
		err = multierr.Append(err, c.Embedders.Close())
	}
	if c.Journal != nil {
		err = multierr.Append(err, c.Journal.Close())
	}
	return err
}

func embeddingOptions(cfg *config.Config) embedding.Options {
	e := cfg.Embedding
	return embedding.Options{
		Backend:    e.Backend,
		ModelPath:  e.ModelPath,
		Dimensions: e.Dimensions,
		FrameSize:  e.FrameSize,
		FFmpegPath: e.FFmpegPath,
		CacheSize:  e.CacheSize,
		Sampling:   embedding.Sampling{Start: e.StartTime, End: e.EndTime, Rate: e.SampleRate},
		VerifyRate: e.VerifyRate,
	}
}

// newEmbedders builds the configured embedders. When the ONNX model cannot be loaded
// it falls back to the mock backend so the rest of the system stays usable.
func newEmbedders(cfg *config.Config, logger *zap.Logger) (*embedding.Set, error) {
	opts := embeddingOptions(cfg)
	set, err := embedding.New(opts, logger)
	if err == nil {
		return set, nil
	}
	if opts.Backend != embedding.BackendONNX {
		return nil, err
	}
	logger.Warn("ONNX embedder unavailable, falling back to mock embeddings; results will not be meaningful",
		zap.String("model_path", opts.ModelPath), zap.Error(err))
	opts.Backend = embedding.BackendMock
	return embedding.New(opts, logger)
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{Config: cfg, Metrics: metrics.New()}

	embedders, err := newEmbedders(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	c.Embedders = embedders

	c.Store = store.New(cfg.Storage.IndexPath, cfg.Storage.MetadataPath,
		store.WithLogger(logger),
		store.WithMetrics(c.Metrics),
	)

	c.Search = search.NewService(c.Store, embedders.Search, &cfg.Search,
		search.WithLogger(logger),
		search.WithMetrics(c.Metrics),
		search.WithVerifier(embedders.Verify),
	)

	j, err := journal.NewSQLiteJournal(cfg.Storage.JournalPath)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	c.Journal = j

	c.Pipeline = ingest.NewPipeline(c.Store, embedders.Search, &cfg.Storage, &cfg.Ingest,
		ingest.WithLogger(logger),
		ingest.WithMetrics(c.Metrics),
		ingest.WithJournal(j),
		ingest.WithReloader(c.Search),
	)
	return c, nil
}
