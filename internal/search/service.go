// Package search answers similarity queries against the latest committed
// snapshot of the feature store.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/kagami/internal/catalog"
	"github.com/hyperjump/kagami/internal/config"
	"github.com/hyperjump/kagami/internal/embedding"
	"github.com/hyperjump/kagami/internal/metrics"
	"github.com/hyperjump/kagami/internal/models"
	"github.com/hyperjump/kagami/internal/store"
	"github.com/hyperjump/kagami/pkg/utils"
)

// ErrNoMatch is returned when the query video yields no feature vector.
var ErrNoMatch = errors.New("no feature vector for query video")

// handle is one loaded snapshot plus its name catalog. Handles are immutable
// and replaced atomically.
type handle struct {
	snapshot *store.Snapshot
	catalog  *catalog.Catalog
}

// Status describes the snapshot currently being served.
type Status struct {
	Loaded     bool        `json:"loaded"`
	Size       int         `json:"size"`
	Dimensions int         `json:"dimensions"`
	Generation string      `json:"generation,omitempty"`
	LoadedAt   time.Time   `json:"loaded_at,omitempty"`
	Stamp      store.Stamp `json:"stamp"`
}

// Service runs searches. Before each query it compares the store's file stamp
// with the served snapshot and reloads when they differ, so queries observe
// commits without a restart. Concurrent reloads are coalesced.
type Service struct {
	store    *store.Store
	embedder embedding.Embedder
	verifier embedding.Embedder
	config   *config.SearchConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics

	current atomic.Pointer[handle]
	group   singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithVerifier sets the embedder used by Verify. It defaults to the search embedder.
func WithVerifier(e embedding.Embedder) Option {
	return func(s *Service) { s.verifier = e }
}

// NewService creates a search service. No snapshot is loaded until the first
// query or ForceReload.
func NewService(st *store.Store, embedder embedding.Embedder, cfg *config.SearchConfig, opts ...Option) *Service {
	s := &Service{store: st, embedder: embedder, config: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.verifier == nil {
		s.verifier = embedder
	}
	s.logger = utils.LoggerOrNop(s.logger)
	return s
}

// Search embeds the video at queryPath and returns the k most similar indexed
// videos. k <= 0 uses the configured default and k is capped at the configured
// maximum. It fails with store.ErrStoreNotFound when no snapshot can be served
// and with ErrNoMatch when the query video cannot be embedded.
func (s *Service) Search(ctx context.Context, queryPath string, k int) (*models.SearchResponse, error) {
	start := time.Now()
	q := &models.SearchQuery{VideoPath: queryPath, K: k}
	if err := q.Validate(s.config.DefaultK, s.config.MaxK); err != nil {
		return nil, err
	}

	h, err := s.ensureFresh(ctx)
	if err != nil {
		s.metrics.ObserveSearch("search", statusFor(err), time.Since(start))
		return nil, err
	}
	vec, err := s.embedQuery(ctx, s.embedder, queryPath)
	if err != nil {
		s.metrics.ObserveSearch("search", statusFor(err), time.Since(start))
		return nil, err
	}
	if len(vec) != h.snapshot.Dimensions() {
		s.metrics.ObserveSearch("search", "error", time.Since(start))
		return nil, fmt.Errorf("%w: query has %d, index has %d", store.ErrDimensionMismatch, len(vec), h.snapshot.Dimensions())
	}

	hits := h.snapshot.Search(vec, q.K)
	if hits == nil {
		hits = []models.SearchHit{}
	}
	elapsed := time.Since(start)
	s.metrics.ObserveSearch("search", "ok", elapsed)
	s.logger.Debug("Search completed",
		zap.String("query", queryPath),
		zap.Int("k", q.K),
		zap.Int("results", len(hits)),
		zap.Duration("elapsed", elapsed))
	return &models.SearchResponse{
		Results:    hits,
		QueryTime:  elapsed.Milliseconds(),
		Query:      queryPath,
		IndexSize:  h.snapshot.Size(),
		Generation: h.snapshot.Generation(),
	}, nil
}

// Verify returns the single best match for queryPath using the finer-grained
// verify embedder. Similarity is rounded to two decimals.
func (s *Service) Verify(ctx context.Context, queryPath string) (*models.VerifyResult, error) {
	start := time.Now()
	if queryPath == "" {
		return nil, fmt.Errorf("%w: video_path cannot be empty", models.ErrInvalidQuery)
	}
	h, err := s.ensureFresh(ctx)
	if err != nil {
		s.metrics.ObserveSearch("verify", statusFor(err), time.Since(start))
		return nil, err
	}
	vec, err := s.embedQuery(ctx, s.verifier, queryPath)
	if err != nil {
		s.metrics.ObserveSearch("verify", statusFor(err), time.Since(start))
		return nil, err
	}
	res := &models.VerifyResult{VideoPath: queryPath}
	if hits := h.snapshot.Search(vec, 1); len(hits) > 0 {
		best := hits[0]
		res.Match = &best
		res.Similarity = best.Similarity
	}
	s.metrics.ObserveSearch("verify", "ok", time.Since(start))
	return res, nil
}

// FindByName looks up indexed videos by name in the current snapshot.
func (s *Service) FindByName(ctx context.Context, q string, limit int) ([]catalog.Hit, error) {
	h, err := s.ensureFresh(ctx)
	if err != nil {
		return nil, err
	}
	if h.catalog == nil {
		return nil, fmt.Errorf("catalog unavailable for generation %s", h.snapshot.Generation())
	}
	return h.catalog.Find(ctx, q, limit)
}

// ForceReload loads the store unconditionally and swaps it in.
func (s *Service) ForceReload(ctx context.Context) error {
	_, err := s.reload(ctx, true)
	return err
}

// Status reports the snapshot currently being served without touching disk.
func (s *Service) Status() Status {
	h := s.current.Load()
	if h == nil {
		return Status{}
	}
	return Status{
		Loaded:     true,
		Size:       h.snapshot.Size(),
		Dimensions: h.snapshot.Dimensions(),
		Generation: h.snapshot.Generation(),
		LoadedAt:   h.snapshot.LoadedAt(),
		Stamp:      h.snapshot.Stamp(),
	}
}

// Close releases the current catalog.
func (s *Service) Close() error {
	if h := s.current.Swap(nil); h != nil && h.catalog != nil {
		return h.catalog.Close()
	}
	return nil
}

func (s *Service) embedQuery(ctx context.Context, e embedding.Embedder, path string) ([]float32, error) {
	vec, err := e.Embed(ctx, path)
	if err != nil {
		if errors.Is(err, embedding.ErrExtractionFailed) {
			return nil, fmt.Errorf("%w: %v", ErrNoMatch, err)
		}
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vec) == 0 {
		return nil, ErrNoMatch
	}
	return utils.Normalized(vec), nil
}

// ensureFresh returns a handle no older than the files on disk at the time of
// the call, unless reloading fails, in which case the previous handle is served.
func (s *Service) ensureFresh(ctx context.Context) (*handle, error) {
	cur := s.current.Load()
	stamp, err := s.store.Stamp()
	if err != nil {
		if cur != nil {
			s.logger.Warn("Cannot stat feature store; serving previous snapshot", zap.Error(err))
			return cur, nil
		}
		return nil, err
	}
	if cur != nil && cur.snapshot.Stamp().Equal(stamp) {
		return cur, nil
	}
	if !stamp.Exists() {
		if cur != nil {
			return cur, nil
		}
		return nil, store.ErrStoreNotFound
	}
	h, err := s.reload(ctx, false)
	if err == nil && !h.snapshot.Stamp().Equal(stamp) {
		// Joined a reload that read the files before this query saw them.
		return s.reload(ctx, false)
	}
	return h, err
}

func (s *Service) reload(ctx context.Context, force bool) (*handle, error) {
	key := "stale"
	if force {
		key = "force"
	}
	// The load must not be cancelled by the first caller leaving; others share it.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(key, func() (any, error) {
		if !force {
			if cur := s.current.Load(); cur != nil {
				if st, err := s.store.Stamp(); err == nil && cur.snapshot.Stamp().Equal(st) {
					return cur, nil
				}
			}
		}
		snap, err := s.store.Load(loadCtx)
		if err != nil {
			s.metrics.ObserveReload(reloadResult(err), 0)
			return nil, err
		}
		h := &handle{snapshot: snap}
		cat, err := catalog.Build(snap.Records())
		if err != nil {
			s.logger.Warn("Failed to build name catalog", zap.Error(err))
		} else {
			h.catalog = cat
		}
		s.current.Store(h)
		s.metrics.ObserveReload("ok", snap.Size())
		s.logger.Info("Snapshot loaded",
			zap.Int("entries", snap.Size()),
			zap.Int("dimensions", snap.Dimensions()),
			zap.String("generation", snap.Generation()),
			zap.Bool("forced", force))
		return h, nil
	})
	if err != nil {
		if cur := s.current.Load(); cur != nil && !force {
			s.logger.Warn("Reload failed; serving previous snapshot",
				zap.String("generation", cur.snapshot.Generation()),
				zap.Error(err))
			return cur, nil
		}
		return nil, err
	}
	return v.(*handle), nil
}

func reloadResult(err error) string {
	switch {
	case errors.Is(err, store.ErrTornWrite):
		return "torn"
	case errors.Is(err, store.ErrStoreNotFound):
		return "missing"
	default:
		return "error"
	}
}

func statusFor(err error) string {
	switch {
	case errors.Is(err, ErrNoMatch):
		return "no_match"
	case errors.Is(err, store.ErrStoreNotFound):
		return "unavailable"
	default:
		return "error"
	}
}
