// Package store persists the feature index and its metadata log and keeps them
// positionally aligned across create and append.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kagami/internal/dedup"
	"github.com/hyperjump/kagami/internal/metrics"
	"github.com/hyperjump/kagami/internal/models"
	"github.com/hyperjump/kagami/internal/vector"
	"github.com/hyperjump/kagami/pkg/utils"
)

var (
	ErrEmptyInput        = errors.New("no vectors to write")
	ErrLengthMismatch    = errors.New("vectors and records differ in length")
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
	ErrStoreNotFound     = errors.New("feature store not found")
	// ErrTornWrite means the index and metadata files are from different commits.
	ErrTornWrite = errors.New("index and metadata are out of sync")
)

// AppendResult describes a completed write.
type AppendResult struct {
	Mode       models.AppendMode `json:"mode"`
	Appended   int               `json:"appended"`
	Dropped    int               `json:"dropped"`
	Total      int               `json:"total"`
	Rebuilt    bool              `json:"rebuilt,omitempty"`
	Generation string            `json:"generation,omitempty"`
	// Identities lists the appended records' identities in index order.
	Identities []string          `json:"identities,omitempty"`
}

// Store owns the index file and metadata file. Writers within one process are
// serialized; readers never lock and rely on Load's consistency check.
type Store struct {
	indexPath    string
	metadataPath string
	logger       *zap.Logger
	metrics      *metrics.Metrics
	mu           sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New returns a store over the given file paths. Nothing is read or created.
func New(indexPath, metadataPath string, opts ...Option) *Store {
	s := &Store{indexPath: indexPath, metadataPath: metadataPath}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = utils.LoggerOrNop(s.logger)
	return s
}

// Paths returns the index and metadata file paths.
func (s *Store) Paths() (indexPath, metadataPath string) {
	return s.indexPath, s.metadataPath
}

// Exists reports whether both files are present.
func (s *Store) Exists() bool {
	st, err := s.Stamp()
	return err == nil && st.Exists()
}

// Stamp stats both files. Absent files leave their fields zero.
func (s *Store) Stamp() (Stamp, error) {
	var st Stamp
	fi, err := os.Stat(s.indexPath)
	switch {
	case err == nil:
		st.IndexModTime, st.IndexSize = fi.ModTime(), fi.Size()
	case !os.IsNotExist(err):
		return st, fmt.Errorf("stat index: %w", err)
	}
	fi, err = os.Stat(s.metadataPath)
	switch {
	case err == nil:
		st.MetadataModTime, st.MetadataSize = fi.ModTime(), fi.Size()
	case !os.IsNotExist(err):
		return st, fmt.Errorf("stat metadata: %w", err)
	}
	return st, nil
}

// Load reads a consistent snapshot. The stamp is taken before reading, so a
// write that lands during Load makes the snapshot look stale rather than fresh.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := s.Stamp()
	if err != nil {
		return nil, err
	}
	if !st.Exists() {
		return nil, ErrStoreNotFound
	}
	raw, err := s.read()
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		index:      raw.index,
		records:    raw.meta.Records,
		generation: raw.meta.Generation,
		stamp:      st,
		loadedAt:   time.Now(),
	}, nil
}

// Create replaces any existing store with the batch. Within-batch duplicate
// identities are collapsed, first occurrence wins.
func (s *Store) Create(ctx context.Context, vectors [][]float32, records []models.VideoRecord) (*AppendResult, error) {
	if err := validateBatch(vectors, records); err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, ErrEmptyInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &AppendResult{Mode: models.ModeCreate}
	vectors, records, res.Dropped = dedup.Dedup(vectors, records, nil)
	return s.createLocked(vectors, records, res)
}

// Append writes the batch in the given mode. In update mode the batch is first
// deduplicated against the stored identities; an empty batch after that is a
// successful no-op. If the stored dimension differs from the batch, the store is
// rebuilt from the batch alone and Rebuilt is set.
func (s *Store) Append(ctx context.Context, vectors [][]float32, records []models.VideoRecord, mode models.AppendMode) (*AppendResult, error) {
	if err := validateBatch(vectors, records); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &AppendResult{Mode: mode}
	var existing *rawStore
	if mode != models.ModeCreate && s.Exists() {
		raw, err := s.read()
		if errors.Is(err, ErrTornWrite) {
			raw, err = s.repairLocked(raw)
			if errors.Is(err, ErrTornWrite) {
				s.logger.Error("Stored index cannot be matched to its metadata; rebuilding from incoming batch",
					zap.String("index", s.indexPath), zap.Error(err))
				raw, err = nil, nil
				res.Rebuilt = true
			}
		}
		if err != nil {
			return nil, fmt.Errorf("load existing store: %w", err)
		}
		existing = raw
	}

	var ids map[string]struct{}
	if existing != nil {
		ids = dedup.IdentitySet(existing.meta.Records)
	}
	keptVecs, keptRecs, dropped := dedup.Dedup(vectors, records, ids)
	res.Dropped = dropped
	if len(keptVecs) == 0 {
		if existing != nil {
			res.Total = existing.index.Size()
		}
		s.logger.Debug("Nothing new to append", zap.Int("dropped", dropped))
		s.metrics.ObserveAppend(0, dropped, false)
		return res, nil
	}

	if existing == nil {
		return s.createLocked(keptVecs, keptRecs, res)
	}
	if dim := len(keptVecs[0]); dim != existing.index.Dimensions() {
		s.logger.Error("Feature dimension changed; discarding stored index and rebuilding from incoming batch",
			zap.Int("stored_dimensions", existing.index.Dimensions()),
			zap.Int("batch_dimensions", dim),
			zap.Int("discarded_entries", existing.index.Size()))
		res.Rebuilt = true
		keptVecs, keptRecs, res.Dropped = dedup.Dedup(vectors, records, nil)
		return s.createLocked(keptVecs, keptRecs, res)
	}

	idx := existing.index
	if err := idx.Add(normalizeAll(keptVecs)); err != nil {
		return nil, fmt.Errorf("append vectors: %w", err)
	}
	all := make([]models.VideoRecord, 0, len(existing.meta.Records)+len(keptRecs))
	all = append(all, existing.meta.Records...)
	all = append(all, keptRecs...)
	res.Appended = len(keptRecs)
	res.Identities = identities(keptRecs)
	return s.writeLocked(idx, all, res)
}

// Repair truncates an index left longer than its metadata by an interrupted
// append. It reports whether the index was rewritten. An index that does not
// extend its metadata cannot be repaired and yields ErrTornWrite.
func (s *Store) Repair(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !s.Exists() {
		return false, nil
	}
	raw, err := s.read()
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrTornWrite) {
		return false, err
	}
	if _, err := s.repairLocked(raw); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) createLocked(vectors [][]float32, records []models.VideoRecord, res *AppendResult) (*AppendResult, error) {
	idx, err := vector.NewFlatIndex(len(vectors[0]))
	if err != nil {
		return nil, err
	}
	if err := idx.Add(normalizeAll(vectors)); err != nil {
		return nil, fmt.Errorf("build index: %w", err)
	}
	res.Appended = len(records)
	res.Identities = identities(records)
	return s.writeLocked(idx, records, res)
}

// writeLocked persists index then metadata. A crash between the two renames
// leaves a longer index behind older metadata, which Load reports as
// ErrTornWrite and Repair truncates.
func (s *Store) writeLocked(idx *vector.FlatIndex, records []models.VideoRecord, res *AppendResult) (*AppendResult, error) {
	indexBytes, err := idx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}
	meta := &metadataFile{
		Version:     metadataVersion,
		Generation:  uuid.NewString(),
		Dimensions:  idx.Dimensions(),
		Count:       len(records),
		IndexDigest: digest(indexBytes),
		Records:     records,
	}
	metaBytes, err := encodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(s.indexPath, indexBytes); err != nil {
		return nil, fmt.Errorf("write index: %w", err)
	}
	if err := writeFileAtomic(s.metadataPath, metaBytes); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	res.Total = len(records)
	res.Generation = meta.Generation
	s.metrics.ObserveAppend(res.Appended, res.Dropped, res.Rebuilt)
	s.logger.Info("Feature store written",
		zap.String("mode", string(res.Mode)),
		zap.Int("appended", res.Appended),
		zap.Int("dropped", res.Dropped),
		zap.Int("total", res.Total),
		zap.Bool("rebuilt", res.Rebuilt),
		zap.String("generation", meta.Generation))
	return res, nil
}

func (s *Store) repairLocked(raw *rawStore) (*rawStore, error) {
	trunc, err := vector.TruncateEncoded(raw.indexBytes, raw.meta.Count)
	if err != nil || digest(trunc) != raw.meta.IndexDigest {
		return nil, fmt.Errorf("%w: index does not extend metadata", ErrTornWrite)
	}
	idx, err := vector.Decode(trunc)
	if err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if err := writeFileAtomic(s.indexPath, trunc); err != nil {
		return nil, fmt.Errorf("write index: %w", err)
	}
	s.logger.Warn("Truncated index after interrupted append",
		zap.String("index", s.indexPath),
		zap.Int("entries", raw.meta.Count))
	return &rawStore{indexBytes: trunc, meta: raw.meta, index: idx}, nil
}

type rawStore struct {
	indexBytes []byte
	meta       *metadataFile
	index      *vector.FlatIndex
}

// read loads both files. The index is read before the metadata, matching the
// reverse of the write order. On ErrTornWrite the returned rawStore carries the
// index bytes and metadata so the caller can attempt a repair.
func (s *Store) read() (*rawStore, error) {
	indexBytes, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	metaBytes, err := os.ReadFile(s.metadataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	meta, err := decodeMetadata(metaBytes)
	if err != nil {
		return nil, err
	}
	raw := &rawStore{indexBytes: indexBytes, meta: meta}
	if digest(indexBytes) != meta.IndexDigest {
		return raw, fmt.Errorf("%w: index digest does not match metadata generation %s", ErrTornWrite, meta.Generation)
	}
	idx, err := vector.Decode(indexBytes)
	if err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if idx.Size() != meta.Count || len(meta.Records) != meta.Count {
		return raw, fmt.Errorf("%w: index has %d entries, metadata %d", ErrTornWrite, idx.Size(), len(meta.Records))
	}
	raw.index = idx
	return raw, nil
}

func validateBatch(vectors [][]float32, records []models.VideoRecord) error {
	if len(vectors) != len(records) {
		return fmt.Errorf("%w: %d vectors, %d records", ErrLengthMismatch, len(vectors), len(records))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("%w: vector %d is empty", ErrDimensionMismatch, i)
		}
		if len(v) != len(vectors[0]) {
			return fmt.Errorf("%w: vector %d has %d, batch has %d", ErrDimensionMismatch, i, len(v), len(vectors[0]))
		}
	}
	return nil
}

func normalizeAll(vectors [][]float32) [][]float32 {
	out := make([][]float32, len(vectors))
	for i, v := range vectors {
		out[i] = utils.Normalized(v)
	}
	return out
}

func identities(records []models.VideoRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Identity
	}
	return out
}
