package store

import (
	"time"

	"github.com/hyperjump/kagami/internal/models"
	"github.com/hyperjump/kagami/internal/vector"
)

// Stamp identifies one on-disk version of the store by the modification time
// and size of both files. A zero time means the file is absent.
type Stamp struct {
	IndexModTime    time.Time `json:"index_mod_time"`
	IndexSize       int64     `json:"index_size"`
	MetadataModTime time.Time `json:"metadata_mod_time"`
	MetadataSize    int64     `json:"metadata_size"`
}

// Exists reports whether both files were present.
func (s Stamp) Exists() bool {
	return !s.IndexModTime.IsZero() && !s.MetadataModTime.IsZero()
}

// Equal reports whether two stamps describe the same on-disk version.
func (s Stamp) Equal(o Stamp) bool {
	return s.IndexModTime.Equal(o.IndexModTime) && s.IndexSize == o.IndexSize &&
		s.MetadataModTime.Equal(o.MetadataModTime) && s.MetadataSize == o.MetadataSize
}

// Snapshot is an immutable, consistent view of the index and its metadata log.
// It is safe for concurrent use.
type Snapshot struct {
	index      *vector.FlatIndex
	records    []models.VideoRecord
	generation string
	stamp      Stamp
	loadedAt   time.Time
}

// Size returns the number of entries.
func (s *Snapshot) Size() int { return len(s.records) }

// Dimensions returns the vector dimension.
func (s *Snapshot) Dimensions() int { return s.index.Dimensions() }

// Generation returns the commit ID the snapshot was written with.
func (s *Snapshot) Generation() string { return s.generation }

// Stamp returns the file stamp observed before the snapshot was read.
func (s *Snapshot) Stamp() Stamp { return s.stamp }

// LoadedAt returns when the snapshot was read from disk.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Records returns a copy of the metadata log.
func (s *Snapshot) Records() []models.VideoRecord {
	out := make([]models.VideoRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Search returns up to k hits ordered by descending similarity. Rank is 1-based
// and Similarity is the inner product scaled to 0-100, rounded to two decimals.
// An empty query, a query of the wrong dimension, or an empty snapshot yields
// no hits.
func (s *Snapshot) Search(query []float32, k int) []models.SearchHit {
	if len(query) == 0 || s.Size() == 0 {
		return nil
	}
	results, err := s.index.Search(query, k)
	if err != nil {
		return nil
	}
	hits := make([]models.SearchHit, 0, len(results))
	for i, r := range results {
		rec := s.records[r.Position]
		hits = append(hits, models.SearchHit{
			Rank:        i + 1,
			Identity:    rec.Identity,
			DisplayName: rec.DisplayName,
			Path:        rec.Path,
			Similarity:  vector.ToPercent(r.Score),
		})
	}
	return hits
}
