// Package journal records ingestion cycles and per-file outcomes.
package journal

import (
	"context"

	"github.com/hyperjump/kagami/internal/models"
)

// Journal persists cycle reports.
type Journal interface {
	RecordCycle(ctx context.Context, report *models.CycleReport) error
	RecentCycles(ctx context.Context, limit int) ([]*models.CycleReport, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Stats aggregates the whole journal.
type Stats struct {
	Cycles    int64 `json:"cycles"`
	Committed int64 `json:"committed"`
	Duplicate int64 `json:"duplicate"`
	Failed    int64 `json:"failed"`
}
