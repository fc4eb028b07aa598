package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kagami/internal/models"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "sub", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestSQLiteJournal_RecordAndList(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)

	first := &models.CycleReport{
		ID: "c1", StartedAt: start, EndedAt: start.Add(time.Second),
		MovedIn: 2, Extracted: 1, Failed: 1, Committed: 1, MovedOut: 2,
		Files: []models.FileResult{
			{Name: "a.mp4", Path: "/videos/a.mp4", Outcome: models.OutcomeCommitted},
			{Name: "b.mp4", Path: "/videos/b.mp4", Outcome: models.OutcomeFailed, Error: "no frames"},
		},
	}
	second := &models.CycleReport{
		ID: "c2", StartedAt: start.Add(30 * time.Second), EndedAt: start.Add(31 * time.Second),
		Dropped: 1, Rebuilt: true, Error: "commit failed",
		Files: []models.FileResult{{Name: "a.mp4", Path: "/videos/a.mp4", Outcome: models.OutcomeDuplicate}},
	}
	require.NoError(t, j.RecordCycle(ctx, first))
	require.NoError(t, j.RecordCycle(ctx, second))

	cycles, err := j.RecentCycles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, "c2", cycles[0].ID, "newest first")
	assert.True(t, cycles[0].Rebuilt)
	assert.Equal(t, "commit failed", cycles[0].Error)

	got := cycles[1]
	assert.Equal(t, 2, got.MovedIn)
	assert.True(t, got.StartedAt.Equal(start))
	require.Len(t, got.Files, 2)
	assert.Equal(t, models.OutcomeFailed, got.Files[1].Outcome)
	assert.Equal(t, "no frames", got.Files[1].Error)

	limited, err := j.RecentCycles(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteJournal_Stats(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	s, err := j.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Cycles)

	now := time.Now()
	require.NoError(t, j.RecordCycle(ctx, &models.CycleReport{
		ID: "c1", StartedAt: now, EndedAt: now,
		Files: []models.FileResult{
			{Name: "a", Path: "/a", Outcome: models.OutcomeCommitted},
			{Name: "b", Path: "/b", Outcome: models.OutcomeCommitted},
			{Name: "c", Path: "/c", Outcome: models.OutcomeDuplicate},
			{Name: "d", Path: "/d", Outcome: models.OutcomeQuarantined},
		},
	}))
	s, err = j.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Cycles: 1, Committed: 2, Duplicate: 1, Failed: 1}, s)
}

func TestSQLiteJournal_DuplicateCycleID(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	now := time.Now()
	r := &models.CycleReport{ID: "same", StartedAt: now, EndedAt: now}
	require.NoError(t, j.RecordCycle(ctx, r))
	assert.Error(t, j.RecordCycle(ctx, r))
}
