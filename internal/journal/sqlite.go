package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kagami/internal/models"
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP NOT NULL,
		moved_in INTEGER NOT NULL,
		extracted INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		committed INTEGER NOT NULL,
		dropped INTEGER NOT NULL,
		moved_out INTEGER NOT NULL,
		rebuilt INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at);

	CREATE TABLE IF NOT EXISTS cycle_files (
		cycle_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT,
		PRIMARY KEY (cycle_id, seq),
		FOREIGN KEY (cycle_id) REFERENCES cycles(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_cycle_files_name ON cycle_files(name);
	`
	_, err := db.Exec(schema)
	return err
}

// RecordCycle inserts a cycle and its file outcomes in one transaction.
func (j *SQLiteJournal) RecordCycle(ctx context.Context, r *models.CycleReport) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cycles (id, started_at, ended_at, moved_in, extracted, failed, committed, dropped, moved_out, rebuilt, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt, r.EndedAt, r.MovedIn, r.Extracted, r.Failed, r.Committed, r.Dropped, r.MovedOut, r.Rebuilt, r.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cycle_files (cycle_id, seq, name, path, outcome, error) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, f := range r.Files {
		if _, err := stmt.ExecContext(ctx, r.ID, i, f.Name, f.Path, string(f.Outcome), f.Error); err != nil {
			return fmt.Errorf("failed to insert file outcome: %w", err)
		}
	}
	return tx.Commit()
}

// RecentCycles returns up to limit cycles, newest first, with their file outcomes.
func (j *SQLiteJournal) RecentCycles(ctx context.Context, limit int) ([]*models.CycleReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, started_at, ended_at, moved_in, extracted, failed, committed, dropped, moved_out, rebuilt, COALESCE(error, '')
		 FROM cycles ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*models.CycleReport
	byID := make(map[string]*models.CycleReport)
	for rows.Next() {
		var r models.CycleReport
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.EndedAt, &r.MovedIn, &r.Extracted, &r.Failed,
			&r.Committed, &r.Dropped, &r.MovedOut, &r.Rebuilt, &r.Error); err != nil {
			return nil, err
		}
		reports = append(reports, &r)
		byID[r.ID] = &r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range reports {
		files, err := j.cycleFiles(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		byID[r.ID].Files = files
	}
	return reports, nil
}

func (j *SQLiteJournal) cycleFiles(ctx context.Context, cycleID string) ([]models.FileResult, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT name, path, outcome, COALESCE(error, '') FROM cycle_files WHERE cycle_id = ? ORDER BY seq`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []models.FileResult
	for rows.Next() {
		var f models.FileResult
		var outcome string
		if err := rows.Scan(&f.Name, &f.Path, &outcome, &f.Error); err != nil {
			return nil, err
		}
		f.Outcome = models.FileOutcome(outcome)
		files = append(files, f)
	}
	return files, rows.Err()
}

// Stats returns totals across all recorded cycles.
func (j *SQLiteJournal) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cycles`).Scan(&s.Cycles); err != nil {
		return nil, err
	}
	err := j.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome IN (?, ?) THEN 1 ELSE 0 END), 0)
		 FROM cycle_files`,
		string(models.OutcomeCommitted), string(models.OutcomeDuplicate),
		string(models.OutcomeFailed), string(models.OutcomeQuarantined),
	).Scan(&s.Committed, &s.Duplicate, &s.Failed)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
