// Package ingest moves videos from the drop directory through the working
// directory into permanent storage, committing their features on the way.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kagami/internal/config"
	"github.com/hyperjump/kagami/internal/embedding"
	"github.com/hyperjump/kagami/internal/fileid"
	"github.com/hyperjump/kagami/internal/journal"
	"github.com/hyperjump/kagami/internal/metrics"
	"github.com/hyperjump/kagami/internal/models"
	"github.com/hyperjump/kagami/internal/store"
	"github.com/hyperjump/kagami/pkg/utils"
)

const defaultInterval = 30 * time.Second

// Reloader is told to pick up a commit immediately.
type Reloader interface {
	ForceReload(ctx context.Context) error
}

// Pipeline runs ingestion cycles. It is the only writer of the feature store
// and of the staging directories; at most one cycle runs at a time.
type Pipeline struct {
	store    *store.Store
	embedder embedding.Embedder
	storage  *config.StorageConfig
	config   *config.IngestConfig
	reloader Reloader
	journal  journal.Journal
	metrics  *metrics.Metrics
	logger   *zap.Logger

	state atomic.Int32
	wake  chan struct{}
	runMu sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithJournal records every cycle that did work.
func WithJournal(j journal.Journal) Option {
	return func(p *Pipeline) { p.journal = j }
}

// WithReloader sets who is told about commits.
func WithReloader(r Reloader) Option {
	return func(p *Pipeline) { p.reloader = r }
}

// NewPipeline creates a pipeline over the stage directories in storage.
func NewPipeline(st *store.Store, embedder embedding.Embedder, storage *config.StorageConfig, cfg *config.IngestConfig, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    st,
		embedder: embedder,
		storage:  storage,
		config:   cfg,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = utils.LoggerOrNop(p.logger)
	return p
}

// State returns the current cycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
}

// Wake cuts the current rest interval short. It never blocks.
func (p *Pipeline) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run repairs any interrupted commit, then runs cycles until ctx is cancelled.
// A failing or panicking cycle is logged and the loop continues.
func (p *Pipeline) Run(ctx context.Context) error {
	if repaired, err := p.store.Repair(ctx); err != nil {
		p.logger.Warn("Feature store repair failed", zap.Error(err))
	} else if repaired {
		p.logger.Info("Repaired interrupted feature store commit")
	}
	for {
		p.runSafely(ctx)
		timer := time.NewTimer(p.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *Pipeline) runSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.setState(StateIdle)
			p.metrics.ObserveCycle("panic", 0)
			p.logger.Error("Ingestion cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("Ingestion cycle failed", zap.Error(err))
	}
}

func (p *Pipeline) interval() time.Duration {
	if p.config.Interval > 0 {
		return p.config.Interval
	}
	return defaultInterval
}

// item is one working-directory file in the current cycle.
type item struct {
	src    string
	dest   string
	record models.VideoRecord
	vector []float32
	err    error
}

// RunOnce runs a single cycle and returns its report. The report is returned
// even when err is non-nil.
func (p *Pipeline) RunOnce(ctx context.Context) (*models.CycleReport, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	defer p.setState(StateIdle)

	report := &models.CycleReport{ID: uuid.NewString(), StartedAt: time.Now()}
	err := p.cycle(ctx, report)
	report.EndedAt = time.Now()
	if err != nil {
		report.Error = err.Error()
	}
	p.finish(ctx, report, err)
	return report, err
}

func (p *Pipeline) cycle(ctx context.Context, report *models.CycleReport) error {
	if err := p.ensureDirs(); err != nil {
		return err
	}

	p.setState(StateMovingIn)
	moveErr := p.moveIn(ctx, report)
	if err := ctx.Err(); err != nil {
		return err
	}

	p.setState(StateExtracting)
	items, err := p.plan()
	if err != nil {
		return multierr.Append(moveErr, err)
	}
	if len(items) == 0 {
		return moveErr
	}
	p.extract(ctx, items)
	if err := ctx.Err(); err != nil {
		return err
	}

	p.setState(StateCommitting)
	committed, err := p.commit(ctx, items, report)
	if err != nil {
		// Files stay in the working directory and are retried next cycle.
		return multierr.Append(moveErr, fmt.Errorf("commit: %w", err))
	}

	p.setState(StateMovingOut)
	return multierr.Append(moveErr, p.moveOut(items, committed, report))
}

func (p *Pipeline) ensureDirs() error {
	dirs := []string{p.storage.DropDir, p.storage.WorkingDir, p.storage.VideoDir}
	if p.config.QuarantineFailed {
		dirs = append(dirs, p.storage.QuarantineDir)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// moveIn moves every recognized drop file into the working directory. Failed
// moves are reported and the file is left for the next cycle.
func (p *Pipeline) moveIn(ctx context.Context, report *models.CycleReport) error {
	paths, err := listVideos(p.storage.DropDir, p.config.Extensions)
	if err != nil {
		return err
	}
	var errs error
	for _, src := range paths {
		if ctx.Err() != nil {
			break
		}
		dst, err := moveUnique(src, p.storage.WorkingDir)
		if err != nil {
			p.logger.Warn("Failed to move file into working directory", zap.String("path", src), zap.Error(err))
			report.Files = append(report.Files, models.FileResult{
				Name:    filepath.Base(src),
				Path:    src,
				Outcome: models.OutcomeMoveFailed,
				Error:   err.Error(),
			})
			errs = multierr.Append(errs, fmt.Errorf("move in %s: %w", src, err))
			continue
		}
		report.MovedIn++
		p.logger.Debug("Moved into working directory", zap.String("from", src), zap.String("to", dst))
	}
	return errs
}

// plan lists the working directory and picks each file's permanent path. The
// identity is taken from that path so it matches the name after MovingOut.
func (p *Pipeline) plan() ([]*item, error) {
	paths, err := listVideos(p.storage.WorkingDir, p.config.Extensions)
	if err != nil {
		return nil, err
	}
	reserved := make(map[string]struct{}, len(paths))
	items := make([]*item, 0, len(paths))
	for _, src := range paths {
		dest, err := uniquePath(p.storage.VideoDir, filepath.Base(src), reserved)
		if err != nil {
			return nil, err
		}
		reserved[dest] = struct{}{}
		items = append(items, &item{
			src:  src,
			dest: dest,
			record: models.VideoRecord{
				Identity:    fileid.Identity(dest),
				DisplayName: fileid.DisplayName(dest),
				Path:        dest,
			},
		})
	}
	return items, nil
}

// extract embeds every item with at most Workers extractions in flight. A
// failure is stored on the item and never stops the others.
func (p *Pipeline) extract(ctx context.Context, items []*item) {
	extractAll(ctx, p.embedder, p.workers(), p.config.ExtractTimeout, items)
	for _, it := range items {
		if it.err != nil {
			p.logger.Warn("Feature extraction failed", zap.String("path", it.src), zap.Error(it.err))
		}
	}
}

func extractAll(ctx context.Context, e embedding.Embedder, workers int, timeout time.Duration, items []*item) {
	var g errgroup.Group
	g.SetLimit(workers)
	for _, it := range items {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					it.err = fmt.Errorf("%w: panic: %v", embedding.ErrExtractionFailed, r)
				}
			}()
			fctx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			vec, err := e.Embed(fctx, it.src)
			switch {
			case err != nil:
				it.err = err
			case len(vec) == 0:
				it.err = embedding.ErrExtractionFailed
			default:
				it.vector = vec
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) workers() int {
	if p.config.Workers > 0 {
		return p.config.Workers
	}
	return 1
}

// commit appends the extracted vectors and reports which identities were new.
func (p *Pipeline) commit(ctx context.Context, items []*item, report *models.CycleReport) (map[string]struct{}, error) {
	var vectors [][]float32
	var records []models.VideoRecord
	for _, it := range items {
		if it.vector == nil {
			report.Failed++
			continue
		}
		report.Extracted++
		vectors = append(vectors, it.vector)
		records = append(records, it.record)
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	res, err := p.store.Append(ctx, vectors, records, models.ModeUpdate)
	if err != nil {
		return nil, err
	}
	report.Committed = res.Appended
	report.Dropped = res.Dropped
	report.Rebuilt = res.Rebuilt
	committed := make(map[string]struct{}, len(res.Identities))
	for _, id := range res.Identities {
		committed[id] = struct{}{}
	}
	if res.Appended > 0 && p.reloader != nil {
		if err := p.reloader.ForceReload(ctx); err != nil {
			p.logger.Warn("Reload after commit failed", zap.Error(err))
		}
	}
	return committed, nil
}

// moveOut moves each working file to its planned path, or to quarantine when
// extraction failed and quarantine is enabled.
func (p *Pipeline) moveOut(items []*item, committed map[string]struct{}, report *models.CycleReport) error {
	var errs error
	for _, it := range items {
		res := models.FileResult{Name: filepath.Base(it.dest), Path: it.dest}
		switch {
		case it.err != nil && p.config.QuarantineFailed:
			res.Outcome = models.OutcomeQuarantined
			res.Error = it.err.Error()
		case it.err != nil:
			res.Outcome = models.OutcomeFailed
			res.Error = it.err.Error()
		default:
			if _, ok := committed[it.record.Identity]; ok {
				res.Outcome = models.OutcomeCommitted
			} else {
				res.Outcome = models.OutcomeDuplicate
			}
		}

		var err error
		if res.Outcome == models.OutcomeQuarantined {
			res.Path, err = moveUnique(it.src, p.storage.QuarantineDir)
		} else {
			res.Path, err = p.moveToPlanned(it)
		}
		if err != nil {
			p.logger.Warn("Failed to move file out of working directory", zap.String("path", it.src), zap.Error(err))
			res.Outcome = models.OutcomeMoveFailed
			res.Path = it.src
			res.Error = err.Error()
			errs = multierr.Append(errs, fmt.Errorf("move out %s: %w", it.src, err))
		} else {
			report.MovedOut++
		}
		report.Files = append(report.Files, res)
	}
	return errs
}

func (p *Pipeline) moveToPlanned(it *item) (string, error) {
	dest := it.dest
	if _, err := os.Lstat(dest); err == nil {
		// Something took the planned name since the cycle started.
		p.logger.Warn("Planned destination taken; renaming",
			zap.String("path", dest), zap.String("identity", it.record.Identity))
		return moveUnique(it.src, p.storage.VideoDir)
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if err := moveFile(it.src, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (p *Pipeline) finish(ctx context.Context, report *models.CycleReport, err error) {
	result := "ok"
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		result = "cancelled"
	case err != nil:
		result = "error"
	}
	p.metrics.ObserveCycle(result, report.Duration())
	for _, f := range report.Files {
		p.metrics.ObserveFile(string(f.Outcome))
	}

	if len(report.Files) == 0 && err == nil {
		return
	}
	level := zap.InfoLevel
	if report.Rebuilt {
		// The commit discarded every previously indexed video.
		level = zap.WarnLevel
	}
	p.logger.Log(level, "Ingestion cycle completed",
		zap.String("cycle", report.ID),
		zap.Int("moved_in", report.MovedIn),
		zap.Int("extracted", report.Extracted),
		zap.Int("failed", report.Failed),
		zap.Int("committed", report.Committed),
		zap.Int("dropped", report.Dropped),
		zap.Int("moved_out", report.MovedOut),
		zap.Bool("rebuilt", report.Rebuilt),
		zap.Duration("elapsed", report.Duration()),
		zap.Error(err))
	if p.journal != nil {
		if jerr := p.journal.RecordCycle(context.WithoutCancel(ctx), report); jerr != nil {
			p.logger.Warn("Failed to record ingestion cycle", zap.Error(jerr))
		}
	}
}

// AppendFolder embeds every recognized video in folder and writes the batch in
// mode. Files are not moved; records point at their current paths.
func (p *Pipeline) AppendFolder(ctx context.Context, folder string, mode models.AppendMode) (*store.AppendResult, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	abs, err := filepath.Abs(folder)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", abs)
	}
	paths, err := listVideos(abs, p.config.Extensions)
	if err != nil {
		return nil, err
	}
	items := make([]*item, len(paths))
	for i, path := range paths {
		items[i] = &item{
			src: path,
			record: models.VideoRecord{
				Identity:    fileid.Identity(path),
				DisplayName: fileid.DisplayName(path),
				Path:        path,
			},
		}
	}
	p.extract(ctx, items)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var vectors [][]float32
	var records []models.VideoRecord
	for _, it := range items {
		if it.vector != nil {
			vectors = append(vectors, it.vector)
			records = append(records, it.record)
		}
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no videos extracted from %s", store.ErrEmptyInput, abs)
	}
	res, err := p.store.Append(ctx, vectors, records, mode)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Folder indexed",
		zap.String("folder", abs),
		zap.String("mode", string(mode)),
		zap.Int("videos", len(paths)),
		zap.Int("appended", res.Appended),
		zap.Int("dropped", res.Dropped))
	if res.Appended > 0 && p.reloader != nil {
		if err := p.reloader.ForceReload(ctx); err != nil {
			p.logger.Warn("Reload after commit failed", zap.Error(err))
		}
	}
	return res, nil
}
