// Package watcher wakes the ingestion loop when videos land in the drop directory.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/kagami/internal/fileid"
)

const defaultDebounce = time.Second

// DropWatcher watches one directory (non-recursively) and calls onReady once
// writes to matching files have been quiet for the debounce interval.
type DropWatcher struct {
	dir        string
	extensions []string
	onReady    func()
	debounce   time.Duration
	watcher    *fsnotify.Watcher
	mu         sync.Mutex
	timer      *time.Timer
	done       chan struct{}
	started    bool
	stopOnce   sync.Once
	logger     *zap.Logger // optional; when set, logs debug events
}

// Option configures a DropWatcher.
type Option func(*DropWatcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(w *DropWatcher) { w.logger = l }
}

// WithDebounce sets how long events must be quiet before onReady fires.
func WithDebounce(d time.Duration) Option {
	return func(w *DropWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewDropWatcher creates a watcher for dir. extensions filter which files
// count (empty = all).
func NewDropWatcher(dir string, extensions []string, onReady func(), opts ...Option) *DropWatcher {
	w := &DropWatcher{
		dir:        filepath.Clean(dir),
		extensions: extensions,
		onReady:    onReady,
		debounce:   defaultDebounce,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dir returns the watched directory.
func (w *DropWatcher) Dir() string { return w.dir }

// Start starts the watcher, creating the directory if needed. It runs until
// ctx is cancelled or Stop is called.
func (w *DropWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher
	w.started = true
	if w.logger != nil {
		w.logger.Debug("drop watcher starting", zap.String("dir", w.dir), zap.Strings("extensions", w.extensions))
	}
	go w.run(ctx, watcher)
	return nil
}

func (w *DropWatcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil && w.logger != nil {
				w.logger.Debug("drop watcher error", zap.Error(err))
			}
		}
	}
}

func (w *DropWatcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if filepath.Dir(filepath.Clean(ev.Name)) != w.dir || !fileid.MatchExtension(ev.Name, w.extensions) {
		return
	}
	if w.logger != nil {
		w.logger.Debug("drop watcher event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *DropWatcher) fire() {
	w.mu.Lock()
	w.timer = nil
	started := w.started
	w.mu.Unlock()
	if !started {
		return
	}
	if w.logger != nil {
		w.logger.Debug("drop watcher ready", zap.String("dir", w.dir))
	}
	if w.onReady != nil {
		w.onReady()
	}
}

// Stop stops the watcher and releases resources.
func (w *DropWatcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
