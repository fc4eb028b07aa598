package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/kagami/internal/cli"
	"github.com/hyperjump/kagami/internal/config"
	"github.com/hyperjump/kagami/internal/ingest"
	"github.com/hyperjump/kagami/internal/models"
	"github.com/hyperjump/kagami/internal/search"
	"github.com/hyperjump/kagami/internal/server"
	"github.com/hyperjump/kagami/internal/store"
	"github.com/hyperjump/kagami/internal/watcher"
	"github.com/hyperjump/kagami/pkg/utils"
)

// env is what every command needs before doing work.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	format cli.SearchOutputFormat
}

func (o *globalOptions) setup() (*env, error) {
	format, err := parseOutputFormat(o.output)
	if err != nil {
		return nil, err
	}
	cfg, path, err := loadConfig(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	debug := o.debug || cfg.Debug
	logger, err := utils.NewLogger(debug)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if path != "" {
		logger.Debug("Loaded config", zap.String("path", path))
	}
	return &env{cfg: cfg, logger: logger, format: format}, nil
}

// components opens the index directly, creating the data directories if needed.
func (e *env) components() (*Components, error) {
	if err := e.cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return initializeComponents(e.cfg, e.logger)
}

func newServerCommand(opts *globalOptions) *cobra.Command {
	var noIngest bool
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP API and the ingestion loop",
		Long: `Serve similarity searches over HTTP. Unless --no-ingest is set, the server also
moves videos from the drop directory into permanent storage and indexes them,
every ingest.interval and whenever new files land in the drop directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			defer func() { _ = e.logger.Sync() }()
			return runServer(e, !noIngest)
		},
	}
	cmd.Flags().BoolVar(&noIngest, "no-ingest", false, "serve searches only; do not run the ingestion loop")
	return cmd
}

func runServer(e *env, ingestEnabled bool) error {
	cfg, logger := e.cfg, e.logger
	c, err := e.components()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Search.ForceReload(ctx); err != nil {
		if errors.Is(err, store.ErrStoreNotFound) {
			logger.Info("No index yet; searches return 503 until the first commit")
		} else {
			logger.Warn("Initial index load failed", zap.Error(err))
		}
	}

	var pipeline *ingest.Pipeline
	var wg sync.WaitGroup
	if ingestEnabled {
		pipeline = c.Pipeline
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Ingestion loop stopped", zap.Error(err))
			}
		}()
		if cfg.Ingest.WatchDropOrDefault() {
			w := watcher.NewDropWatcher(cfg.Storage.DropDir, cfg.Ingest.Extensions, pipeline.Wake, watcher.WithLogger(logger))
			if err := w.Start(ctx); err != nil {
				logger.Warn("Drop directory watcher disabled", zap.String("dir", cfg.Storage.DropDir), zap.Error(err))
			} else {
				defer w.Stop()
			}
		}
	}

	srv := server.NewServer(c.Search, pipeline, c.Journal, c.Metrics, cfg, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	stop()
	wg.Wait()
	return serveErr
}

func newSearchCommand(opts *globalOptions) *cobra.Command {
	var k int
	var serverURL string
	cmd := &cobra.Command{
		Use:   "search <video>",
		Short: "Find the indexed videos most similar to a video",
		Example: `  kagami search clip.mp4
  kagami search --k 10 -o json clip.mp4
  kagami search --server "" clip.mp4    # open the index directly`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			videoPath, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			query := &models.SearchQuery{VideoPath: videoPath, K: k}

			var response *models.SearchResponse
			if serverURL != "" {
				response, err = newAPIClient(serverURL).Search(query)
			} else {
				response, err = searchDirect(cmd.Context(), e, query)
			}
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			return cli.WriteSearchResults(cmd.OutOrStdout(), response, e.format)
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 0, "number of results (0 = search.default_k)")
	addServerFlag(cmd, &serverURL)
	return cmd
}

func searchDirect(ctx context.Context, e *env, query *models.SearchQuery) (*models.SearchResponse, error) {
	c, err := initializeComponents(e.cfg, e.logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()
	response, err := c.Search.Search(ctx, query.VideoPath, query.K)
	if errors.Is(err, search.ErrNoMatch) {
		return &models.SearchResponse{Results: []models.SearchHit{}, NoMatch: true, Query: query.VideoPath}, nil
	}
	return response, err
}

func newVerifyCommand(opts *globalOptions) *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "verify <video>",
		Short: "Re-score the best match for a video with finer frame sampling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			videoPath, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			var res *models.VerifyResult
			if serverURL != "" {
				res, err = newAPIClient(serverURL).Verify(videoPath)
			} else {
				res, err = verifyDirect(cmd.Context(), e, videoPath)
			}
			if err != nil {
				return fmt.Errorf("verify failed: %w", err)
			}
			return cli.WriteVerifyResult(cmd.OutOrStdout(), res, e.format)
		},
	}
	addServerFlag(cmd, &serverURL)
	return cmd
}

func verifyDirect(ctx context.Context, e *env, videoPath string) (*models.VerifyResult, error) {
	c, err := initializeComponents(e.cfg, e.logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()
	res, err := c.Search.Verify(ctx, videoPath)
	if errors.Is(err, search.ErrNoMatch) {
		return &models.VerifyResult{VideoPath: videoPath}, nil
	}
	return res, err
}

func newIndexCommand(opts *globalOptions) *cobra.Command {
	var mode string
	var serverURL string
	cmd := &cobra.Command{
		Use:   "index <folder>",
		Short: "Extract features for every video in a folder and add them to the index",
		Long: `Index a folder in place. Files are not moved. In update mode videos already
in the index are skipped; create mode replaces the index with the folder's videos.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			appendMode, ok := models.ParseAppendMode(mode)
			if !ok {
				return fmt.Errorf("invalid --mode %q; use create or update", mode)
			}
			folder, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			var res *store.AppendResult
			if serverURL != "" {
				res, err = newAPIClient(serverURL).Index(&models.IndexRequest{Folder: folder, Mode: string(appendMode)})
			} else {
				res, err = indexDirect(cmd.Context(), e, folder, appendMode)
			}
			if err != nil {
				return fmt.Errorf("index failed: %w", err)
			}
			return cli.WriteAppendResult(cmd.OutOrStdout(), res, e.format)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(models.ModeUpdate), "write mode: update or create")
	addServerFlag(cmd, &serverURL)
	return cmd
}

func indexDirect(ctx context.Context, e *env, folder string, mode models.AppendMode) (*store.AppendResult, error) {
	c, err := e.components()
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()
	return c.Pipeline.AppendFolder(ctx, folder, mode)
}

func newIngestCommand(opts *globalOptions) *cobra.Command {
	var once bool
	var serverURL string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Move videos from the drop directory into the index",
		Long: `Run ingestion cycles without the HTTP API. With --once a single cycle runs and its
report is printed; with --server set, that cycle runs inside the server instead.
Only one process may ingest into a data directory at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			if !once {
				return runIngestLoop(e)
			}
			var report *models.CycleReport
			if serverURL != "" {
				report, err = newAPIClient(serverURL).RunIngest()
			} else {
				report, err = ingestOnce(cmd.Context(), e)
			}
			if report != nil {
				if werr := cli.WriteCycleReport(cmd.OutOrStdout(), report, e.format); werr != nil {
					return werr
				}
			}
			if err != nil {
				return fmt.Errorf("ingest failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().StringVar(&serverURL, "server", "", "with --once, run the cycle on this server")
	return cmd
}

func ingestOnce(ctx context.Context, e *env) (*models.CycleReport, error) {
	c, err := e.components()
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()
	if _, err := c.Store.Repair(ctx); err != nil {
		e.logger.Warn("Feature store repair failed", zap.Error(err))
	}
	return c.Pipeline.RunOnce(ctx)
}

func runIngestLoop(e *env) error {
	c, err := e.components()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if e.cfg.Ingest.WatchDropOrDefault() {
		w := watcher.NewDropWatcher(e.cfg.Storage.DropDir, e.cfg.Ingest.Extensions, c.Pipeline.Wake, watcher.WithLogger(e.logger))
		if err := w.Start(ctx); err != nil {
			e.logger.Warn("Drop directory watcher disabled", zap.Error(err))
		} else {
			defer w.Stop()
		}
	}
	e.logger.Info("Ingesting", zap.String("drop_dir", e.cfg.Storage.DropDir), zap.Duration("interval", e.cfg.Ingest.Interval))
	if err := c.Pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	e.logger.Info("Shutting down...")
	return nil
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index size, ingestion totals, and storage locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			var status *cli.StatusInfo
			if serverURL != "" {
				status, err = newAPIClient(serverURL).Status()
			} else {
				status, err = statusDirect(cmd.Context(), e)
			}
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			return cli.WriteStatus(cmd.OutOrStdout(), status, e.format)
		},
	}
	addServerFlag(cmd, &serverURL)
	return cmd
}

func statusDirect(ctx context.Context, e *env) (*cli.StatusInfo, error) {
	c, err := e.components()
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()
	if err := c.Search.ForceReload(ctx); err != nil && !errors.Is(err, store.ErrStoreNotFound) {
		return nil, err
	}
	stats, err := c.Journal.Stats(ctx)
	if err != nil {
		return nil, err
	}
	s := e.cfg.Storage
	diskBytes, _ := utils.DiskUsageBytes(s.IndexPath, s.MetadataPath, s.JournalPath)
	return &cli.StatusInfo{
		Index:          c.Search.Status(),
		Ingest:         stats,
		DiskUsageBytes: diskBytes,
		Config:         statusConfig(e.cfg),
	}, nil
}

func statusConfig(cfg *config.Config) *cli.StatusConfig {
	return &cli.StatusConfig{
		EmbeddingBackend:    cfg.Embedding.Backend,
		EmbeddingDimensions: cfg.Embedding.Dimensions,
		DefaultK:            cfg.Search.DefaultK,
		MaxK:                cfg.Search.MaxK,
		DropDir:             cfg.Storage.DropDir,
		VideoDir:            cfg.Storage.VideoDir,
		IndexPath:           cfg.Storage.IndexPath,
		MetadataPath:        cfg.Storage.MetadataPath,
	}
}

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var limit int
	var serverURL string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent ingestion cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			if limit <= 0 {
				return errors.New("--limit must be positive")
			}
			var cycles []*models.CycleReport
			if serverURL != "" {
				cycles, err = newAPIClient(serverURL).History(limit)
			} else {
				cycles, err = historyDirect(cmd.Context(), e, limit)
			}
			if err != nil {
				return fmt.Errorf("history failed: %w", err)
			}
			return cli.WriteHistory(cmd.OutOrStdout(), cycles, e.format)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of cycles to show")
	addServerFlag(cmd, &serverURL)
	return cmd
}

func historyDirect(ctx context.Context, e *env, limit int) ([]*models.CycleReport, error) {
	c, err := e.components()
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()
	return c.Journal.RecentCycles(ctx, limit)
}
