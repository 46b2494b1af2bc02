package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/rosterd/internal/changefeed"
	"github.com/fyrsmithlabs/rosterd/internal/config"
	rosterhttp "github.com/fyrsmithlabs/rosterd/internal/http"
	"github.com/fyrsmithlabs/rosterd/internal/logging"
)

func newServeCmd() *cobra.Command {
	var reindex, wipe bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Follow the change feed and serve the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, serveOptions{
				reindex:    reindex,
				wipe:       wipe,
				reindexSet: cmd.Flags().Changed("reindex"),
				wipeSet:    cmd.Flags().Changed("wipe"),
			})
		},
	}
	cmd.Flags().BoolVar(&reindex, "reindex", false, "reindex every entity before following the feed (overrides sync.reindex_on_start)")
	cmd.Flags().BoolVar(&wipe, "wipe", false, "clear the index before the startup reindex (overrides sync.wipe_on_start)")
	return cmd
}

type serveOptions struct {
	reindex, wipe       bool
	reindexSet, wipeSet bool
}

func runServe(ctx context.Context, opts serveOptions) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	cfg := a.cfg
	logger := a.logger

	if opts.reindexSet {
		cfg.Sync.ReindexOnStart = opts.reindex
	}
	if opts.wipeSet {
		cfg.Sync.WipeOnStart = opts.wipe
	}

	var checkpoints changefeed.CheckpointStore
	if cfg.Feed.CheckpointPath != "" {
		checkpoints = changefeed.NewFileCheckpoint(cfg.Feed.CheckpointPath)
	}
	consumer := changefeed.NewConsumer(a.couch, a.orch, changefeed.Config{
		StartFrom:          cfg.Feed.StartFrom,
		BackoffInitial:     cfg.Feed.BackoffInitial,
		BackoffMax:         cfg.Feed.BackoffMax,
		CheckpointInterval: cfg.Feed.CheckpointInterval,
		Checkpoints:        checkpoints,
		OnStateChange: func(from, to changefeed.State) {
			logger.Debug(ctx, "change feed state",
				zap.Stringer("from", from), zap.Stringer("to", to))
		},
	}, a.logger.Underlying().Named("changefeed"))

	server, err := rosterhttp.NewServer(a.orch, a.writer, healthFunc(a, consumer),
		a.telemetry.MeterProvider(), a.logger.Underlying().Named("http"), &rosterhttp.Config{
			Host:    cfg.Server.Host,
			Port:    cfg.Server.Port,
			Version: version,
		})
	if err != nil {
		return a.fail(ctx, fmt.Errorf("creating http server: %w", err))
	}

	if cfg.Sync.ReindexOnStart {
		report, err := a.orch.Reindex(ctx, cfg.Sync.WipeOnStart)
		if err != nil {
			return a.fail(ctx, fmt.Errorf("startup reindex: %w", err))
		}
		logger.Info(ctx, "startup reindex complete",
			zap.Bool("wipe", cfg.Sync.WipeOnStart),
			zap.Int("entities", report.Entities),
			zap.Int("indexed", report.Indexed),
			zap.Int("unchanged", report.Unchanged),
			zap.Int("failed", report.Failed),
		)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		watchLogLevel(gctx, a)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "shutting down")
		sctx, cancel := shutdownContext(ctx, cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	runErr := g.Wait()

	// The consumer has stopped admitting changes. Drain the pipeline, then
	// persist the final watermark so nothing in flight is skipped on restart.
	sctx, cancel := shutdownContext(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.orch.Shutdown(sctx); err != nil {
		logger.Warn(sctx, "pipeline did not drain before timeout", zap.Error(err))
	}
	if err := consumer.Flush(sctx); err != nil {
		logger.Warn(sctx, "saving final checkpoint", zap.Error(err))
	}
	logger.Info(sctx, "shutdown complete", zap.String("watermark", consumer.Watermark()))
	if err := a.close(sctx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
	}
	return runErr
}

// healthFunc reports the feed and embedding breaker states. The service is
// unhealthy while the embedding breaker is open.
func healthFunc(a *app, consumer *changefeed.Consumer) rosterhttp.HealthFunc {
	return func(context.Context) (map[string]string, bool) {
		breaker := a.embedder.State()
		return map[string]string{
			"feed":       consumer.State().String(),
			"watermark":  consumer.Watermark(),
			"embeddings": breaker.String(),
		}, breaker != gobreaker.StateOpen
	}
}

// watchLogLevel applies logging.level edits to the running process. Other
// settings take effect on restart.
func watchLogLevel(ctx context.Context, a *app) {
	logger := a.logger
	err := config.Watch(ctx, configPath, logger.Underlying().Named("config"), func(next *config.Config) {
		lvl, err := logging.LevelFromString(next.Logging.Level)
		if err != nil || lvl == logger.Level() {
			return
		}
		logger.SetLevel(lvl)
		logger.Info(ctx, "log level changed", zap.Stringer("level", lvl))
	})
	if err != nil {
		logger.Debug(ctx, "config hot reload disabled", zap.Error(err))
	}
}
