package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaynote/internal/config"
	"github.com/agentworkforce/relaynote/internal/fswatch"
	"github.com/agentworkforce/relaynote/internal/httpapi"
	"github.com/agentworkforce/relaynote/internal/relaynote"
	"github.com/agentworkforce/relaynote/internal/vcs"
)

func newServeCommand(opts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline for every configured notebook and serve the HTTP API",
		Long: `Start one worker per configured notebook, watch the notebook roots for
edits and serve the change API until interrupted.

Example:
  relaynote serve --config ./relaynote.yaml
  RELAYNOTE_NOTEBOOKS=work=$HOME/notes relaynote serve --addr 127.0.0.1:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			logger := cfg.Log.NewLogger(cmd.ErrOrStderr())
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides the config file")
	return cmd
}

// serve runs until ctx is cancelled. When ready is non-nil it receives the
// bound listener address once the API is accepting connections.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, ready chan<- string) error {
	records, err := relaynote.BuildRecordStoreFromDSN(cfg.RecordStore)
	if err != nil {
		return WrapExitError(ExitCommandError, "open record store", err)
	}
	defer closeQuietly(records, logger, "record store")

	committer := vcs.NewGitCommitter()
	committer.Binary = cfg.Git.Binary
	committer.AuthorName = cfg.Git.AuthorName
	committer.AuthorEmail = cfg.Git.AuthorEmail
	committer.Logger = logger

	var watchers relaynote.WatcherFactory
	if cfg.Watch.Enabled {
		watchers = fswatch.NewFactory(fswatch.Options{ExcludeDirs: cfg.Watch.ExcludeDirs, ScanOnStart: cfg.Watch.ScanOnStart})
	}
	manager, err := relaynote.NewManager(relaynote.ManagerOptions{
		Records:  records,
		Registry: cfg.Registry(),
		Batcher: relaynote.NewCommitBatcher(relaynote.BatcherOptions{
			Interval:   cfg.Commit.Interval,
			MaxPending: cfg.Commit.MaxPending,
			Committer:  committer,
			Logger:     logger,
		}),
		Worker:     cfg.Worker,
		Watchers:   watchers,
		Suppressor: relaynote.NewWriteSuppressor(cfg.SuppressionWindow),
		Logger:     logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "build pipeline", err)
	}
	defer manager.StopAll(cfg.StopTimeout)

	for _, id := range cfg.NotebookIDs() {
		if err := manager.StartRegistered(ctx, id); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("start notebook %s", id), err)
		}
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "listen", err)
	}
	server := &http.Server{
		Handler: httpapi.NewServerWithConfig(manager, httpapi.ServerConfig{
			JWTSecret:       cfg.HTTP.JWTSecret,
			RateLimitMax:    cfg.HTTP.RateLimitMax,
			RateLimitWindow: cfg.HTTP.RateLimitWindow,
			MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
			StopTimeout:     cfg.StopTimeout,
			StatsInterval:   cfg.HTTP.StatsInterval,
			Logger:          logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.HTTP.JWTSecret == "" {
		logger.Warn("no jwt secret configured, using the development secret")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	logger.Info("relaynote listening", "addr", listener.Addr().String(), "notebooks", len(cfg.Notebooks))
	if ready != nil {
		ready <- listener.Addr().String()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "http server", err)
		}
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}

func closeQuietly(c io.Closer, logger *slog.Logger, what string) {
	if err := c.Close(); err != nil {
		logger.Warn("close failed", "component", what, "error", err)
	}
}
