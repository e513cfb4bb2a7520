package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/contentflow/internal/api"
	"github.com/aristath/contentflow/internal/tui"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	addr      string
	dashboard bool
	noMonitor bool
	refresh   time.Duration
}

func serveCmd(opts *globalOptions) *cobra.Command {
	so := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the timeout monitor and optionally the dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, so)
		},
	}

	cmd.Flags().StringVar(&so.addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().BoolVar(&so.dashboard, "tui", false, "Show the terminal dashboard; logs go to a file next to the database")
	cmd.Flags().BoolVar(&so.noMonitor, "no-monitor", false, "Do not run the timeout monitor in this process")
	cmd.Flags().DurationVar(&so.refresh, "refresh", tui.DefaultRefreshInterval, "Dashboard refresh interval")
	return cmd
}

func serve(ctx context.Context, opts *globalOptions, so *serveOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if so.addr != "" {
		cfg.Runtime.ListenAddr = so.addr
	}

	// The dashboard owns the terminal
	if so.dashboard {
		logPath := filepath.Join(filepath.Dir(cfg.Runtime.DBPath), appName+".log")
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		setupLogger(cfg, f)
	} else {
		setupLogger(cfg, nil)
	}
	logger := slog.Default()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if !so.noMonitor {
		if err := a.monitor.Start(ctx); err != nil {
			return fmt.Errorf("starting timeout monitor: %w", err)
		}
		defer a.monitor.Stop()
	}

	srv := api.New(api.Deps{
		Store:    a.store,
		Runner:   a.runner,
		Queue:    a.queue,
		Breakers: a.breakers,
		Metrics:  a.metrics,
		Monitor:  a.monitor,
		Builder:  a.builder,
		Logger:   logger,
	})
	defer srv.Close()

	ln, err := net.Listen("tcp", cfg.Runtime.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Runtime.ListenAddr, err)
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()
	logger.Info("contentflow ready", "version", Version, "addr", ln.Addr().String(), "db", cfg.Runtime.DBPath)

	if so.dashboard {
		go func() {
			model := tui.New(a.bus, dashboardSnapshot(a), so.refresh)
			errChan <- tui.Run(ctx, model)
		}()
	}

	// A nil error on errChan is the dashboard closing normally
	select {
	case err = <-errChan:
		if err != nil {
			logger.Error("shutting down after error", "error", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, cleaning up")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http shutdown", "error", serr)
	}

	logger.Info("shutdown complete")
	return err
}

// dashboardSnapshot polls the engine for the dashboard's health pane.
func dashboardSnapshot(a *app) tui.SnapshotFunc {
	return func(ctx context.Context) (tui.Snapshot, error) {
		h, err := a.metrics.SystemHealth(ctx)
		if err != nil {
			return tui.Snapshot{}, err
		}
		stats, err := a.queue.Stats(ctx)
		if err != nil {
			return tui.Snapshot{}, err
		}
		return tui.Snapshot{
			Health:   h,
			Breakers: a.breakers.Stats(),
			DLQ:      stats,
			TakenAt:  time.Now(),
		}, nil
	}
}
