package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aristath/contentflow/internal/agent"
	"github.com/aristath/contentflow/internal/breaker"
	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/dlq"
	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/metrics"
	"github.com/aristath/contentflow/internal/monitor"
	"github.com/aristath/contentflow/internal/orchestrator"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

// app is the wired engine. Every command builds one over the configured
// database.
type app struct {
	cfg      *config.OrchestratorConfig
	logger   *slog.Logger
	store    *persistence.SQLiteStore
	bus      *events.EventBus
	breakers *breaker.Registry
	agents   *agent.Registry
	queue    *dlq.Queue
	runner   *orchestrator.Runner
	monitor  *monitor.Monitor
	metrics  *metrics.Collector
	builder  *scheduler.PlanBuilder
}

func newApp(ctx context.Context, cfg *config.OrchestratorConfig, logger *slog.Logger) (*app, error) {
	if dir := filepath.Dir(cfg.Runtime.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	store, err := persistence.NewSQLiteStore(ctx, cfg.Runtime.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	bus := events.NewEventBus()
	breakers := breaker.NewRegistry(
		breaker.WithProviders(cfg.Providers),
		breaker.WithPublisher(bus),
		breaker.WithLogger(logger),
	)
	agents := agent.FromConfig(cfg, breakers, nil)
	queue := dlq.New(store,
		dlq.WithMaxRetries(cfg.Runtime.MaxRetries),
		dlq.WithPublisher(bus),
		dlq.WithLogger(logger),
	)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		bus:      bus,
		breakers: breakers,
		agents:   agents,
		queue:    queue,
		runner: orchestrator.NewRunner(store, agents, orchestrator.RunnerConfig{
			ConcurrencyLimit: cfg.Runtime.Concurrency,
			Retry:            orchestrator.RetryPolicyFromConfig(cfg.Runtime),
			Failures:         queue,
			Publisher:        bus,
			Logger:           logger,
		}),
		monitor: monitor.New(store,
			monitor.WithThresholds(monitor.ThresholdsFromConfig(cfg)),
			monitor.WithSchedule(cfg.Runtime.SweepSchedule),
			monitor.WithFailureHandler(queue),
			monitor.WithPublisher(bus),
			monitor.WithLogger(logger),
		),
		metrics: metrics.NewCollector(store, breakers,
			metrics.WithStuckThreshold(cfg.Runtime.StuckThreshold.Duration),
			metrics.WithLogger(logger),
		),
		builder: scheduler.NewPlanBuilder(cfg.Workflows),
	}

	for _, role := range scheduler.Roles() {
		if _, ok := agents.Provider(role); !ok {
			logger.Debug("agent role has no endpoint; its tasks fail with NO_AGENT", "agent_role", role)
		}
	}
	return a, nil
}

// Close releases the bus and the database.
func (a *app) Close() {
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing database", "error", err)
	}
}

// withApp loads config, sets up logging and runs fn against a wired app.
func withApp(ctx context.Context, opts *globalOptions, fn func(*app) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg, nil)

	a, err := newApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
