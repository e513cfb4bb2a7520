// Package api serves the operational HTTP surface: breaker status, dead
// letter queue triage, metrics and request control.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/contentflow/internal/breaker"
	"github.com/aristath/contentflow/internal/dlq"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/metrics"
	"github.com/aristath/contentflow/internal/monitor"
	"github.com/aristath/contentflow/internal/orchestrator"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

// Deps are the components the server exposes.
type Deps struct {
	Store    persistence.Repository
	Runner   *orchestrator.Runner
	Queue    *dlq.Queue
	Breakers *breaker.Registry
	Metrics  *metrics.Collector
	Monitor  *monitor.Monitor
	Builder  *scheduler.PlanBuilder
	Registry *prometheus.Registry // Optional; a private registry is created when nil
	Logger   *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	Deps
	logger   *slog.Logger
	validate *validator.Validate

	// Background runs outlive the HTTP request that started them
	runCtx  context.Context
	stopRun context.CancelFunc
	runs    sync.WaitGroup
}

// New creates a server.
func New(deps Deps) *Server {
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
		deps.Registry.MustRegister(metrics.NewExporter(deps.Metrics))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Deps:     deps,
		logger:   logging.OrDefault(deps.Logger).With("component", "api"),
		validate: validator.New(),
		runCtx:   ctx,
		stopRun:  cancel,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/timeouts", s.handleTimeouts)

	r.Route("/breakers", func(r chi.Router) {
		r.Get("/", s.handleBreakers)
		r.Post("/{service}/reset", s.handleBreakerReset)
	})

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", s.handleDLQList)
		r.Get("/stats", s.handleDLQStats)
		r.Get("/{entryID}", s.handleDLQGet)
		r.Post("/{entryID}/resolve", s.handleDLQResolve)
		r.Post("/tasks/{taskID}/retry", s.handleDLQRetry)
	})

	r.Route("/metrics", func(r chi.Router) {
		r.Handle("/", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
		r.Get("/tasks", sinceHandler(s, s.Metrics.TaskMetrics))
		r.Get("/requests", sinceHandler(s, s.Metrics.RequestMetrics))
		r.Get("/agents", sinceHandler(s, s.Metrics.AgentMetrics))
		r.Get("/providers", sinceHandler(s, s.Metrics.ProviderMetrics))
	})

	r.Route("/requests", func(r chi.Router) {
		r.Get("/", s.handleRequestList)
		r.Post("/", s.handleRequestCreate)
		r.Get("/{requestID}", s.handleRequestGet)
		r.Get("/{requestID}/events", s.handleRequestEvents)
		r.Post("/{requestID}/run", s.handleRequestRun)
		r.Post("/{requestID}/retry", s.handleRequestRetry)
		r.Post("/{requestID}/cancel", s.handleRequestCancel)
	})

	return r
}

// Close cancels background runs and waits for them to return.
func (s *Server) Close() {
	s.stopRun()
	s.runs.Wait()
}
