package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/contentflow/internal/breaker"
)

const namespace = "contentflow"

// scrapeTimeout bounds the repository queries made during one scrape.
const scrapeTimeout = 5 * time.Second

var breakerStates = []breaker.State{breaker.Closed, breaker.HalfOpen, breaker.Open}

// Exporter exposes the health snapshot and breaker state as Prometheus
// metrics, computed at scrape time.
type Exporter struct {
	collector *Collector

	uptime            *prometheus.Desc
	requests          *prometheus.Desc
	requestsPerMinute *prometheus.Desc
	activeRequests    *prometheus.Desc
	stuckTasks        *prometheus.Desc
	dlqBacklog        *prometheus.Desc
	openBreakers      *prometheus.Desc
	successRate       *prometheus.Desc
	breakerState      *prometheus.Desc
	breakerCalls      *prometheus.Desc
}

// NewExporter wraps a collector for registration with Prometheus.
func NewExporter(c *Collector) *Exporter {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Exporter{
		collector:         c,
		uptime:            desc("uptime_seconds", "Seconds since the collector started."),
		requests:          desc("requests", "Requests stored in the repository."),
		requestsPerMinute: desc("requests_per_minute", "Requests created per minute over the last hour."),
		activeRequests:    desc("active_requests", "Requests that are pending or in progress."),
		stuckTasks:        desc("stuck_tasks", "Tasks running longer than the stuck threshold."),
		dlqBacklog:        desc("dlq_backlog", "Dead letter entries awaiting an operator."),
		openBreakers:      desc("open_circuit_breakers", "Circuit breakers currently open."),
		successRate:       desc("task_success_rate", "Percentage of finished tasks that completed."),
		breakerState:      desc("circuit_breaker_state", "1 for the current state of each circuit breaker.", "service", "state"),
		breakerCalls:      desc("circuit_breaker_calls_total", "Calls seen by each circuit breaker by outcome.", "service", "outcome"),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.uptime
	ch <- e.requests
	ch <- e.requestsPerMinute
	ch <- e.activeRequests
	ch <- e.stuckTasks
	ch <- e.dlqBacklog
	ch <- e.openBreakers
	ch <- e.successRate
	ch <- e.breakerState
	ch <- e.breakerCalls
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	h, err := e.collector.SystemHealth(ctx)
	if err != nil {
		e.collector.logger.Error("metrics scrape failed", "error", err)
		ch <- prometheus.NewInvalidMetric(e.requests, err)
	} else {
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
		}
		gauge(e.uptime, float64(h.UptimeSeconds))
		gauge(e.requests, float64(h.TotalRequests))
		gauge(e.requestsPerMinute, h.RequestsPerMinute)
		gauge(e.activeRequests, float64(h.ActiveRequests))
		gauge(e.stuckTasks, float64(h.StuckTasks))
		gauge(e.dlqBacklog, float64(h.DLQBacklog))
		gauge(e.openBreakers, float64(h.OpenBreakers))
		gauge(e.successRate, h.OverallSuccessRate)
	}

	if e.collector.breakers == nil {
		return
	}
	for _, s := range e.collector.breakers.Stats() {
		for _, state := range breakerStates {
			v := 0.0
			if s.State == state {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(e.breakerState, prometheus.GaugeValue, v, s.Service, string(state))
		}
		ch <- prometheus.MustNewConstMetric(e.breakerCalls, prometheus.CounterValue, float64(s.TotalSuccesses), s.Service, "success")
		ch <- prometheus.MustNewConstMetric(e.breakerCalls, prometheus.CounterValue, float64(s.TotalFailures), s.Service, "failure")
		ch <- prometheus.MustNewConstMetric(e.breakerCalls, prometheus.CounterValue, float64(s.TotalRejected), s.Service, "rejected")
	}
}
