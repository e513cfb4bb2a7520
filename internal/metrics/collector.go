// Package metrics aggregates read-side performance and health figures over
// the task repository and the circuit breaker registry.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aristath/contentflow/internal/agent"
	"github.com/aristath/contentflow/internal/breaker"
	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

// Provider circuit status as reported by ProviderMetrics.
const (
	ProviderHealthy     = "healthy"
	ProviderDegraded    = "degraded"
	ProviderUnavailable = "unavailable"
)

// TaskMetrics describes one task name and agent role pair.
type TaskMetrics struct {
	TaskName             string  `json:"task_name"`
	AgentRole            string  `json:"agent_role"`
	TotalExecutions      int     `json:"total_executions"`
	SuccessfulExecutions int     `json:"successful_executions"`
	FailedExecutions     int     `json:"failed_executions"`
	SuccessRate          float64 `json:"success_rate"`
	AvgDurationMS        float64 `json:"average_duration_ms"`
	MinDurationMS        int64   `json:"min_duration_ms"`
	MaxDurationMS        int64   `json:"max_duration_ms"`
	P50DurationMS        int64   `json:"p50_duration_ms"`
	P95DurationMS        int64   `json:"p95_duration_ms"`
	P99DurationMS        int64   `json:"p99_duration_ms"`
}

// RequestMetrics describes one request type.
type RequestMetrics struct {
	RequestType         string  `json:"request_type"`
	TotalRequests       int     `json:"total_requests"`
	CompletedRequests   int     `json:"completed_requests"`
	FailedRequests      int     `json:"failed_requests"`
	CancelledRequests   int     `json:"cancelled_requests"`
	InProgressRequests  int     `json:"in_progress_requests"`
	PendingRequests     int     `json:"pending_requests"`
	CompletionRate      float64 `json:"completion_rate"`
	AvgCompletionTimeMS float64 `json:"average_completion_time_ms"`
	AvgCost             float64 `json:"average_cost"`
}

// AgentMetrics describes one agent role.
type AgentMetrics struct {
	AgentRole          string  `json:"agent_role"`
	TotalTasks         int     `json:"total_tasks"`
	SuccessfulTasks    int     `json:"successful_tasks"`
	FailedTasks        int     `json:"failed_tasks"`
	SuccessRate        float64 `json:"success_rate"`
	AvgExecutionTimeMS float64 `json:"average_execution_time_ms"`
	TotalTokensUsed    int64   `json:"total_tokens_used"`
	AvgTokensPerTask   float64 `json:"average_tokens_per_task"`
	TotalCost          float64 `json:"total_cost"`
}

// ProviderMetrics describes one external service.
type ProviderMetrics struct {
	ProviderName          string  `json:"provider_name"`
	TotalDispatches       int     `json:"total_dispatches"`
	SuccessfulCompletions int     `json:"successful_completions"`
	FailedCompletions     int     `json:"failed_completions"`
	SuccessRate           float64 `json:"success_rate"`
	AvgCallbackTimeMS     float64 `json:"average_callback_time_ms"`
	CircuitBreakerStatus  string  `json:"circuit_breaker_status"`
}

// SystemHealth is a point-in-time health snapshot.
type SystemHealth struct {
	UptimeSeconds      int64   `json:"uptime_seconds"`
	TotalRequests      int     `json:"total_requests_processed"`
	RequestsPerMinute  float64 `json:"requests_per_minute"`
	ActiveRequests     int     `json:"active_requests"`
	StuckTasks         int     `json:"stuck_tasks_count"`
	DLQBacklog         int     `json:"dlq_entries_count"`
	OpenBreakers       int     `json:"circuit_breakers_open"`
	OverallSuccessRate float64 `json:"overall_success_rate"`
	AvgRequestTimeMS   float64 `json:"average_request_duration_ms"`
}

// Option configures a Collector.
type Option func(*Collector)

// WithStuckThreshold sets how long a task may run before it counts as stuck.
func WithStuckThreshold(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.stuckThreshold = d
		}
	}
}

// WithClock overrides time.Now. The collector's start time is taken from
// the clock at construction.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// Collector computes metrics on demand. It holds no counters of its own.
type Collector struct {
	repo           persistence.Repository
	breakers       *breaker.Registry
	stuckThreshold time.Duration
	now            func() time.Time
	started        time.Time
	logger         *slog.Logger
}

// NewCollector creates a collector. breakers may be nil.
func NewCollector(repo persistence.Repository, breakers *breaker.Registry, opts ...Option) *Collector {
	c := &Collector{
		repo:           repo,
		breakers:       breakers,
		stuckThreshold: config.DefaultStuckThreshold,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.now()
	c.logger = logging.OrDefault(c.logger).With("component", "metrics")
	return c
}

// StuckThreshold returns the stuck-task threshold.
func (c *Collector) StuckThreshold() time.Duration {
	return c.stuckThreshold
}

func rate(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func mean(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

// percentile returns the nearest-rank value from an ascending slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)) * p)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

func durationMS(t *scheduler.Task) (int64, bool) {
	d, ok := t.Duration()
	if !ok {
		return 0, false
	}
	return d.Milliseconds(), true
}

// TaskMetrics groups tasks created since the given time by name and role.
// A zero since covers all tasks.
func (c *Collector) TaskMetrics(ctx context.Context, since time.Time) ([]TaskMetrics, error) {
	tasks, err := c.repo.ListTasks(ctx, persistence.TaskFilter{CreatedSince: since})
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	type key struct{ name, role string }
	groups := make(map[key][]*scheduler.Task)
	for _, t := range tasks {
		k := key{t.Name, t.AgentRole}
		groups[k] = append(groups[k], t)
	}

	out := make([]TaskMetrics, 0, len(groups))
	for k, group := range groups {
		m := TaskMetrics{TaskName: k.name, AgentRole: k.role, TotalExecutions: len(group)}
		var durations []int64
		for _, t := range group {
			switch t.Status {
			case scheduler.TaskCompleted:
				m.SuccessfulExecutions++
			case scheduler.TaskFailed:
				m.FailedExecutions++
			}
			if d, ok := durationMS(t); ok {
				durations = append(durations, d)
			}
		}
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

		m.SuccessRate = rate(m.SuccessfulExecutions, m.TotalExecutions)
		m.AvgDurationMS = mean(durations)
		if len(durations) > 0 {
			m.MinDurationMS = durations[0]
			m.MaxDurationMS = durations[len(durations)-1]
		}
		m.P50DurationMS = percentile(durations, 0.50)
		m.P95DurationMS = percentile(durations, 0.95)
		m.P99DurationMS = percentile(durations, 0.99)
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalExecutions != out[j].TotalExecutions {
			return out[i].TotalExecutions > out[j].TotalExecutions
		}
		if out[i].TaskName != out[j].TaskName {
			return out[i].TaskName < out[j].TaskName
		}
		return out[i].AgentRole < out[j].AgentRole
	})
	return out, nil
}

// finishedAt returns when the last task of a completed request finished.
func finishedAt(req *scheduler.Request) (time.Time, bool) {
	var last time.Time
	for _, t := range req.Tasks {
		if t.CompletedAt == nil {
			return time.Time{}, false
		}
		if t.CompletedAt.After(last) {
			last = *t.CompletedAt
		}
	}
	return last, len(req.Tasks) > 0
}

func cancelled(req *scheduler.Request) bool {
	for _, t := range req.Tasks {
		if t.Status == scheduler.TaskFailed && t.ErrorCode == agent.CodeCancelled {
			return true
		}
	}
	return false
}

func requestCost(req *scheduler.Request) float64 {
	var total float64
	for _, t := range req.Tasks {
		total += t.Cost
	}
	return total
}

// RequestMetrics groups requests created since the given time by type.
func (c *Collector) RequestMetrics(ctx context.Context, since time.Time) ([]RequestMetrics, error) {
	requests, err := c.repo.ListRequests(ctx, persistence.RequestFilter{CreatedSince: since})
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}

	byType := make(map[string][]*scheduler.Request)
	for _, r := range requests {
		byType[r.Type] = append(byType[r.Type], r)
	}

	out := make([]RequestMetrics, 0, len(byType))
	for typ, group := range byType {
		m := RequestMetrics{RequestType: typ, TotalRequests: len(group)}
		var (
			completionTimes []int64
			costs           []float64
		)
		for _, r := range group {
			switch r.Status() {
			case scheduler.RequestCompleted:
				m.CompletedRequests++
				if end, ok := finishedAt(r); ok {
					completionTimes = append(completionTimes, end.Sub(r.CreatedAt).Milliseconds())
				}
			case scheduler.RequestFailed:
				m.FailedRequests++
				if cancelled(r) {
					m.CancelledRequests++
				}
			case scheduler.RequestInProgress:
				m.InProgressRequests++
			default:
				m.PendingRequests++
			}
			if cost := requestCost(r); cost > 0 {
				costs = append(costs, cost)
			}
		}

		m.CompletionRate = rate(m.CompletedRequests, m.TotalRequests)
		m.AvgCompletionTimeMS = mean(completionTimes)
		if len(costs) > 0 {
			var sum float64
			for _, v := range costs {
				sum += v
			}
			m.AvgCost = sum / float64(len(costs))
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RequestType < out[j].RequestType })
	return out, nil
}

// AgentMetrics groups tasks created since the given time by agent role.
func (c *Collector) AgentMetrics(ctx context.Context, since time.Time) ([]AgentMetrics, error) {
	tasks, err := c.repo.ListTasks(ctx, persistence.TaskFilter{CreatedSince: since})
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	byRole := make(map[string][]*scheduler.Task)
	for _, t := range tasks {
		byRole[t.AgentRole] = append(byRole[t.AgentRole], t)
	}

	out := make([]AgentMetrics, 0, len(byRole))
	for role, group := range byRole {
		m := AgentMetrics{AgentRole: role, TotalTasks: len(group)}
		var (
			durations  []int64
			withTokens int
		)
		for _, t := range group {
			switch t.Status {
			case scheduler.TaskCompleted:
				m.SuccessfulTasks++
			case scheduler.TaskFailed:
				m.FailedTasks++
			}
			if d, ok := durationMS(t); ok {
				durations = append(durations, d)
			}
			if t.TokensUsed > 0 {
				m.TotalTokensUsed += t.TokensUsed
				withTokens++
			}
			m.TotalCost += t.Cost
		}

		m.SuccessRate = rate(m.SuccessfulTasks, m.TotalTasks)
		m.AvgExecutionTimeMS = mean(durations)
		if withTokens > 0 {
			m.AvgTokensPerTask = float64(m.TotalTokensUsed) / float64(withTokens)
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalTasks != out[j].TotalTasks {
			return out[i].TotalTasks > out[j].TotalTasks
		}
		return out[i].AgentRole < out[j].AgentRole
	})
	return out, nil
}

// ProviderMetrics groups dispatched tasks created since the given time by
// the service they were sent to. Services with a breaker but no tasks in
// the window are listed with zero dispatches.
func (c *Collector) ProviderMetrics(ctx context.Context, since time.Time) ([]ProviderMetrics, error) {
	tasks, err := c.repo.ListTasks(ctx, persistence.TaskFilter{CreatedSince: since})
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	byProvider := make(map[string][]*scheduler.Task)
	for _, t := range tasks {
		if t.Provider == "" {
			continue
		}
		byProvider[t.Provider] = append(byProvider[t.Provider], t)
	}
	if c.breakers != nil {
		for _, svc := range c.breakers.Services() {
			if _, ok := byProvider[svc]; !ok {
				byProvider[svc] = nil
			}
		}
	}

	out := make([]ProviderMetrics, 0, len(byProvider))
	for provider, group := range byProvider {
		m := ProviderMetrics{
			ProviderName:         provider,
			TotalDispatches:      len(group),
			CircuitBreakerStatus: c.circuitStatus(provider),
		}
		var callbackTimes []int64
		for _, t := range group {
			switch t.Status {
			case scheduler.TaskCompleted:
				m.SuccessfulCompletions++
				if d, ok := durationMS(t); ok {
					callbackTimes = append(callbackTimes, d)
				}
			case scheduler.TaskFailed:
				m.FailedCompletions++
			}
		}
		m.SuccessRate = rate(m.SuccessfulCompletions, m.TotalDispatches)
		m.AvgCallbackTimeMS = mean(callbackTimes)
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ProviderName < out[j].ProviderName })
	return out, nil
}

func (c *Collector) circuitStatus(service string) string {
	if c.breakers == nil {
		return ProviderHealthy
	}
	stats, ok := c.breakers.StatsFor(service)
	if !ok {
		return ProviderHealthy
	}
	switch stats.State {
	case breaker.Open:
		return ProviderUnavailable
	case breaker.HalfOpen:
		return ProviderDegraded
	default:
		return ProviderHealthy
	}
}

// SystemHealth computes the current health snapshot.
func (c *Collector) SystemHealth(ctx context.Context) (SystemHealth, error) {
	now := c.now()
	h := SystemHealth{UptimeSeconds: int64(now.Sub(c.started) / time.Second)}

	requests, err := c.repo.ListRequests(ctx, persistence.RequestFilter{})
	if err != nil {
		return h, fmt.Errorf("listing requests: %w", err)
	}
	h.TotalRequests = len(requests)

	hourAgo := now.Add(-time.Hour)
	var (
		recent              int
		completed, terminal int
		requestTimes        []int64
	)
	for _, r := range requests {
		if !r.CreatedAt.Before(hourAgo) {
			recent++
		}
		switch r.Status() {
		case scheduler.RequestPending, scheduler.RequestInProgress:
			h.ActiveRequests++
		case scheduler.RequestCompleted:
			if end, ok := finishedAt(r); ok {
				requestTimes = append(requestTimes, end.Sub(r.CreatedAt).Milliseconds())
			}
		}
		for _, t := range r.Tasks {
			if t.Status.Terminal() {
				terminal++
			}
			if t.Status == scheduler.TaskCompleted {
				completed++
			}
		}
	}
	h.RequestsPerMinute = float64(recent) / 60
	h.OverallSuccessRate = rate(completed, terminal)
	h.AvgRequestTimeMS = mean(requestTimes)

	stuck, err := c.repo.ListTasks(ctx, persistence.TaskFilter{
		Statuses:      []scheduler.TaskStatus{scheduler.TaskRunning},
		StartedBefore: now.Add(-c.stuckThreshold),
	})
	if err != nil {
		return h, fmt.Errorf("listing stuck tasks: %w", err)
	}
	h.StuckTasks = len(stuck)

	backlog, err := c.repo.ListDLQEntries(ctx, persistence.DLQFilter{
		Statuses: []persistence.DLQStatus{persistence.DLQPending, persistence.DLQInvestigating},
	})
	if err != nil {
		return h, fmt.Errorf("listing dead letter entries: %w", err)
	}
	h.DLQBacklog = len(backlog)

	if c.breakers != nil {
		h.OpenBreakers = c.breakers.OpenCount()
	}

	if h.StuckTasks > 0 || h.OpenBreakers > 0 {
		c.logger.Debug("system degraded", "stuck_tasks", h.StuckTasks, "open_breakers", h.OpenBreakers)
	}
	return h, nil
}
