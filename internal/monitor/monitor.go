// Package monitor fails tasks that have been running longer than their
// agent role allows.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aristath/contentflow/internal/agent"
	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

// DefaultTimeout applies to roles without a configured threshold.
const DefaultTimeout = 30 * time.Minute

// ApproachingRatio is the share of the threshold after which a running
// task is reported as approaching its timeout.
const ApproachingRatio = 0.8

// ErrAlreadyStarted is returned by Start on a running monitor.
var ErrAlreadyStarted = errors.New("monitor already started")

// DefaultThresholds returns the built-in per-role timeouts.
func DefaultThresholds() map[string]time.Duration {
	return map[string]time.Duration{
		scheduler.RoleExecutive:   5 * time.Minute,
		scheduler.RoleTaskPlanner: 5 * time.Minute,
		scheduler.RoleStrategist:  30 * time.Minute,
		scheduler.RoleCopywriter:  30 * time.Minute,
		scheduler.RoleProducer:    2 * time.Hour,
		scheduler.RoleQA:          5 * time.Minute,
	}
}

// ThresholdsFromConfig overlays per-agent timeouts from cfg on the defaults.
func ThresholdsFromConfig(cfg *config.OrchestratorConfig) map[string]time.Duration {
	out := DefaultThresholds()
	for role, a := range cfg.Agents {
		if a.Timeout.Duration > 0 {
			out[role] = a.Timeout.Duration
		}
	}
	return out
}

// FailureHandler receives tasks failed by a sweep.
type FailureHandler interface {
	HandleFailure(ctx context.Context, taskID string, permanent bool) error
}

// Warning describes a running task close to its timeout.
type Warning struct {
	Task      *scheduler.Task
	Elapsed   time.Duration
	Threshold time.Duration
}

// Remaining returns the time left before the task times out.
func (w Warning) Remaining() time.Duration {
	return max(0, w.Threshold-w.Elapsed)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThresholds replaces the per-role thresholds.
func WithThresholds(t map[string]time.Duration) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// WithFailureHandler sets where timed-out tasks are handed after failing.
func WithFailureHandler(h FailureHandler) Option {
	return func(m *Monitor) { m.failures = h }
}

// WithPublisher sets the in-process event sink.
func WithPublisher(p events.Publisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithSchedule sets the cron spec used by Start.
func WithSchedule(spec string) Option {
	return func(m *Monitor) { m.schedule = spec }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor sweeps running tasks and fails those past their role's threshold.
type Monitor struct {
	repo       persistence.Repository
	thresholds map[string]time.Duration
	failures   FailureHandler
	publisher  events.Publisher
	logger     *slog.Logger
	schedule   string
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a monitor over the repository.
func New(repo persistence.Repository, opts ...Option) *Monitor {
	m := &Monitor{
		repo:       repo,
		thresholds: DefaultThresholds(),
		publisher:  events.Discard,
		schedule:   config.DefaultSweepSchedule,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger).With("component", "timeout_monitor")
	return m
}

// Threshold returns the timeout for role.
func (m *Monitor) Threshold(role string) time.Duration {
	if d, ok := m.thresholds[role]; ok && d > 0 {
		return d
	}
	return DefaultTimeout
}

func (m *Monitor) elapsed(task *scheduler.Task) (time.Duration, bool) {
	if task.Status != scheduler.TaskRunning || task.StartedAt == nil {
		return 0, false
	}
	return m.now().Sub(*task.StartedAt), true
}

// IsTimedOut reports whether a running task has exceeded its threshold.
func (m *Monitor) IsTimedOut(task *scheduler.Task) bool {
	elapsed, ok := m.elapsed(task)
	return ok && elapsed > m.Threshold(task.AgentRole)
}

// IsApproachingTimeout reports whether a running task has used more than
// ApproachingRatio of its threshold.
func (m *Monitor) IsApproachingTimeout(task *scheduler.Task) bool {
	elapsed, ok := m.elapsed(task)
	if !ok {
		return false
	}
	return float64(elapsed) > float64(m.Threshold(task.AgentRole))*ApproachingRatio
}

// Sweep fails every running task past its threshold and returns their IDs.
// A task finalized concurrently by the runner is skipped.
func (m *Monitor) Sweep(ctx context.Context) ([]string, error) {
	running, err := m.repo.ListTasks(ctx, persistence.TaskFilter{
		Statuses: []scheduler.TaskStatus{scheduler.TaskRunning},
	})
	if err != nil {
		return nil, fmt.Errorf("listing running tasks: %w", err)
	}

	var (
		timedOut []string
		errs     []error
	)
	for _, task := range running {
		if !m.IsTimedOut(task) {
			continue
		}
		ok, err := m.failTimedOut(ctx, task)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
			continue
		}
		if ok {
			timedOut = append(timedOut, task.ID)
		}
	}

	if len(timedOut) > 0 {
		m.logger.Info("marked tasks as timed out", "count", len(timedOut))
	}
	return timedOut, errors.Join(errs...)
}

func (m *Monitor) failTimedOut(ctx context.Context, task *scheduler.Task) (bool, error) {
	now := m.now()
	elapsed := now.Sub(*task.StartedAt)
	threshold := m.Threshold(task.AgentRole)
	minutes := int(elapsed / time.Minute)
	message := fmt.Sprintf("Task timed out after %d minutes", minutes)

	m.logger.Warn("task timed out",
		"task_id", task.ID,
		"task_name", task.Name,
		"agent_role", task.AgentRole,
		"started_at", task.StartedAt,
		"elapsed_ms", elapsed.Milliseconds(),
		"timeout_ms", threshold.Milliseconds())

	ok, err := m.repo.FailTask(ctx, task.ID, agent.CodeTaskTimeout, message, events.ActorTimeoutMonitor, now)
	if err != nil || !ok {
		return false, err
	}

	rec := events.NewRecord(task.RequestID, task.ID, events.RecordSystemError,
		fmt.Sprintf("Task timed out: %s", task.Name), events.ActorTimeoutMonitor,
		map[string]any{
			"task_id":         task.ID,
			"agent_role":      task.AgentRole,
			"started_at":      task.StartedAt.UTC(),
			"elapsed_ms":      elapsed.Milliseconds(),
			"timeout_ms":      threshold.Milliseconds(),
			"timeout_minutes": minutes,
		}, now)
	if err := m.repo.AppendEvent(ctx, rec); err != nil {
		return true, err
	}

	m.publisher.Publish(events.TopicTask, events.TaskTimeoutEvent{
		ID:        task.ID,
		RequestID: task.RequestID,
		AgentRole: task.AgentRole,
		StartedAt: *task.StartedAt,
		Elapsed:   elapsed,
		Threshold: threshold,
		Timestamp: now,
	})

	// A timed-out task is terminal, so the queue takes it at any retry count
	if m.failures != nil {
		if err := m.failures.HandleFailure(ctx, task.ID, true); err != nil {
			return true, fmt.Errorf("handling failure: %w", err)
		}
	}
	return true, nil
}

// ApproachingTimeouts lists running tasks past ApproachingRatio of their
// threshold that have not timed out yet, closest to timing out first.
func (m *Monitor) ApproachingTimeouts(ctx context.Context) ([]Warning, error) {
	running, err := m.repo.ListTasks(ctx, persistence.TaskFilter{
		Statuses: []scheduler.TaskStatus{scheduler.TaskRunning},
	})
	if err != nil {
		return nil, fmt.Errorf("listing running tasks: %w", err)
	}

	var out []Warning
	for _, task := range running {
		if !m.IsApproachingTimeout(task) || m.IsTimedOut(task) {
			continue
		}
		elapsed, _ := m.elapsed(task)
		out = append(out, Warning{Task: task, Elapsed: elapsed, Threshold: m.Threshold(task.AgentRole)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remaining() < out[j].Remaining() })
	return out, nil
}

// TimeoutConfig returns the thresholds in human-readable form, keyed by role.
func (m *Monitor) TimeoutConfig() map[string]string {
	out := make(map[string]string, len(m.thresholds)+1)
	for role, d := range m.thresholds {
		out[role] = humanDuration(d)
	}
	out["default"] = humanDuration(DefaultTimeout)
	return out
}

func humanDuration(d time.Duration) string {
	plural := func(n float64, unit string) string {
		if n == 1 {
			return fmt.Sprintf("%g %s", n, unit)
		}
		return fmt.Sprintf("%g %ss", n, unit)
	}
	if d >= time.Hour {
		return plural(d.Hours(), "hour")
	}
	return plural(d.Minutes(), "minute")
}

// Start schedules sweeps on the configured cron spec. Sweeps never
// overlap; a sweep still running when the next is due is skipped.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return ErrAlreadyStarted
	}

	logger := cronLogger{m.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	_, err := c.AddFunc(m.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.Sweep(ctx); err != nil {
			m.logger.Error("timeout sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", m.schedule, err)
	}

	c.Start()
	m.cron = c
	m.logger.Info("timeout monitor started", "schedule", m.schedule)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	m.logger.Info("timeout monitor stopped")
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
