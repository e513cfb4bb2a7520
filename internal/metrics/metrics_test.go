package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/contentflow/internal/agent"
	"github.com/aristath/contentflow/internal/breaker"
	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func task(id, requestID, name, role string, seq int, deps ...string) *scheduler.Task {
	return &scheduler.Task{
		ID: id, RequestID: requestID, Name: name, AgentRole: role, Sequence: seq,
		Status: scheduler.TaskPending, Retryable: true, DependsOn: deps, CreatedAt: t0,
	}
}

// seed stores three requests:
//
//	req-a (image)        completed: Brief 60s, Render 180s
//	req-b (image)        failed:    Brief failed after 30s, Render pending
//	req-c (video_no_vo)  in progress: Brief running since t0+20m
func seed(t *testing.T) *persistence.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reqs := []*scheduler.Request{
		{ID: "req-a", Type: "image", Title: "A", CreatedAt: t0, Tasks: []*scheduler.Task{
			task("a1", "req-a", "Brief", scheduler.RoleStrategist, 0),
			task("a2", "req-a", "Render", scheduler.RoleProducer, 1, "a1"),
		}},
		{ID: "req-b", Type: "image", Title: "B", CreatedAt: t0.Add(10 * time.Minute), Tasks: []*scheduler.Task{
			task("b1", "req-b", "Brief", scheduler.RoleStrategist, 0),
			task("b2", "req-b", "Render", scheduler.RoleProducer, 1, "b1"),
		}},
		{ID: "req-c", Type: "video_no_vo", Title: "C", CreatedAt: t0.Add(20 * time.Minute), Tasks: []*scheduler.Task{
			task("c1", "req-c", "Brief", scheduler.RoleStrategist, 0),
		}},
	}
	for _, r := range reqs {
		for _, tk := range r.Tasks {
			tk.CreatedAt = r.CreatedAt
		}
		require.NoError(t, store.CreateRequest(ctx, r))
	}

	run := func(id, provider string, at time.Time) {
		ok, err := store.MarkRunning(ctx, id, provider, at)
		require.NoError(t, err)
		require.True(t, ok)
	}
	complete := func(id string, c persistence.Completion, at time.Time) {
		c.Output = json.RawMessage(`{"ok":true}`)
		ok, err := store.CompleteTask(ctx, id, c, at)
		require.NoError(t, err)
		require.True(t, ok)
	}

	run("a1", "openai", t0.Add(time.Minute))
	complete("a1", persistence.Completion{TokensUsed: 100, Cost: 0.5}, t0.Add(2*time.Minute))
	run("a2", "n8n", t0.Add(2*time.Minute))
	complete("a2", persistence.Completion{Cost: 1.5}, t0.Add(5*time.Minute))

	run("b1", "openai", t0.Add(11*time.Minute))
	ok, err := store.FailTask(ctx, "b1", agent.CodeAgentError, "boom", events.ActorScheduler, t0.Add(11*time.Minute+30*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	run("c1", "openai", t0.Add(20*time.Minute))
	return store
}

func openBreakers(t *testing.T) *breaker.Registry {
	t.Helper()
	r := breaker.NewRegistry(breaker.WithDefaults(breaker.Config{FailureThreshold: 1, Timeout: time.Hour}))
	_, err := r.Execute(context.Background(), "openai", func(context.Context) (any, error) { return nil, errors.New("down") })
	require.Error(t, err)
	r.Get("elevenlabs")
	return r
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestPercentile(t *testing.T) {
	values := make([]int64, 100)
	for i := range values {
		values[i] = int64(i + 1)
	}

	assert.Equal(t, int64(51), percentile(values, 0.50))
	assert.Equal(t, int64(96), percentile(values, 0.95))
	assert.Equal(t, int64(100), percentile(values, 0.99))
	assert.Equal(t, int64(7), percentile([]int64{7}, 0.99))
	assert.Equal(t, int64(0), percentile(nil, 0.5))
}

func TestTaskMetrics(t *testing.T) {
	c := NewCollector(seed(t), nil, WithClock(fixedClock(t0.Add(50*time.Minute))))

	got, err := c.TaskMetrics(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	brief := got[0]
	assert.Equal(t, "Brief", brief.TaskName)
	assert.Equal(t, scheduler.RoleStrategist, brief.AgentRole)
	assert.Equal(t, 3, brief.TotalExecutions)
	assert.Equal(t, 1, brief.SuccessfulExecutions)
	assert.Equal(t, 1, brief.FailedExecutions)
	assert.InDelta(t, 33.33, brief.SuccessRate, 0.01)
	assert.Equal(t, 45000.0, brief.AvgDurationMS)
	assert.Equal(t, int64(30000), brief.MinDurationMS)
	assert.Equal(t, int64(60000), brief.MaxDurationMS)
	assert.Equal(t, int64(60000), brief.P50DurationMS)
	assert.Equal(t, int64(60000), brief.P99DurationMS)

	render := got[1]
	assert.Equal(t, "Render", render.TaskName)
	assert.Equal(t, 2, render.TotalExecutions)
	assert.Equal(t, 50.0, render.SuccessRate)
	assert.Equal(t, int64(180000), render.P95DurationMS)

	// Window excludes the first two requests
	windowed, err := c.TaskMetrics(context.Background(), t0.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, 1, windowed[0].TotalExecutions)
	assert.Equal(t, 0.0, windowed[0].AvgDurationMS)
}

func TestRequestMetrics(t *testing.T) {
	c := NewCollector(seed(t), nil)

	got, err := c.RequestMetrics(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	image := got[0]
	assert.Equal(t, "image", image.RequestType)
	assert.Equal(t, 2, image.TotalRequests)
	assert.Equal(t, 1, image.CompletedRequests)
	assert.Equal(t, 1, image.FailedRequests)
	assert.Equal(t, 0, image.CancelledRequests)
	assert.Equal(t, 50.0, image.CompletionRate)
	assert.Equal(t, float64(5*time.Minute/time.Millisecond), image.AvgCompletionTimeMS)
	assert.Equal(t, 2.0, image.AvgCost)

	video := got[1]
	assert.Equal(t, "video_no_vo", video.RequestType)
	assert.Equal(t, 1, video.InProgressRequests)
	assert.Equal(t, 0.0, video.CompletionRate)
}

func TestRequestMetrics_CountsCancelled(t *testing.T) {
	store := seed(t)
	ok, err := store.CancelTask(context.Background(), "c1", agent.CodeCancelled, "operator", t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := NewCollector(store, nil).RequestMetrics(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[1].FailedRequests)
	assert.Equal(t, 1, got[1].CancelledRequests)
}

func TestAgentMetrics(t *testing.T) {
	c := NewCollector(seed(t), nil)

	got, err := c.AgentMetrics(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	strategist := got[0]
	assert.Equal(t, scheduler.RoleStrategist, strategist.AgentRole)
	assert.Equal(t, 3, strategist.TotalTasks)
	assert.Equal(t, 1, strategist.SuccessfulTasks)
	assert.Equal(t, 1, strategist.FailedTasks)
	assert.Equal(t, 45000.0, strategist.AvgExecutionTimeMS)
	assert.Equal(t, int64(100), strategist.TotalTokensUsed)
	assert.Equal(t, 100.0, strategist.AvgTokensPerTask)
	assert.Equal(t, 0.5, strategist.TotalCost)

	producer := got[1]
	assert.Equal(t, scheduler.RoleProducer, producer.AgentRole)
	assert.Equal(t, 180000.0, producer.AvgExecutionTimeMS)
	assert.Equal(t, 0.0, producer.AvgTokensPerTask)
	assert.Equal(t, 1.5, producer.TotalCost)
}

func TestProviderMetrics(t *testing.T) {
	c := NewCollector(seed(t), openBreakers(t))

	got, err := c.ProviderMetrics(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 3)

	byName := make(map[string]ProviderMetrics)
	names := make([]string, 0, len(got))
	for _, m := range got {
		byName[m.ProviderName] = m
		names = append(names, m.ProviderName)
	}
	assert.True(t, sort.StringsAreSorted(names))

	openai := byName["openai"]
	assert.Equal(t, 3, openai.TotalDispatches)
	assert.Equal(t, 1, openai.SuccessfulCompletions)
	assert.Equal(t, 1, openai.FailedCompletions)
	assert.Equal(t, 60000.0, openai.AvgCallbackTimeMS)
	assert.Equal(t, ProviderUnavailable, openai.CircuitBreakerStatus)

	n8n := byName["n8n"]
	assert.Equal(t, 1, n8n.TotalDispatches)
	assert.Equal(t, 100.0, n8n.SuccessRate)
	assert.Equal(t, ProviderHealthy, n8n.CircuitBreakerStatus)

	idle := byName["elevenlabs"]
	assert.Equal(t, 0, idle.TotalDispatches)
	assert.Equal(t, ProviderHealthy, idle.CircuitBreakerStatus)
}

func TestSystemHealth(t *testing.T) {
	store := seed(t)
	ctx := context.Background()

	created, err := store.CreateDLQEntry(ctx, &persistence.DLQEntry{
		ID: "dlq-1", RequestID: "req-b", TaskID: "b1", TaskName: "Brief", AgentRole: scheduler.RoleStrategist,
		FailureReason: "boom", RetryCount: 3, MaxRetries: 3, FirstFailedAt: t0, FinalFailedAt: t0,
		ResolutionStatus: persistence.DLQPending, CreatedAt: t0,
	})
	require.NoError(t, err)
	require.True(t, created)

	now := t0.Add(50 * time.Minute)
	c := NewCollector(store, openBreakers(t),
		WithClock(func() time.Time { return now }),
		WithStuckThreshold(20*time.Minute))
	now = now.Add(90 * time.Second)

	h, err := c.SystemHealth(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(90), h.UptimeSeconds)
	assert.Equal(t, 3, h.TotalRequests)
	assert.InDelta(t, 0.05, h.RequestsPerMinute, 1e-9)
	assert.Equal(t, 1, h.ActiveRequests)
	assert.Equal(t, 1, h.StuckTasks)
	assert.Equal(t, 1, h.DLQBacklog)
	assert.Equal(t, 1, h.OpenBreakers)
	assert.InDelta(t, 66.67, h.OverallSuccessRate, 0.01)
	assert.Equal(t, 300000.0, h.AvgRequestTimeMS)

	// Default threshold of two hours does not flag the running task yet
	h, err = NewCollector(store, nil, WithClock(fixedClock(t0.Add(50*time.Minute)))).SystemHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, h.StuckTasks)
	assert.Equal(t, 0, h.OpenBreakers)
}

// gather scrapes the registry into a map keyed by metric name plus sorted
// label pairs, e.g. `contentflow_circuit_breaker_state{service=openai,state=OPEN}`.
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			key := mf.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			}
		}
	}
	return out
}

func TestExporter(t *testing.T) {
	store := seed(t)
	c := NewCollector(store, openBreakers(t),
		WithClock(fixedClock(t0.Add(50*time.Minute))),
		WithStuckThreshold(20*time.Minute))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewExporter(c)))

	got := gather(t, reg)
	assert.Equal(t, 3.0, got["contentflow_requests"])
	assert.Equal(t, 1.0, got["contentflow_active_requests"])
	assert.Equal(t, 1.0, got["contentflow_stuck_tasks"])
	assert.Equal(t, 0.0, got["contentflow_dlq_backlog"])
	assert.Equal(t, 1.0, got["contentflow_open_circuit_breakers"])

	assert.Equal(t, 1.0, got["contentflow_circuit_breaker_state{service=openai,state=OPEN}"])
	assert.Equal(t, 0.0, got["contentflow_circuit_breaker_state{service=openai,state=CLOSED}"])
	assert.Equal(t, 1.0, got["contentflow_circuit_breaker_state{service=elevenlabs,state=CLOSED}"])
	assert.Equal(t, 1.0, got["contentflow_circuit_breaker_calls_total{outcome=failure,service=openai}"])
}

func TestExporter_ReportsScrapeFailure(t *testing.T) {
	store := seed(t)
	c := NewCollector(store, nil)
	require.NoError(t, store.Close())

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewExporter(c)))

	_, err := reg.Gather()
	assert.Error(t, err)
}
