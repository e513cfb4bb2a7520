package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/contentflow/internal/agent"
	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	events []events.Event
}

func (r *recorder) Publish(_ string, e events.Event) {
	r.events = append(r.events, e)
}

func setup(t *testing.T) (*persistence.SQLiteStore, *Queue, *recorder) {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	req := &scheduler.Request{
		ID:        "req-1",
		Type:      "image",
		Title:     "Launch post",
		Intent:    json.RawMessage(`{"goal":"launch"}`),
		Metadata:  map[string]string{"channel": "instagram"},
		CreatedAt: t0,
		Tasks: []*scheduler.Task{
			{ID: "t-copy", RequestID: "req-1", Name: "Write copy", AgentRole: scheduler.RoleCopywriter,
				Status: scheduler.TaskPending, Retryable: true, Input: json.RawMessage(`{"tone":"warm"}`), CreatedAt: t0},
			{ID: "t-qa", RequestID: "req-1", Name: "Review", AgentRole: scheduler.RoleQA, Sequence: 1,
				Status: scheduler.TaskPending, DependsOn: []string{"t-copy"}, CreatedAt: t0},
		},
	}
	require.NoError(t, store.CreateRequest(context.Background(), req))

	pub := &recorder{}
	n := 0
	q := New(store,
		WithPublisher(pub),
		WithClock(func() time.Time { return t0.Add(time.Hour) }),
		WithIDs(func() string { n++; return fmt.Sprintf("dlq-%d", n) }))
	return store, q, pub
}

// failAttempts runs the task and records n failed attempts, the last of
// which moves it to failed.
func failAttempts(t *testing.T, store *persistence.SQLiteStore, taskID string, n int) *scheduler.Task {
	t.Helper()
	ctx := context.Background()
	ok, err := store.MarkRunning(ctx, taskID, "svc", t0)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 1; i < n; i++ {
		ok, err := store.RecordAttemptFailure(ctx, taskID, agent.CodeAgentError, fmt.Sprintf("attempt %d", i), events.ActorScheduler, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err = store.FailTask(ctx, taskID, agent.CodeAgentError, fmt.Sprintf("attempt %d", n), events.ActorScheduler, t0.Add(time.Duration(n)*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	task, err := store.GetTask(ctx, taskID)
	require.NoError(t, err)
	return task
}

func TestShouldSend(t *testing.T) {
	q := New(nil, WithMaxRetries(3))

	tests := []struct {
		name   string
		status scheduler.TaskStatus
		count  int
		want   bool
	}{
		{"failed at limit", scheduler.TaskFailed, 3, true},
		{"failed past limit", scheduler.TaskFailed, 5, true},
		{"failed below limit", scheduler.TaskFailed, 2, false},
		{"running at limit", scheduler.TaskRunning, 3, false},
		{"completed", scheduler.TaskCompleted, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &scheduler.Task{Status: tt.status, RetryCount: tt.count}
			assert.Equal(t, tt.want, q.ShouldSend(task))
		})
	}
}

func TestSend_BuildsErrorContext(t *testing.T) {
	store, q, pub := setup(t)
	ctx := context.Background()
	task := failAttempts(t, store, "t-copy", 3)

	entry, err := q.Send(ctx, task)
	require.NoError(t, err)

	assert.Equal(t, "dlq-1", entry.ID)
	assert.Equal(t, "req-1", entry.RequestID)
	assert.Equal(t, "Write copy", entry.TaskName)
	assert.Equal(t, scheduler.RoleCopywriter, entry.AgentRole)
	assert.Equal(t, "attempt 3", entry.FailureReason)
	assert.Equal(t, 3, entry.RetryCount)
	assert.Equal(t, 3, entry.MaxRetries)
	assert.Equal(t, StatusPending, entry.ResolutionStatus)
	assert.True(t, entry.FirstFailedAt.Equal(t0.Add(time.Minute)))
	assert.True(t, entry.FinalFailedAt.Equal(t0.Add(3*time.Minute)))

	history := entry.ErrorContext.ErrorHistory
	require.Len(t, history, 3)
	for i, h := range history {
		assert.Equal(t, i+1, h.Attempt)
		assert.Equal(t, fmt.Sprintf("attempt %d", i+1), h.Error)
	}
	assert.Equal(t, "attempt 3", entry.ErrorContext.LastError)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(entry.ErrorContext.Task, &snap))
	assert.Equal(t, "t-copy", snap["id"])
	assert.Equal(t, "failed", snap["status"])
	assert.EqualValues(t, 3, snap["retry_count"])

	require.NoError(t, json.Unmarshal(entry.ErrorContext.Request, &snap))
	assert.Equal(t, "Launch post", snap["title"])
	assert.Equal(t, "image", snap["request_type"])

	// Persisted with the same context
	stored, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Len(t, stored.ErrorContext.ErrorHistory, 3)

	// Task error is rewritten once it lands in the queue
	after, err := store.GetTask(ctx, "t-copy")
	require.NoError(t, err)
	assert.Equal(t, agent.CodeDLQMaxRetries, after.ErrorCode)
	assert.Equal(t, "Sent to DLQ: attempt 3", after.ErrorMessage)

	recs, err := store.ListEvents(ctx, persistence.EventFilter{TaskID: "t-copy", Types: []string{events.RecordSystemError}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Task sent to Dead Letter Queue: Write copy", recs[0].Description)
	assert.Equal(t, events.ActorDLQ, recs[0].Actor)

	require.Len(t, pub.events, 1)
	sent, ok := pub.events[0].(events.DLQSentEvent)
	require.True(t, ok)
	assert.Equal(t, ReasonMaxRetries, sent.Reason)
	assert.Equal(t, "t-copy", sent.TaskID())
}

func TestSend_AtMostOneOpenEntry(t *testing.T) {
	store, q, pub := setup(t)
	ctx := context.Background()
	task := failAttempts(t, store, "t-copy", 3)

	first, err := q.Send(ctx, task)
	require.NoError(t, err)
	second, err := q.Send(ctx, task)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	entries, err := q.Entries(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Len(t, pub.events, 1)
}

func TestSend_RejectsUnfailedTask(t *testing.T) {
	store, q, _ := setup(t)
	task, err := store.GetTask(context.Background(), "t-copy")
	require.NoError(t, err)

	_, err = q.Send(context.Background(), task)
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestHandleFailure(t *testing.T) {
	t.Run("below limit stays out", func(t *testing.T) {
		store, q, _ := setup(t)
		failAttempts(t, store, "t-copy", 2)

		require.NoError(t, q.HandleFailure(context.Background(), "t-copy", false))
		entries, err := q.Entries(context.Background(), Filter{})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("limit reached is sent", func(t *testing.T) {
		store, q, _ := setup(t)
		failAttempts(t, store, "t-copy", 3)

		require.NoError(t, q.HandleFailure(context.Background(), "t-copy", false))
		entries, err := q.Entries(context.Background(), Filter{})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("permanent failure is sent early", func(t *testing.T) {
		store, q, pub := setup(t)
		failAttempts(t, store, "t-copy", 1)

		require.NoError(t, q.HandleFailure(context.Background(), "t-copy", true))
		entries, err := q.Entries(context.Background(), Filter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, 1, entries[0].RetryCount)

		require.Len(t, pub.events, 1)
		assert.Equal(t, ReasonPermanent, pub.events[0].(events.DLQSentEvent).Reason)

		// Original error code is kept for permanent failures
		task, err := store.GetTask(context.Background(), "t-copy")
		require.NoError(t, err)
		assert.Equal(t, agent.CodeAgentError, task.ErrorCode)
	})

	t.Run("timeout below limit is sent as timeout", func(t *testing.T) {
		store, q, pub := setup(t)
		ctx := context.Background()
		ok, err := store.MarkRunning(ctx, "t-copy", "svc", t0)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = store.FailTask(ctx, "t-copy", agent.CodeTaskTimeout, "Task timed out after 31 minutes", events.ActorTimeoutMonitor, t0.Add(31*time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, q.HandleFailure(ctx, "t-copy", true))
		require.Len(t, pub.events, 1)
		assert.Equal(t, ReasonTimeout, pub.events[0].(events.DLQSentEvent).Reason)

		task, err := store.GetTask(ctx, "t-copy")
		require.NoError(t, err)
		assert.Equal(t, agent.CodeTaskTimeout, task.ErrorCode)
	})

	t.Run("task no longer failed", func(t *testing.T) {
		_, q, _ := setup(t)
		require.NoError(t, q.HandleFailure(context.Background(), "t-copy", true))
		entries, err := q.Entries(context.Background(), Filter{})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, q, _ := setup(t)
		err := q.HandleFailure(context.Background(), "missing", false)
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})
}

func TestRetry(t *testing.T) {
	store, q, _ := setup(t)
	ctx := context.Background()
	task := failAttempts(t, store, "t-copy", 3)
	entry, err := q.Send(ctx, task)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, "t-copy", "prompt fixed", "ops@example.com"))

	got, err := store.GetTask(ctx, "t-copy")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.ErrorCode)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.Output)

	resolved, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.ResolutionStatus)
	assert.Equal(t, "prompt fixed", resolved.ResolutionNotes)
	assert.Equal(t, "ops@example.com", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	recs, err := store.ListEvents(ctx, persistence.EventFilter{TaskID: "t-copy", Types: []string{events.RecordRetryInitiated}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Task retried from DLQ: Write copy", recs[0].Description)
	assert.JSONEq(t, `{"task_id":"t-copy","intervention_notes":"prompt fixed"}`, string(recs[0].Metadata))

	// A second failure cycle gets a fresh entry
	task = failAttempts(t, store, "t-copy", 3)
	again, err := q.Send(ctx, task)
	require.NoError(t, err)
	assert.NotEqual(t, entry.ID, again.ID)
}

func TestRetry_RequiresOpenEntry(t *testing.T) {
	store, q, _ := setup(t)
	ctx := context.Background()

	err := q.Retry(ctx, "t-copy", "", "")
	assert.ErrorIs(t, err, ErrNotInQueue)

	// Failed once, still inside its retry budget
	failAttempts(t, store, "t-copy", 1)
	err = q.Retry(ctx, "t-copy", "", "")
	assert.ErrorIs(t, err, ErrNotInQueue)

	got, err := store.GetTask(ctx, "t-copy")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount, "budget must not be reset outside the queue")

	recs, err := store.ListEvents(ctx, persistence.EventFilter{TaskID: "t-copy", Types: []string{events.RecordRetryInitiated}})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRetry_DefaultActor(t *testing.T) {
	store, q, _ := setup(t)
	ctx := context.Background()

	failAttempts(t, store, "t-copy", 1)
	require.NoError(t, q.HandleFailure(ctx, "t-copy", true))
	require.NoError(t, q.Retry(ctx, "t-copy", "", ""))

	recs, err := store.ListEvents(ctx, persistence.EventFilter{TaskID: "t-copy", Types: []string{events.RecordRetryInitiated}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, events.ActorDLQRetry, recs[0].Actor)
}

func TestRetryRequest(t *testing.T) {
	store, q, _ := setup(t)
	ctx := context.Background()

	failAttempts(t, store, "t-copy", 3)
	require.NoError(t, q.HandleFailure(ctx, "t-copy", false))
	ok, err := store.CancelTask(ctx, "t-qa", agent.CodeCancelled, "withdrawn", t0)
	require.NoError(t, err)
	require.True(t, ok)

	requeued, err := q.RetryRequest(ctx, "req-1", "provider back", "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"t-copy"}, requeued)

	copyTask, err := store.GetTask(ctx, "t-copy")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskPending, copyTask.Status)

	qa, err := store.GetTask(ctx, "t-qa")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskFailed, qa.Status, "cancelled task is not in the queue")

	requeued, err = q.RetryRequest(ctx, "req-1", "", "")
	require.NoError(t, err)
	assert.Empty(t, requeued)

	_, err = q.RetryRequest(ctx, "missing", "", "")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestResolveAndStats(t *testing.T) {
	store, q, _ := setup(t)
	ctx := context.Background()

	copyEntry, err := q.Send(ctx, failAttempts(t, store, "t-copy", 3))
	require.NoError(t, err)

	// Walk the review task through to failure as well
	ok, err := store.MarkRunning(ctx, "t-qa", "svc", t0)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = store.FailTask(ctx, "t-qa", agent.CodeNoAgent, "no agent", events.ActorScheduler, t0)
	require.NoError(t, err)
	require.NoError(t, q.HandleFailure(ctx, "t-qa", true))

	require.NoError(t, q.Resolve(ctx, copyEntry.ID, StatusInvestigating, "looking", "ops"))
	got, err := q.Get(ctx, copyEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInvestigating, got.ResolutionStatus)
	assert.Nil(t, got.ResolvedAt)

	assert.ErrorIs(t, q.Resolve(ctx, copyEntry.ID, "closed", "", "ops"), ErrInvalidStatus)
	assert.ErrorIs(t, q.Resolve(ctx, "missing", StatusWontFix, "", "ops"), persistence.ErrNotFound)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[StatusPending])
	assert.Equal(t, 1, stats.ByStatus[StatusInvestigating])
	assert.Equal(t, 0, stats.ByStatus[StatusResolved])
	assert.Equal(t, 1, stats.ByAgentRole[scheduler.RoleCopywriter])
	assert.Equal(t, 1, stats.ByAgentRole[scheduler.RoleQA])

	byRole, err := q.Entries(ctx, Filter{AgentRole: scheduler.RoleQA})
	require.NoError(t, err)
	require.Len(t, byRole, 1)
	assert.Equal(t, "t-qa", byRole[0].TaskID)

	byStatus, err := q.Entries(ctx, Filter{Status: StatusInvestigating})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, copyEntry.ID, byStatus[0].ID)
}
