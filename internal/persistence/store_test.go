package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testRequest returns a two-step request: "brief" followed by "script".
func testRequest(id string) *scheduler.Request {
	return &scheduler.Request{
		ID:        id,
		Type:      "image",
		Title:     "Spring campaign",
		Intent:    json.RawMessage(`{"goal":"awareness"}`),
		Metadata:  map[string]string{"source": "test"},
		CreatedAt: t0,
		Tasks: []*scheduler.Task{
			{
				ID: id + "-brief", RequestID: id, Name: "Brief", AgentRole: scheduler.RoleStrategist,
				Sequence: 0, Status: scheduler.TaskPending, Retryable: true,
				Input: json.RawMessage(`{"step":"brief"}`), CreatedAt: t0,
			},
			{
				ID: id + "-script", RequestID: id, Name: "Script", AgentRole: scheduler.RoleCopywriter,
				Sequence: 1, Status: scheduler.TaskPending, Retryable: false,
				DependsOn: []string{id + "-brief"}, CreatedAt: t0,
			},
		},
	}
}

func mustCreate(t *testing.T, store *SQLiteStore, req *scheduler.Request) {
	t.Helper()
	if err := store.CreateRequest(context.Background(), req); err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
}

func mustTask(t *testing.T, store *SQLiteStore, id string) *scheduler.Task {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get task %s: %v", id, err)
	}
	return task
}

func TestCreateAndGetRequest(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, testRequest("r1"))

	got, err := store.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("failed to get request: %v", err)
	}

	if got.Type != "image" || got.Title != "Spring campaign" {
		t.Errorf("unexpected request fields: %+v", got)
	}
	if string(got.Intent) != `{"goal":"awareness"}` {
		t.Errorf("Intent mismatch: got %s", got.Intent)
	}
	if got.Metadata["source"] != "test" {
		t.Errorf("Metadata mismatch: got %v", got.Metadata)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt mismatch: got %v, want %v", got.CreatedAt, t0)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got.Tasks))
	}

	brief, script := got.Tasks[0], got.Tasks[1]
	if brief.ID != "r1-brief" || script.ID != "r1-script" {
		t.Errorf("tasks not ordered by sequence: %s, %s", brief.ID, script.ID)
	}
	if !brief.Retryable || script.Retryable {
		t.Errorf("Retryable not preserved: brief=%v script=%v", brief.Retryable, script.Retryable)
	}
	if len(script.DependsOn) != 1 || script.DependsOn[0] != "r1-brief" {
		t.Errorf("DependsOn mismatch: got %v", script.DependsOn)
	}
	if len(brief.DependsOn) != 0 {
		t.Errorf("expected no dependencies for brief, got %v", brief.DependsOn)
	}
	if got.Status() != scheduler.RequestPending {
		t.Errorf("expected pending request, got %s", got.Status())
	}

	created, err := store.ListEvents(ctx, EventFilter{RequestID: "r1", Types: []string{events.RecordTaskCreated}})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(created) != 2 {
		t.Errorf("expected 2 task_created events, got %d", len(created))
	}
}

func TestCreateRequestUnknownDependencyRollsBack(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	req := testRequest("r1")
	req.Tasks[1].DependsOn = []string{"missing"}

	if err := store.CreateRequest(ctx, req); err == nil {
		t.Fatal("expected foreign key error, got nil")
	}

	if _, err := store.GetRequest(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected request to be rolled back, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.GetRequest(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRequest: expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetTask(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask: expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetDLQEntry(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDLQEntry: expected ErrNotFound, got %v", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mustCreate(t, store, testRequest("r1"))

	ok, err := store.MarkRunning(ctx, "r1-brief", "openai", t0.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("MarkRunning: ok=%v err=%v", ok, err)
	}

	// Second dispatch of the same task is rejected
	ok, err = store.MarkRunning(ctx, "r1-brief", "openai", t0.Add(2*time.Second))
	if err != nil || ok {
		t.Fatalf("second MarkRunning: ok=%v err=%v", ok, err)
	}

	running := mustTask(t, store, "r1-brief")
	if running.Status != scheduler.TaskRunning || running.Provider != "openai" {
		t.Errorf("unexpected running task: %+v", running)
	}
	if running.StartedAt == nil || !running.StartedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("StartedAt mismatch: %v", running.StartedAt)
	}

	ok, err = store.CompleteTask(ctx, "r1-brief", Completion{
		Output:     json.RawMessage(`{"brief":"ok"}`),
		TokensUsed: 1200,
		Cost:       0.42,
	}, t0.Add(31*time.Second))
	if err != nil || !ok {
		t.Fatalf("CompleteTask: ok=%v err=%v", ok, err)
	}

	done := mustTask(t, store, "r1-brief")
	if done.Status != scheduler.TaskCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	if string(done.Output) != `{"brief":"ok"}` || done.TokensUsed != 1200 || done.Cost != 0.42 {
		t.Errorf("completion fields not stored: %+v", done)
	}
	if d, ok := done.Duration(); !ok || d != 30*time.Second {
		t.Errorf("Duration: got %v (ok=%v), want 30s", d, ok)
	}

	// A late failure for a completed task is a no-op
	ok, err = store.FailTask(ctx, "r1-brief", "AGENT_ERROR", "late", events.ActorScheduler, t0.Add(time.Minute))
	if err != nil || ok {
		t.Fatalf("late FailTask: ok=%v err=%v", ok, err)
	}
	if mustTask(t, store, "r1-brief").Status != scheduler.TaskCompleted {
		t.Error("completed task was overwritten by a late failure")
	}

	recs, err := store.ListEvents(ctx, EventFilter{TaskID: "r1-brief"})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	var types []string
	for _, r := range recs {
		types = append(types, r.Type)
	}
	want := []string{events.RecordTaskCreated, events.RecordTaskStarted, events.RecordTaskCompleted}
	if len(types) != len(want) {
		t.Fatalf("event types: got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, types[i], want[i])
		}
	}
}

func TestFailureAccounting(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mustCreate(t, store, testRequest("r1"))

	if ok, _ := store.RecordAttemptFailure(ctx, "r1-brief", "AGENT_ERROR", "not running", events.ActorScheduler, t0); ok {
		t.Fatal("RecordAttemptFailure applied to a pending task")
	}

	store.MarkRunning(ctx, "r1-brief", "openai", t0)

	for i := 0; i < 2; i++ {
		ok, err := store.RecordAttemptFailure(ctx, "r1-brief", "AGENT_ERROR", "boom", events.ActorScheduler, t0.Add(time.Duration(i)*time.Second))
		if err != nil || !ok {
			t.Fatalf("RecordAttemptFailure %d: ok=%v err=%v", i, ok, err)
		}
	}

	mid := mustTask(t, store, "r1-brief")
	if mid.Status != scheduler.TaskRunning || mid.RetryCount != 2 {
		t.Errorf("after attempts: status=%s retry_count=%d", mid.Status, mid.RetryCount)
	}
	if mid.ErrorCode != "" {
		t.Errorf("running task carries an error code: %s", mid.ErrorCode)
	}

	ok, err := store.FailTask(ctx, "r1-brief", "TASK_TIMEOUT", "Task timed out after 30 minutes", events.ActorTimeoutMonitor, t0.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("FailTask: ok=%v err=%v", ok, err)
	}

	failed := mustTask(t, store, "r1-brief")
	if failed.Status != scheduler.TaskFailed || failed.RetryCount != 3 {
		t.Errorf("after FailTask: status=%s retry_count=%d", failed.Status, failed.RetryCount)
	}
	if failed.ErrorCode != "TASK_TIMEOUT" || failed.CompletedAt == nil {
		t.Errorf("failure fields not stored: %+v", failed)
	}

	// Idempotent: the loser of a finalize race changes nothing
	if ok, _ := store.FailTask(ctx, "r1-brief", "AGENT_ERROR", "again", events.ActorScheduler, t0.Add(2*time.Hour)); ok {
		t.Error("second FailTask applied")
	}

	recs, _ := store.ListEvents(ctx, EventFilter{TaskID: "r1-brief", Types: []string{events.RecordTaskFailed}})
	if len(recs) != 3 {
		t.Fatalf("expected 3 task_failed events, got %d", len(recs))
	}
	var meta struct {
		Attempt   int    `json:"attempt"`
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(recs[2].Metadata, &meta); err != nil {
		t.Fatalf("decoding metadata: %v", err)
	}
	if meta.Attempt != 3 || meta.ErrorCode != "TASK_TIMEOUT" {
		t.Errorf("last failure metadata: %+v", meta)
	}
	if recs[2].Actor != events.ActorTimeoutMonitor {
		t.Errorf("actor: got %s", recs[2].Actor)
	}
}

func TestCancelAndRequeue(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mustCreate(t, store, testRequest("r1"))

	store.MarkRunning(ctx, "r1-brief", "openai", t0)
	store.RecordAttemptFailure(ctx, "r1-brief", "AGENT_ERROR", "boom", events.ActorScheduler, t0)

	for _, id := range []string{"r1-brief", "r1-script"} {
		ok, err := store.CancelTask(ctx, id, "CANCELLED", "operator", t0.Add(time.Minute))
		if err != nil || !ok {
			t.Fatalf("CancelTask %s: ok=%v err=%v", id, ok, err)
		}
	}

	brief := mustTask(t, store, "r1-brief")
	if brief.Status != scheduler.TaskFailed || brief.ErrorCode != "CANCELLED" || brief.RetryCount != 1 {
		t.Errorf("cancelled task: %+v", brief)
	}

	ok, err := store.RequeueTask(ctx, "r1-brief", false, t0.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("RequeueTask: ok=%v err=%v", ok, err)
	}
	kept := mustTask(t, store, "r1-brief")
	if kept.Status != scheduler.TaskPending || kept.RetryCount != 1 || kept.ErrorCode != "" || kept.StartedAt != nil {
		t.Errorf("requeue keeping retries: %+v", kept)
	}

	ok, err = store.RequeueTask(ctx, "r1-script", true, t0.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("RequeueTask reset: ok=%v err=%v", ok, err)
	}
	if got := mustTask(t, store, "r1-script"); got.RetryCount != 0 || got.Status != scheduler.TaskPending {
		t.Errorf("requeue with reset: %+v", got)
	}

	// Only failed tasks can be requeued
	if ok, _ := store.RequeueTask(ctx, "r1-script", true, t0); ok {
		t.Error("RequeueTask applied to a pending task")
	}
}

func TestListTasksFilters(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mustCreate(t, store, testRequest("r1"))
	mustCreate(t, store, testRequest("r2"))

	store.MarkRunning(ctx, "r1-brief", "openai", t0)
	store.MarkRunning(ctx, "r2-brief", "openai", t0.Add(time.Hour))

	tests := []struct {
		name   string
		filter TaskFilter
		want   []string
	}{
		{"all", TaskFilter{}, []string{"r1-brief", "r1-script", "r2-brief", "r2-script"}},
		{"by request", TaskFilter{RequestID: "r2"}, []string{"r2-brief", "r2-script"}},
		{"running", TaskFilter{Statuses: []scheduler.TaskStatus{scheduler.TaskRunning}}, []string{"r1-brief", "r2-brief"}},
		{"by role", TaskFilter{AgentRole: scheduler.RoleCopywriter}, []string{"r1-script", "r2-script"}},
		{"started before", TaskFilter{StartedBefore: t0.Add(30 * time.Minute)}, []string{"r1-brief"}},
		{"created since", TaskFilter{CreatedSince: t0.Add(time.Second)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := store.ListTasks(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			var got []string
			for _, task := range tasks {
				got = append(got, task.ID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("index %d: got %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestListRequests(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	older := testRequest("r1")
	newer := testRequest("r2")
	newer.Type = "video_no_vo"
	newer.CreatedAt = t0.Add(time.Hour)
	mustCreate(t, store, older)
	mustCreate(t, store, newer)

	all, err := store.ListRequests(ctx, RequestFilter{})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(all) != 2 || all[0].ID != "r2" || len(all[0].Tasks) != 2 {
		t.Errorf("expected newest first with tasks loaded, got %d requests", len(all))
	}

	typed, _ := store.ListRequests(ctx, RequestFilter{Type: "image"})
	if len(typed) != 1 || typed[0].ID != "r1" {
		t.Errorf("type filter: got %d requests", len(typed))
	}

	limited, _ := store.ListRequests(ctx, RequestFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit: got %d requests", len(limited))
	}
}

func TestListEventsLimitKeepsNewest(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := events.NewRecord("r1", "", events.RecordSystemError, "tick", events.ActorScheduler,
			map[string]any{"i": i}, t0.Add(time.Duration(i)*time.Second))
		if err := store.AppendEvent(ctx, rec); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if rec.ID == 0 {
			t.Error("AppendEvent did not assign an ID")
		}
	}

	recs, err := store.ListEvents(ctx, EventFilter{RequestID: "r1", Limit: 2})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if !recs[0].Timestamp.Equal(t0.Add(3*time.Second)) || !recs[1].Timestamp.Equal(t0.Add(4*time.Second)) {
		t.Errorf("expected the two newest records oldest first, got %v and %v", recs[0].Timestamp, recs[1].Timestamp)
	}

	since, _ := store.ListEvents(ctx, EventFilter{Since: t0.Add(4 * time.Second)})
	if len(since) != 1 {
		t.Errorf("since filter: got %d records", len(since))
	}
}

func testEntry(id, taskID string) *DLQEntry {
	return &DLQEntry{
		ID:            id,
		RequestID:     "r1",
		TaskID:        taskID,
		TaskName:      "Brief",
		AgentRole:     scheduler.RoleStrategist,
		FailureReason: "boom",
		RetryCount:    3,
		MaxRetries:    3,
		FirstFailedAt: t0,
		FinalFailedAt: t0.Add(time.Minute),
		ErrorContext: ErrorContext{
			LastError:    "boom",
			ErrorHistory: []AttemptError{{Attempt: 1, Error: "boom", Timestamp: t0}},
		},
		ResolutionStatus: DLQPending,
		CreatedAt:        t0.Add(time.Minute),
	}
}

func TestDLQEntries(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	ok, err := store.CreateDLQEntry(ctx, testEntry("e1", "r1-brief"))
	if err != nil || !ok {
		t.Fatalf("CreateDLQEntry: ok=%v err=%v", ok, err)
	}

	// One open entry per task
	ok, err = store.CreateDLQEntry(ctx, testEntry("e2", "r1-brief"))
	if err != nil || ok {
		t.Fatalf("duplicate CreateDLQEntry: ok=%v err=%v", ok, err)
	}

	got, err := store.GetDLQEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("GetDLQEntry: %v", err)
	}
	if got.ErrorContext.LastError != "boom" || len(got.ErrorContext.ErrorHistory) != 1 {
		t.Errorf("error context not stored: %+v", got.ErrorContext)
	}
	if !got.FinalFailedAt.Equal(t0.Add(time.Minute)) || got.ResolvedAt != nil {
		t.Errorf("timestamps not stored: %+v", got)
	}

	if err := store.UpdateDLQStatus(ctx, "e1", DLQInvestigating, "looking", "ops@example.com", t0.Add(time.Hour)); err != nil {
		t.Fatalf("UpdateDLQStatus: %v", err)
	}
	got, _ = store.GetDLQEntry(ctx, "e1")
	if got.ResolutionStatus != DLQInvestigating || got.ResolvedAt != nil {
		t.Errorf("investigating entry: %+v", got)
	}

	if err := store.UpdateDLQStatus(ctx, "missing", DLQResolved, "", "ops", t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	n, err := store.ResolveOpenDLQEntries(ctx, "r1-brief", "retried", events.ActorDLQRetry, t0.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("ResolveOpenDLQEntries: n=%d err=%v", n, err)
	}
	got, _ = store.GetDLQEntry(ctx, "e1")
	if got.ResolutionStatus != DLQResolved || got.ResolvedBy != events.ActorDLQRetry || got.ResolvedAt == nil {
		t.Errorf("resolved entry: %+v", got)
	}

	// With the first entry closed a new one may be opened
	ok, err = store.CreateDLQEntry(ctx, testEntry("e3", "r1-brief"))
	if err != nil || !ok {
		t.Fatalf("CreateDLQEntry after resolve: ok=%v err=%v", ok, err)
	}

	open, _ := store.ListDLQEntries(ctx, DLQFilter{Statuses: []DLQStatus{DLQPending, DLQInvestigating}})
	if len(open) != 1 || open[0].ID != "e3" {
		t.Errorf("open entries: got %d", len(open))
	}
	byRole, _ := store.ListDLQEntries(ctx, DLQFilter{AgentRole: scheduler.RoleStrategist})
	if len(byRole) != 2 {
		t.Errorf("role filter: got %d", len(byRole))
	}

	resolved, _ := store.ListEvents(ctx, EventFilter{Types: []string{events.RecordDLQResolved}})
	if len(resolved) != 1 {
		t.Errorf("expected 1 dlq_resolved event, got %d", len(resolved))
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "contentflow.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	mustCreate(t, store, testRequest("r1"))
	store.MarkRunning(ctx, "r1-brief", "n8n", t0)
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	task, err := reopened.GetTask(ctx, "r1-brief")
	if err != nil {
		t.Fatalf("GetTask after reopen: %v", err)
	}
	if task.Status != scheduler.TaskRunning || task.Provider != "n8n" {
		t.Errorf("state lost across reopen: %+v", task)
	}
}

func TestSetTaskError(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mustCreate(t, store, testRequest("r1"))

	// Only failed tasks can be rewritten
	ok, err := store.SetTaskError(ctx, "r1-brief", "DLQ_MAX_RETRIES", "Sent to DLQ: boom", t0)
	if err != nil || ok {
		t.Fatalf("pending task: ok=%v err=%v, want false", ok, err)
	}

	if _, err := store.MarkRunning(ctx, "r1-brief", "svc", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FailTask(ctx, "r1-brief", "AGENT_ERROR", "boom", "system:scheduler", t0); err != nil {
		t.Fatal(err)
	}

	ok, err = store.SetTaskError(ctx, "r1-brief", "DLQ_MAX_RETRIES", "Sent to DLQ: boom", t0.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("failed task: ok=%v err=%v, want true", ok, err)
	}
	task := mustTask(t, store, "r1-brief")
	if task.ErrorCode != "DLQ_MAX_RETRIES" || task.ErrorMessage != "Sent to DLQ: boom" {
		t.Errorf("error = %s %q", task.ErrorCode, task.ErrorMessage)
	}
	if task.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", task.RetryCount)
	}
}
