// Package dlq holds tasks that exhausted their retries, together with the
// diagnostic context an operator needs to investigate them.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/contentflow/internal/agent"
	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

// Entry is a dead letter queue entry.
type Entry = persistence.DLQEntry

// Status is the resolution status of an entry.
type Status = persistence.DLQStatus

const (
	StatusPending       = persistence.DLQPending
	StatusInvestigating = persistence.DLQInvestigating
	StatusResolved      = persistence.DLQResolved
	StatusWontFix       = persistence.DLQWontFix
)

// Send reasons recorded on the system_error event.
const (
	ReasonMaxRetries = "max_retries_exceeded"
	ReasonPermanent  = "permanent_failure"
	ReasonTimeout    = "timeout"
)

var (
	// ErrNotFailed is returned when sending or retrying a task that is not failed.
	ErrNotFailed = errors.New("task is not failed")
	// ErrNotInQueue is returned when retrying a task that has no open entry.
	ErrNotInQueue = errors.New("task is not in the dead letter queue")
	// ErrInvalidStatus is returned by Resolve for unknown statuses.
	ErrInvalidStatus = errors.New("invalid resolution status")
)

// Filter narrows Entries. Zero fields do not filter.
type Filter struct {
	Status    Status
	AgentRole string
	Since     time.Time
}

// Stats summarizes the queue.
type Stats struct {
	Total       int            `json:"total"`
	ByStatus    map[Status]int `json:"by_status"`
	ByAgentRole map[string]int `json:"by_agent_role"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries sets the failure count at which a task is sent.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithPublisher sets the in-process event sink.
func WithPublisher(p events.Publisher) Option {
	return func(q *Queue) { q.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDs overrides entry ID generation.
func WithIDs(next func() string) Option {
	return func(q *Queue) { q.newID = next }
}

// Queue moves exhausted tasks out of the scheduler's way and lets operators
// retry or close them.
type Queue struct {
	repo       persistence.Repository
	maxRetries int
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// New creates a queue over the repository.
func New(repo persistence.Repository, opts ...Option) *Queue {
	q := &Queue{
		repo:       repo,
		maxRetries: config.DefaultMaxRetries,
		publisher:  events.Discard,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logging.OrDefault(q.logger).With("component", "dlq")
	return q
}

// MaxRetries returns the failure count at which tasks are sent.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// ShouldSend reports whether a task has failed often enough to be sent.
func (q *Queue) ShouldSend(task *scheduler.Task) bool {
	return task.Status == scheduler.TaskFailed && task.RetryCount >= q.maxRetries
}

// HandleFailure re-reads a failed task and sends it when it is eligible.
// Permanent failures are sent regardless of their retry count.
func (q *Queue) HandleFailure(ctx context.Context, taskID string, permanent bool) error {
	task, err := q.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != scheduler.TaskFailed {
		return nil
	}
	if !permanent && !q.ShouldSend(task) {
		q.logger.Debug("task below retry limit", "task_id", task.ID, "retry_count", task.RetryCount, "max_retries", q.maxRetries)
		return nil
	}

	reason := ReasonMaxRetries
	if task.RetryCount < q.maxRetries {
		reason = ReasonPermanent
		if task.ErrorCode == agent.CodeTaskTimeout {
			reason = ReasonTimeout
		}
	}
	_, err = q.send(ctx, task, reason)
	return err
}

// Send moves a failed task into the queue. A task with an open entry is
// not sent twice; the existing entry is returned instead.
func (q *Queue) Send(ctx context.Context, task *scheduler.Task) (*Entry, error) {
	return q.send(ctx, task, ReasonMaxRetries)
}

func (q *Queue) send(ctx context.Context, task *scheduler.Task, reason string) (*Entry, error) {
	if task.Status != scheduler.TaskFailed {
		return nil, fmt.Errorf("task %s is %s: %w", task.ID, task.Status, ErrNotFailed)
	}

	errCtx, err := q.buildErrorContext(ctx, task)
	if err != nil {
		return nil, err
	}

	now := q.now()
	failureReason := task.ErrorMessage
	if failureReason == "" {
		failureReason = "Unknown error"
	}

	entry := &Entry{
		ID:               q.newID(),
		RequestID:        task.RequestID,
		TaskID:           task.ID,
		TaskName:         task.Name,
		AgentRole:        task.AgentRole,
		FailureReason:    failureReason,
		RetryCount:       task.RetryCount,
		MaxRetries:       q.maxRetries,
		FirstFailedAt:    firstFailure(errCtx, task, now),
		FinalFailedAt:    now,
		ErrorContext:     errCtx,
		ResolutionStatus: StatusPending,
		CreatedAt:        now,
	}
	if task.CompletedAt != nil {
		entry.FinalFailedAt = *task.CompletedAt
	}

	created, err := q.repo.CreateDLQEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	if !created {
		existing, err := q.repo.ListDLQEntries(ctx, persistence.DLQFilter{
			TaskID:   task.ID,
			Statuses: []Status{StatusPending, StatusInvestigating},
		})
		if err != nil {
			return nil, err
		}
		if len(existing) == 0 {
			return nil, fmt.Errorf("dlq entry for task %s was not created", task.ID)
		}
		q.logger.Debug("task already in dead letter queue", "task_id", task.ID, "entry_id", existing[0].ID)
		return existing[0], nil
	}

	rec := events.NewRecord(task.RequestID, task.ID, events.RecordSystemError,
		fmt.Sprintf("Task sent to Dead Letter Queue: %s", task.Name), events.ActorDLQ,
		map[string]any{"dlq_entry": entry.ID, "reason": reason, "retry_count": task.RetryCount}, now)
	if err := q.repo.AppendEvent(ctx, rec); err != nil {
		return entry, err
	}

	if reason == ReasonMaxRetries {
		msg := fmt.Sprintf("Sent to DLQ: %s", failureReason)
		if _, err := q.repo.SetTaskError(ctx, task.ID, agent.CodeDLQMaxRetries, msg, now); err != nil {
			return entry, err
		}
	}

	q.publisher.Publish(events.TopicDLQ, events.DLQSentEvent{
		EntryID:   entry.ID,
		ID:        task.ID,
		RequestID: task.RequestID,
		AgentRole: task.AgentRole,
		Reason:    reason,
		Timestamp: now,
	})

	q.logger.Warn("task sent to dead letter queue",
		"task_id", task.ID,
		"task_name", task.Name,
		"agent_role", task.AgentRole,
		"entry_id", entry.ID,
		"retry_count", task.RetryCount,
		"reason", reason)
	return entry, nil
}

func firstFailure(errCtx persistence.ErrorContext, task *scheduler.Task, now time.Time) time.Time {
	if len(errCtx.ErrorHistory) > 0 {
		return errCtx.ErrorHistory[0].Timestamp
	}
	if task.StartedAt != nil {
		return *task.StartedAt
	}
	return now
}

type taskSnapshot struct {
	ID         string          `json:"id"`
	Name       string          `json:"task_name"`
	AgentRole  string          `json:"agent_role"`
	Status     string          `json:"status"`
	Input      json.RawMessage `json:"input_data,omitempty"`
	Output     json.RawMessage `json:"output_data,omitempty"`
	DependsOn  []string        `json:"depends_on"`
	RetryCount int             `json:"retry_count"`
	Provider   string          `json:"provider,omitempty"`
}

type requestSnapshot struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Type     string            `json:"request_type"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// buildErrorContext gathers the failure history from the event log plus
// snapshots of the task and its request.
func (q *Queue) buildErrorContext(ctx context.Context, task *scheduler.Task) (persistence.ErrorContext, error) {
	out := persistence.ErrorContext{LastError: task.ErrorMessage}

	failures, err := q.repo.ListEvents(ctx, persistence.EventFilter{
		TaskID: task.ID,
		Types:  []string{events.RecordTaskFailed},
	})
	if err != nil {
		return out, fmt.Errorf("loading failure history: %w", err)
	}

	out.ErrorHistory = make([]persistence.AttemptError, 0, len(failures))
	for i, rec := range failures {
		out.ErrorHistory = append(out.ErrorHistory, persistence.AttemptError{
			Attempt:   i + 1,
			Error:     failureMessage(rec),
			Timestamp: rec.Timestamp,
		})
	}

	if out.Task, err = json.Marshal(taskSnapshot{
		ID:         task.ID,
		Name:       task.Name,
		AgentRole:  task.AgentRole,
		Status:     string(task.Status),
		Input:      task.Input,
		Output:     task.Output,
		DependsOn:  task.DependsOn,
		RetryCount: task.RetryCount,
		Provider:   task.Provider,
	}); err != nil {
		return out, fmt.Errorf("encoding task snapshot: %w", err)
	}

	req, err := q.repo.GetRequest(ctx, task.RequestID)
	if errors.Is(err, persistence.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	if out.Request, err = json.Marshal(requestSnapshot{
		ID:       req.ID,
		Title:    req.Title,
		Type:     req.Type,
		Status:   string(req.Status()),
		Metadata: req.Metadata,
	}); err != nil {
		return out, fmt.Errorf("encoding request snapshot: %w", err)
	}
	return out, nil
}

// failureMessage prefers the raw error stored in the event metadata over
// the human-readable description.
func failureMessage(rec *events.Record) string {
	var meta struct {
		Error string `json:"error"`
	}
	if len(rec.Metadata) > 0 && json.Unmarshal(rec.Metadata, &meta) == nil && meta.Error != "" {
		return meta.Error
	}
	return rec.Description
}

// Retry returns a dead-lettered task to pending with a fresh retry budget
// and resolves its open entries. Tasks without an open entry are refused so
// the retry limit cannot be side-stepped.
func (q *Queue) Retry(ctx context.Context, taskID, notes, actor string) error {
	task, err := q.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	open, err := q.repo.ListDLQEntries(ctx, persistence.DLQFilter{
		TaskID:   taskID,
		Statuses: []Status{StatusPending, StatusInvestigating},
	})
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotInQueue)
	}
	if actor == "" {
		actor = events.ActorDLQRetry
	}

	now := q.now()
	ok, err := q.repo.RequeueTask(ctx, taskID, true, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFailed)
	}

	rec := events.NewRecord(task.RequestID, task.ID, events.RecordRetryInitiated,
		fmt.Sprintf("Task retried from DLQ: %s", task.Name), actor,
		map[string]any{"task_id": task.ID, "intervention_notes": notes}, now)
	if err := q.repo.AppendEvent(ctx, rec); err != nil {
		return err
	}

	resolved, err := q.repo.ResolveOpenDLQEntries(ctx, taskID, notes, actor, now)
	if err != nil {
		return err
	}

	q.logger.Info("task retried from dead letter queue",
		"task_id", task.ID,
		"task_name", task.Name,
		"actor", actor,
		"resolved_entries", resolved)
	return nil
}

// RetryRequest requeues every task of a request that has an open entry and
// returns their IDs. Failed tasks outside the queue are left alone.
func (q *Queue) RetryRequest(ctx context.Context, requestID, notes, actor string) ([]string, error) {
	req, err := q.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	var requeued []string
	for _, t := range req.Tasks {
		if t.Status != scheduler.TaskFailed {
			continue
		}
		err := q.Retry(ctx, t.ID, notes, actor)
		switch {
		case errors.Is(err, ErrNotInQueue):
			continue
		case err != nil:
			return requeued, err
		}
		requeued = append(requeued, t.ID)
	}
	return requeued, nil
}

// Entries lists entries newest first.
func (q *Queue) Entries(ctx context.Context, f Filter) ([]*Entry, error) {
	filter := persistence.DLQFilter{AgentRole: f.AgentRole, Since: f.Since}
	if f.Status != "" {
		filter.Statuses = []Status{f.Status}
	}
	return q.repo.ListDLQEntries(ctx, filter)
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, entryID string) (*Entry, error) {
	return q.repo.GetDLQEntry(ctx, entryID)
}

// Resolve sets an entry's resolution status.
func (q *Queue) Resolve(ctx context.Context, entryID string, status Status, notes, actor string) error {
	if !status.Valid() {
		return fmt.Errorf("%q: %w", status, ErrInvalidStatus)
	}
	if err := q.repo.UpdateDLQStatus(ctx, entryID, status, notes, actor, q.now()); err != nil {
		return err
	}
	q.logger.Info("dead letter entry updated", "entry_id", entryID, "status", status, "actor", actor)
	return nil
}

// Stats counts entries by status and agent role.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	entries, err := q.repo.ListDLQEntries(ctx, persistence.DLQFilter{})
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		Total: len(entries),
		ByStatus: map[Status]int{
			StatusPending:       0,
			StatusInvestigating: 0,
			StatusResolved:      0,
			StatusWontFix:       0,
		},
		ByAgentRole: make(map[string]int),
	}
	for _, e := range entries {
		s.ByStatus[e.ResolutionStatus]++
		s.ByAgentRole[e.AgentRole]++
	}
	return s, nil
}
