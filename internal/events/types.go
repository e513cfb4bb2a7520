package events

import (
	"encoding/json"
	"time"
)

// Event is the base interface for all in-process events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask    = "task"
	TopicRequest = "request"
	TopicBreaker = "breaker"
	TopicDLQ     = "dlq"
)

// In-process event type constants
const (
	EventTypeTaskStarted     = "task.started"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeTaskFailed      = "task.failed"
	EventTypeTaskTimeout     = "task.timeout"
	EventTypeRequestProgress = "request.progress"
	EventTypeBreakerState    = "breaker.state"
	EventTypeDLQSent         = "dlq.sent"
)

// TaskStartedEvent is published when a task is dispatched.
type TaskStartedEvent struct {
	ID        string
	RequestID string
	Name      string
	AgentRole string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	RequestID string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	ID        string
	RequestID string
	Code      string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskTimeoutEvent is published when the timeout monitor fails a stuck task.
type TaskTimeoutEvent struct {
	ID        string
	RequestID string
	AgentRole string
	StartedAt time.Time
	Elapsed   time.Duration
	Threshold time.Duration
	Timestamp time.Time
}

func (e TaskTimeoutEvent) EventType() string { return EventTypeTaskTimeout }
func (e TaskTimeoutEvent) TaskID() string    { return e.ID }

// RequestProgressEvent is published after every scheduler pass.
type RequestProgressEvent struct {
	RequestID string
	Status    string
	Total     int
	Completed int
	Running   int
	Failed    int
	Pending   int
	Timestamp time.Time
}

func (e RequestProgressEvent) EventType() string { return EventTypeRequestProgress }
func (e RequestProgressEvent) TaskID() string    { return "" }

// BreakerStateEvent is published when a circuit breaker changes state.
type BreakerStateEvent struct {
	Service   string
	From      string
	To        string
	Timestamp time.Time
}

func (e BreakerStateEvent) EventType() string { return EventTypeBreakerState }
func (e BreakerStateEvent) TaskID() string    { return "" }

// DLQSentEvent is published when a task is moved to the dead letter queue.
type DLQSentEvent struct {
	EntryID   string
	ID        string
	RequestID string
	AgentRole string
	Reason    string
	Timestamp time.Time
}

func (e DLQSentEvent) EventType() string { return EventTypeDLQSent }
func (e DLQSentEvent) TaskID() string    { return e.ID }

// Durable event log record types.
const (
	RecordTaskCreated      = "task_created"
	RecordTaskStarted      = "task_started"
	RecordTaskCompleted    = "task_completed"
	RecordTaskFailed       = "task_failed"
	RecordSystemError      = "system_error"
	RecordRetryInitiated   = "retry_initiated"
	RecordRequestCancelled = "request_cancelled"
	RecordDLQResolved      = "dlq_resolved"
)

// Actors recorded on event log entries.
const (
	ActorScheduler      = "system:scheduler"
	ActorTimeoutMonitor = "system:timeout_monitor"
	ActorDLQ            = "system:dlq"
	ActorDLQRetry       = "manual:dlq_retry"
)

// Record is one append-only entry of the durable event log.
type Record struct {
	ID          int64           `json:"id"`
	RequestID   string          `json:"request_id"`
	TaskID      string          `json:"task_id,omitempty"`
	Type        string          `json:"event_type"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Actor       string          `json:"actor"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewRecord builds a record, encoding metadata as JSON. Metadata that cannot
// be encoded is dropped.
func NewRecord(requestID, taskID, eventType, description, actor string, metadata map[string]any, at time.Time) *Record {
	rec := &Record{
		RequestID:   requestID,
		TaskID:      taskID,
		Type:        eventType,
		Description: description,
		Actor:       actor,
		Timestamp:   at,
	}
	if len(metadata) > 0 {
		if data, err := json.Marshal(metadata); err == nil {
			rec.Metadata = data
		}
	}
	return rec
}
