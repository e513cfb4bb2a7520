package scheduler

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"   // Waiting to be dispatched
	TaskRunning   TaskStatus = "running"   // Dispatched to an agent
	TaskCompleted TaskStatus = "completed" // Finished with output
	TaskFailed    TaskStatus = "failed"    // Finished with an error
)

// Terminal reports whether the status is completed or failed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Agent roles known to the engine. Unknown roles are accepted and fall back
// to default settings wherever a role-specific value is looked up.
const (
	RoleExecutive   = "executive"
	RoleTaskPlanner = "task_planner"
	RoleStrategist  = "strategist"
	RoleCopywriter  = "copywriter"
	RoleProducer    = "producer"
	RoleQA          = "qa"
)

// Roles lists the built-in agent roles in pipeline order.
func Roles() []string {
	return []string{RoleExecutive, RoleTaskPlanner, RoleStrategist, RoleCopywriter, RoleProducer, RoleQA}
}

// Task represents a unit of work inside a request's plan.
type Task struct {
	ID           string          // Unique identifier
	RequestID    string          // Owning request
	Name         string          // Human-readable name
	AgentRole    string          // Key into config.Agents (e.g., "strategist")
	Sequence     int             // Template order, used to order ready-sets
	DependsOn    []string        // Task IDs within the same request
	Status       TaskStatus
	Retryable    bool            // False disables in-process retries for this task
	Input        json.RawMessage // Payload handed to the agent
	Output       json.RawMessage // Present iff completed
	ErrorCode    string          // Present iff failed
	ErrorMessage string
	RetryCount   int    // Failed attempts recorded against this task
	Provider     string // External service the task was dispatched to
	TokensUsed   int64
	Cost         float64
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Duration returns the execution time for a finished task.
// ok is false when either timestamp is missing.
func (t *Task) Duration() (d time.Duration, ok bool) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*t.StartedAt), true
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Input != nil {
		cp.Input = append(json.RawMessage(nil), t.Input...)
	}
	if t.Output != nil {
		cp.Output = append(json.RawMessage(nil), t.Output...)
	}
	if t.StartedAt != nil {
		at := *t.StartedAt
		cp.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}
