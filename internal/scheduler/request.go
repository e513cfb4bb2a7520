package scheduler

import (
	"encoding/json"
	"time"
)

// RequestStatus is derived from task states and never stored.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Request owns an ordered collection of tasks.
type Request struct {
	ID        string
	Type      string          // Workflow template name (e.g., "video_with_vo")
	Title     string
	Intent    json.RawMessage // Parsed campaign intent passed to every agent
	Metadata  map[string]string
	CreatedAt time.Time
	Tasks     []*Task
}

// Status computes the request status from its tasks.
func (r *Request) Status() RequestStatus {
	return DeriveStatus(r.Tasks)
}

// Plan builds a plan view over the request's tasks.
func (r *Request) Plan() *Plan {
	return newPlanUnchecked(r.Tasks)
}

// DeriveStatus is a pure function of task statuses:
// completed iff every task completed, failed iff a task failed and nothing can
// progress, in_progress iff a task is running, pending otherwise.
func DeriveStatus(tasks []*Task) RequestStatus {
	if len(tasks) == 0 {
		return RequestPending
	}

	plan := newPlanUnchecked(tasks)
	counts := plan.Counts()

	if counts.Completed == counts.Total {
		return RequestCompleted
	}
	if counts.Failed > 0 && counts.Running == 0 && len(plan.Ready()) == 0 {
		return RequestFailed
	}
	if counts.Running > 0 {
		return RequestInProgress
	}
	return RequestPending
}
