package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/contentflow/internal/config"
)

// RequestSpec describes a request to be planned.
type RequestSpec struct {
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Intent   json.RawMessage   `json:"intent,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PlanBuilder instantiates a request's tasks from the configured workflow
// templates. Step dependencies reference other steps by agent role and are
// rewritten to task ids.
type PlanBuilder struct {
	workflows map[string]config.WorkflowConfig // request type -> template
	newID     func() string
	now       func() time.Time
}

// NewPlanBuilder creates a new PlanBuilder.
func NewPlanBuilder(workflows map[string]config.WorkflowConfig) *PlanBuilder {
	return &PlanBuilder{
		workflows: workflows,
		newID:     func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

// Types returns the request types that have a template, sorted.
func (b *PlanBuilder) Types() []string {
	types := make([]string, 0, len(b.workflows))
	for name := range b.workflows {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Build creates a request with all tasks pending. The resulting graph is
// validated before it is returned, so cycles never reach the repository.
func (b *PlanBuilder) Build(spec RequestSpec) (*Request, error) {
	workflow, ok := b.workflows[spec.Type]
	if !ok {
		return nil, fmt.Errorf("unknown request type: %q", spec.Type)
	}
	if len(workflow.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q has no steps", spec.Type)
	}

	now := b.now().UTC()
	req := &Request{
		ID:        b.newID(),
		Type:      spec.Type,
		Title:     spec.Title,
		Intent:    spec.Intent,
		Metadata:  spec.Metadata,
		CreatedAt: now,
	}
	if len(req.Intent) == 0 {
		req.Intent = json.RawMessage(`{}`)
	}

	// Assign ids first so dependencies can reference later steps too
	idsByRole := make(map[string]string, len(workflow.Steps))
	for _, step := range workflow.Steps {
		if _, dup := idsByRole[step.Agent]; dup {
			return nil, fmt.Errorf("workflow %q: agent %q appears in more than one step", spec.Type, step.Agent)
		}
		idsByRole[step.Agent] = b.newID()
	}

	for i, step := range workflow.Steps {
		dependsOn := make([]string, 0, len(step.DependsOn))
		for _, role := range step.DependsOn {
			depID, ok := idsByRole[role]
			if !ok {
				return nil, fmt.Errorf("workflow %q: step %q depends on unknown step %q", spec.Type, step.Name, role)
			}
			dependsOn = append(dependsOn, depID)
		}

		input, err := buildInput(req, step)
		if err != nil {
			return nil, fmt.Errorf("building input for step %q: %w", step.Name, err)
		}

		req.Tasks = append(req.Tasks, &Task{
			ID:        idsByRole[step.Agent],
			RequestID: req.ID,
			Name:      step.Name,
			AgentRole: step.Agent,
			Sequence:  i + 1,
			DependsOn: dependsOn,
			Status:    TaskPending,
			Retryable: !step.NoRetry,
			Input:     input,
			CreatedAt: now,
		})
	}

	if _, err := NewPlan(req.Tasks); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", spec.Type, err)
	}

	return req, nil
}

// EstimatedRemaining sums the template estimates of tasks that are not yet
// terminal.
func (b *PlanBuilder) EstimatedRemaining(req *Request) time.Duration {
	workflow, ok := b.workflows[req.Type]
	if !ok {
		return 0
	}
	estimates := make(map[string]time.Duration, len(workflow.Steps))
	for _, step := range workflow.Steps {
		estimates[step.Agent] = step.EstimatedDuration.Duration
	}

	var total time.Duration
	for _, task := range req.Tasks {
		if !task.Status.Terminal() {
			total += estimates[task.AgentRole]
		}
	}
	return total
}

func buildInput(req *Request, step config.WorkflowStepConfig) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"request_id":   req.ID,
		"request_type": req.Type,
		"step":         step.Name,
		"description":  step.Description,
		"intent":       req.Intent,
	})
}
