package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

var (
	ErrCycle             = errors.New("plan contains cycle")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrCrossRequest      = errors.New("dependency crosses request boundary")
)

// Plan is a read-only dependency graph over a snapshot of a request's tasks.
// The repository owns task state; a Plan is rebuilt from it on every pass.
type Plan struct {
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
	order      []string            // Insertion order
}

// NewPlan builds a plan and validates it. Unknown dependencies, duplicate
// ids, cross-request edges and cycles are rejected.
func NewPlan(tasks []*Task) (*Plan, error) {
	p := &Plan{
		tasks:      make(map[string]*Task, len(tasks)),
		dependents: make(map[string][]string),
	}
	for _, task := range tasks {
		if err := p.add(task); err != nil {
			return nil, err
		}
	}
	if _, err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// newPlanUnchecked builds a plan without validation, for tasks that were
// validated when their request was created.
func newPlanUnchecked(tasks []*Task) *Plan {
	p := &Plan{
		tasks:      make(map[string]*Task, len(tasks)),
		dependents: make(map[string][]string),
	}
	for _, task := range tasks {
		_ = p.add(task)
	}
	return p
}

func (p *Plan) add(task *Task) error {
	if _, exists := p.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, task.ID)
	}

	p.tasks[task.ID] = task
	p.order = append(p.order, task.ID)

	// Build dependents map for efficient downstream lookup
	for _, depID := range task.DependsOn {
		p.dependents[depID] = append(p.dependents[depID], task.ID)
	}
	return nil
}

// Validate runs a topological sort and returns the task ids in dependency order.
func (p *Plan) Validate() ([]string, error) {
	// First, verify all dependencies exist and stay inside the request
	for _, taskID := range p.order {
		task := p.tasks[taskID]
		for _, depID := range task.DependsOn {
			dep, exists := p.tasks[depID]
			if !exists {
				return nil, fmt.Errorf("%w: task %q depends on %q", ErrUnknownDependency, taskID, depID)
			}
			if dep.RequestID != task.RequestID {
				return nil, fmt.Errorf("%w: task %q (request %q) depends on %q (request %q)",
					ErrCrossRequest, taskID, task.RequestID, depID, dep.RequestID)
			}
			if depID == taskID {
				return nil, fmt.Errorf("%w: task %q depends on itself", ErrCycle, taskID)
			}
		}
	}

	var edges []toposort.Edge
	for _, taskID := range p.order {
		task := p.tasks[taskID]
		if len(task.DependsOn) == 0 {
			// Root task: edge from nil keeps it in the output
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// A cycle with no root never reaches the sort output
	if len(order) != len(p.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, taskID := range p.order {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		return nil, fmt.Errorf("%w: unreachable tasks %s", ErrCycle, strings.Join(missing, ", "))
	}

	return order, nil
}

// Ready returns pending tasks whose dependencies are all completed, ordered
// by sequence.
func (p *Plan) Ready() []*Task {
	ready := []*Task{}
	for _, taskID := range p.order {
		task := p.tasks[taskID]
		if task.Status != TaskPending {
			continue
		}
		if p.dependenciesCompleted(task) {
			ready = append(ready, task.Clone())
		}
	}
	sortBySequence(ready)
	return ready
}

func (p *Plan) dependenciesCompleted(task *Task) bool {
	for _, depID := range task.DependsOn {
		dep, exists := p.tasks[depID]
		if !exists || dep.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// Running returns tasks currently marked running.
func (p *Plan) Running() []*Task {
	return p.withStatus(TaskRunning)
}

// Failed returns tasks currently marked failed.
func (p *Plan) Failed() []*Task {
	return p.withStatus(TaskFailed)
}

func (p *Plan) withStatus(status TaskStatus) []*Task {
	out := []*Task{}
	for _, taskID := range p.order {
		if task := p.tasks[taskID]; task.Status == status {
			out = append(out, task.Clone())
		}
	}
	return out
}

// Terminal reports whether every task is completed or failed.
func (p *Plan) Terminal() bool {
	for _, task := range p.tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// Blocked returns pending tasks that can never become ready because a
// transitive dependency failed.
func (p *Plan) Blocked() []*Task {
	memo := make(map[string]bool, len(p.tasks))
	visiting := make(map[string]bool)

	var blocked func(id string) bool
	blocked = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		if visiting[id] {
			return false
		}
		visiting[id] = true
		defer delete(visiting, id)

		task, ok := p.tasks[id]
		if !ok {
			// Dangling dependency can never complete
			return true
		}
		result := false
		for _, depID := range task.DependsOn {
			dep, exists := p.tasks[depID]
			if !exists || dep.Status == TaskFailed {
				result = true
				break
			}
			if dep.Status == TaskPending && blocked(depID) {
				result = true
				break
			}
		}
		memo[id] = result
		return result
	}

	out := []*Task{}
	for _, taskID := range p.order {
		task := p.tasks[taskID]
		if task.Status == TaskPending && blocked(taskID) {
			out = append(out, task.Clone())
		}
	}
	return out
}

// Counts summarizes task statuses.
type Counts struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
}

// Counts returns the number of tasks per status.
func (p *Plan) Counts() Counts {
	c := Counts{Total: len(p.tasks)}
	for _, task := range p.tasks {
		switch task.Status {
		case TaskPending:
			c.Pending++
		case TaskRunning:
			c.Running++
		case TaskCompleted:
			c.Completed++
		case TaskFailed:
			c.Failed++
		}
	}
	return c
}

// Get returns task by ID.
func (p *Plan) Get(taskID string) (*Task, bool) {
	task, exists := p.tasks[taskID]
	if !exists {
		return nil, false
	}
	return task.Clone(), true
}

// Tasks returns all tasks in insertion order.
func (p *Plan) Tasks() []*Task {
	tasks := make([]*Task, 0, len(p.tasks))
	for _, taskID := range p.order {
		tasks = append(tasks, p.tasks[taskID].Clone())
	}
	return tasks
}

// Dependents returns the ids of tasks that directly depend on taskID.
func (p *Plan) Dependents(taskID string) []string {
	return append([]string(nil), p.dependents[taskID]...)
}

// DependencyOutputs collects the outputs of the task's completed dependencies.
func (p *Plan) DependencyOutputs(task *Task) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(task.DependsOn))
	for _, depID := range task.DependsOn {
		dep, ok := p.tasks[depID]
		if !ok || dep.Status != TaskCompleted {
			continue
		}
		out[depID] = append(json.RawMessage(nil), dep.Output...)
	}
	return out
}

func sortBySequence(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Sequence < tasks[j].Sequence
	})
}
