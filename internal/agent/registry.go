package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/aristath/contentflow/internal/breaker"
	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/scheduler"
)

type binding struct {
	provider string
	invoker  Invoker
}

// Registry routes tasks to the invoker bound to their agent role. Every
// call passes through the circuit breaker of the role's provider.
type Registry struct {
	breakers *breaker.Registry

	mu       sync.RWMutex
	bindings map[string]binding
}

var _ Invoker = (*Registry)(nil)

// NewRegistry creates an empty registry guarded by the given breakers.
func NewRegistry(breakers *breaker.Registry) *Registry {
	return &Registry{
		breakers: breakers,
		bindings: make(map[string]binding),
	}
}

// FromConfig binds a webhook invoker for every agent with an endpoint.
// Agents without one are left unbound and fail with NO_AGENT.
func FromConfig(cfg *config.OrchestratorConfig, breakers *breaker.Registry, client *http.Client) *Registry {
	r := NewRegistry(breakers)
	for role, agentCfg := range cfg.Agents {
		if agentCfg.Endpoint == "" {
			continue
		}
		r.Register(role, agentCfg.Provider, NewWebhookInvoker(agentCfg.Endpoint, client))
	}
	return r
}

// Register binds role to an invoker that calls the given provider.
func (r *Registry) Register(role, provider string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[role] = binding{provider: provider, invoker: inv}
}

// Provider returns the provider bound to role.
func (r *Registry) Provider(role string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[role]
	return b.provider, ok
}

// Roles lists the bound roles in sorted order.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.bindings))
	for role := range r.bindings {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Invoke dispatches the task through its provider's breaker.
func (r *Registry) Invoke(ctx context.Context, task *scheduler.Task, ictx Context) (Result, error) {
	r.mu.RLock()
	b, ok := r.bindings[task.AgentRole]
	r.mu.RUnlock()
	if !ok {
		return Result{}, Permanent(CodeNoAgent, fmt.Sprintf("no agent registered for role %q", task.AgentRole))
	}

	res, err := breaker.Do(ctx, r.breakers, b.provider, func(ctx context.Context) (Result, error) {
		return b.invoker.Invoke(ctx, task, ictx)
	})
	if err != nil {
		return Result{Provider: b.provider}, classify(err)
	}

	res.Provider = b.provider
	return res, nil
}

func classify(err error) error {
	var aerr *Error
	if errors.As(err, &aerr) {
		return err
	}
	switch code := CodeOf(err); code {
	case CodeCircuitOpen:
		// Counts toward the retry budget like any other failure
		return &Error{Code: code, Message: err.Error(), Retryable: true, Err: err}
	case CodeCancelled:
		return &Error{Code: code, Message: "invocation cancelled", Err: err}
	default:
		return &Error{Code: code, Message: err.Error(), Retryable: true, Err: err}
	}
}
