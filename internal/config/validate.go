package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New()

// Validate checks struct tags and cross references: every agent names a
// known provider, every workflow step names a known agent, and step
// dependencies refer to steps of the same workflow.
func Validate(cfg *OrchestratorConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var errs []error

	for _, name := range sortedKeys(cfg.Agents) {
		agent := cfg.Agents[name]
		if _, ok := cfg.Providers[agent.Provider]; !ok {
			errs = append(errs, fmt.Errorf("agent %q references unknown provider %q", name, agent.Provider))
		}
	}

	for _, name := range sortedKeys(cfg.Workflows) {
		workflow := cfg.Workflows[name]
		roles := make(map[string]bool, len(workflow.Steps))
		for _, step := range workflow.Steps {
			if roles[step.Agent] {
				errs = append(errs, fmt.Errorf("workflow %q uses agent %q in more than one step", name, step.Agent))
			}
			roles[step.Agent] = true
			if _, ok := cfg.Agents[step.Agent]; !ok {
				errs = append(errs, fmt.Errorf("workflow %q step %q references unknown agent %q", name, step.Name, step.Agent))
			}
		}
		for _, step := range workflow.Steps {
			for _, dep := range step.DependsOn {
				if !roles[dep] {
					errs = append(errs, fmt.Errorf("workflow %q step %q depends on unknown step %q", name, step.Name, dep))
				}
			}
		}
	}

	if _, err := cron.ParseStandard(cfg.Runtime.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("runtime.sweep_schedule %q: %w", cfg.Runtime.SweepSchedule, err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
