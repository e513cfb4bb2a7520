package config

import "time"

// Default runtime values.
const (
	DefaultConcurrency    = 4
	DefaultMaxRetries     = 3
	DefaultSweepSchedule  = "@every 1m"
	DefaultStuckThreshold = 2 * time.Hour
	DefaultListenAddr     = "127.0.0.1:8420"
	DefaultDBPath         = ".contentflow/contentflow.db"
)

// DefaultConfig returns the default configuration with built-in providers,
// agents, and request templates.
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Providers: map[string]ProviderConfig{
			// Batch workflow engine restarts slowly
			"n8n": {
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          D(120 * time.Second),
			},
			"openai": {
				FailureThreshold: 3,
				SuccessThreshold: 2,
				Timeout:          D(60 * time.Second),
			},
			"anthropic": {
				FailureThreshold: 3,
				SuccessThreshold: 2,
				Timeout:          D(60 * time.Second),
			},
			"elevenlabs": {
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          D(90 * time.Second),
			},
		},
		Agents: map[string]AgentConfig{
			"executive":    {Provider: "anthropic", Timeout: D(5 * time.Minute)},
			"task_planner": {Provider: "anthropic", Timeout: D(5 * time.Minute)},
			"strategist":   {Provider: "openai", Timeout: D(30 * time.Minute)},
			"copywriter":   {Provider: "openai", Timeout: D(30 * time.Minute)},
			"producer":     {Provider: "n8n", Timeout: D(2 * time.Hour)},
			"qa":           {Provider: "anthropic", Timeout: D(5 * time.Minute)},
		},
		Workflows: map[string]WorkflowConfig{
			"video_with_vo": {
				Steps: []WorkflowStepConfig{
					{Name: "Intent Parsing & Validation", Agent: "executive", EstimatedDuration: D(5 * time.Second)},
					{Name: "Task Planning", Agent: "task_planner", DependsOn: []string{"executive"}, EstimatedDuration: D(10 * time.Second)},
					{Name: "Creative Strategy Generation", Agent: "strategist", DependsOn: []string{"task_planner"}, EstimatedDuration: D(30 * time.Second)},
					{Name: "Script Writing", Agent: "copywriter", DependsOn: []string{"strategist"}, EstimatedDuration: D(45 * time.Second)},
					{Name: "Video Generation", Agent: "producer", DependsOn: []string{"copywriter"}, EstimatedDuration: D(3 * time.Minute)},
					{Name: "Quality Assurance Review", Agent: "qa", DependsOn: []string{"producer"}, NoRetry: true, EstimatedDuration: D(10 * time.Second)},
				},
			},
			"video_no_vo": {
				Steps: []WorkflowStepConfig{
					{Name: "Intent Parsing & Validation", Agent: "executive", EstimatedDuration: D(5 * time.Second)},
					{Name: "Task Planning", Agent: "task_planner", DependsOn: []string{"executive"}, EstimatedDuration: D(10 * time.Second)},
					{Name: "Visual Strategy Generation", Agent: "strategist", DependsOn: []string{"task_planner"}, EstimatedDuration: D(25 * time.Second)},
					{Name: "Video Generation", Agent: "producer", DependsOn: []string{"strategist"}, EstimatedDuration: D(3 * time.Minute)},
					{Name: "Quality Assurance Review", Agent: "qa", DependsOn: []string{"producer"}, NoRetry: true, EstimatedDuration: D(10 * time.Second)},
				},
			},
			"image": {
				Steps: []WorkflowStepConfig{
					{Name: "Intent Parsing & Validation", Agent: "executive", EstimatedDuration: D(5 * time.Second)},
					{Name: "Visual Concept Generation", Agent: "strategist", DependsOn: []string{"executive"}, EstimatedDuration: D(20 * time.Second)},
					{Name: "Image Generation", Agent: "producer", DependsOn: []string{"strategist"}, EstimatedDuration: D(30 * time.Second)},
					{Name: "Quality Assurance Review", Agent: "qa", DependsOn: []string{"producer"}, NoRetry: true, EstimatedDuration: D(5 * time.Second)},
				},
			},
		},
		Runtime: RuntimeConfig{
			Concurrency: DefaultConcurrency,
			MaxRetries:  DefaultMaxRetries,
			Retry: RetryConfig{
				InitialInterval:     D(500 * time.Millisecond),
				MaxInterval:         D(10 * time.Second),
				Multiplier:          2.0,
				RandomizationFactor: 0.5,
			},
			SweepSchedule:  DefaultSweepSchedule,
			StuckThreshold: D(DefaultStuckThreshold),
			DBPath:         DefaultDBPath,
			ListenAddr:     DefaultListenAddr,
			LogLevel:       "info",
			LogFormat:      "json",
		},
	}
}
