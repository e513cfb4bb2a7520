package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files return an error. The file
// format follows the extension: ".toml" is TOML, anything else is JSON.
func Load(globalPath, projectPath string) (*OrchestratorConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.contentflow/config.toml or config.json
// Project: .contentflow/config.toml or config.json (relative to cwd)
func LoadDefault() (*OrchestratorConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := firstExisting(
		filepath.Join(homeDir, ".contentflow", "config.toml"),
		filepath.Join(homeDir, ".contentflow", "config.json"),
	)
	projectPath := firstExisting(
		filepath.Join(".contentflow", "config.toml"),
		filepath.Join(".contentflow", "config.json"),
	)

	return Load(globalPath, projectPath)
}

// firstExisting returns the first path that exists, or the last candidate.
func firstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return paths[len(paths)-1]
}

// decodeFile parses a config file in the format its extension names.
func decodeFile(path string, data []byte) (*OrchestratorConfig, error) {
	var loaded OrchestratorConfig
	if isTOML(path) {
		if _, err := toml.Decode(string(data), &loaded); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return &loaded, nil
	}
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &loaded, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// mergeConfigFile reads a config file and merges it into the base config.
// Missing files are silently skipped.
func mergeConfigFile(base *OrchestratorConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	loaded, err := decodeFile(path, data)
	if err != nil {
		return err
	}

	for key, provider := range loaded.Providers {
		base.Providers[key] = provider
	}
	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}
	for key, workflow := range loaded.Workflows {
		base.Workflows[key] = workflow
	}
	mergeRuntime(&base.Runtime, loaded.Runtime)

	return nil
}

// mergeRuntime overrides base fields with every non-zero field of loaded.
func mergeRuntime(base *RuntimeConfig, loaded RuntimeConfig) {
	if loaded.Concurrency != 0 {
		base.Concurrency = loaded.Concurrency
	}
	if loaded.MaxRetries != 0 {
		base.MaxRetries = loaded.MaxRetries
	}
	if loaded.Retry.InitialInterval.Duration != 0 {
		base.Retry.InitialInterval = loaded.Retry.InitialInterval
	}
	if loaded.Retry.MaxInterval.Duration != 0 {
		base.Retry.MaxInterval = loaded.Retry.MaxInterval
	}
	if loaded.Retry.Multiplier != 0 {
		base.Retry.Multiplier = loaded.Retry.Multiplier
	}
	if loaded.Retry.RandomizationFactor != 0 {
		base.Retry.RandomizationFactor = loaded.Retry.RandomizationFactor
	}
	if loaded.SweepSchedule != "" {
		base.SweepSchedule = loaded.SweepSchedule
	}
	if loaded.StuckThreshold.Duration != 0 {
		base.StuckThreshold = loaded.StuckThreshold
	}
	if loaded.DBPath != "" {
		base.DBPath = loaded.DBPath
	}
	if loaded.ListenAddr != "" {
		base.ListenAddr = loaded.ListenAddr
	}
	if loaded.LogLevel != "" {
		base.LogLevel = loaded.LogLevel
	}
	if loaded.LogFormat != "" {
		base.LogFormat = loaded.LogFormat
	}
}
