// Package main provides the contentflow binary: the task orchestration
// service and the operator commands that work against its database.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/logging"
)

const (
	Version = "0.1.0"
	appName = "contentflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string
}

// loadConfig reads the configuration and applies flag overrides. An
// explicit --config replaces the project file; otherwise the conventional
// global and project paths are merged.
func (o *globalOptions) loadConfig() (*config.OrchestratorConfig, error) {
	var (
		cfg *config.OrchestratorConfig
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load("", o.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	if o.dbPath != "" {
		cfg.Runtime.DBPath = o.dbPath
	}
	if o.logLevel != "" {
		cfg.Runtime.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Runtime.LogFormat = o.logFormat
	}
	return cfg, nil
}

// setupLogger writes structured logs to w, stderr by default so command
// output on stdout stays parseable.
func setupLogger(cfg *config.OrchestratorConfig, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	logging.SetupWriter(w, cfg.Runtime.LogLevel, cfg.Runtime.LogFormat)
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Task orchestration and reliability engine",
		Long: `Contentflow drives content requests through dependency-ordered agent
tasks and keeps them reliable:

- circuit breakers per external provider
- retries with exponential backoff
- a timeout monitor for stuck tasks
- a dead letter queue for tasks that exhausted their retries
- metrics and system health`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (JSON or TOML)")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format (json, text)")

	cmd.AddCommand(
		serveCmd(opts),
		requestCmd(opts),
		sweepCmd(opts),
		monitorCmd(opts),
		dlqCmd(opts),
		metricsCmd(opts),
		configCmd(opts),
		planCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)

	return cmd
}
