package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/scheduler"
)

func configCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or print the configuration",
	}
	cmd.AddCommand(configInitCmd(), configShowCmd(opts))
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration (TOML unless the path ends in .json)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(".contentflow", "config.toml")
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func configShowCmd(opts *globalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after merging files and flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			var ext string
			switch strings.ToLower(format) {
			case "toml":
				ext = "config.toml"
			case "json":
				ext = "config.json"
			default:
				return fmt.Errorf("unknown format %q (want toml or json)", format)
			}
			data, err := config.Encode(cfg, ext)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "toml", "Output format (toml, json)")
	return cmd
}

func planCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Work with workflow templates",
	}
	cmd.AddCommand(planValidateCmd(opts))
	return cmd
}

func planValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [request-type...]",
		Short: "Build each workflow's task graph and print its execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			builder := scheduler.NewPlanBuilder(cfg.Workflows)
			types := args
			if len(types) == 0 {
				types = builder.Types()
			}

			w := cmd.OutOrStdout()
			var failed int
			for _, typ := range types {
				req, err := builder.Build(scheduler.RequestSpec{Type: typ, Title: "validate"})
				if err != nil {
					fmt.Fprintf(w, "%s: INVALID: %v\n", typ, err)
					failed++
					continue
				}
				roles := make([]string, 0, len(req.Tasks))
				for _, t := range req.Tasks {
					roles = append(roles, t.AgentRole)
				}
				fmt.Fprintf(w, "%s: ok (%d tasks, ~%s): %s\n", typ, len(req.Tasks),
					builder.EstimatedRemaining(req), strings.Join(roles, " -> "))
			}
			if failed > 0 {
				return fmt.Errorf("%d workflow(s) invalid", failed)
			}
			return nil
		},
	}
}
