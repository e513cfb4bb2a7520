package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aristath/contentflow/internal/orchestrator"
	"github.com/aristath/contentflow/internal/scheduler"
)

func requestCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Create, run and inspect requests",
	}
	cmd.AddCommand(requestCreateCmd(opts), requestRunCmd(opts), requestShowCmd(opts), requestCancelCmd(opts))
	return cmd
}

func requestCreateCmd(opts *globalOptions) *cobra.Command {
	var spec scheduler.RequestSpec
	var intent string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a request from its workflow template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if intent != "" {
				if !json.Valid([]byte(intent)) {
					return fmt.Errorf("--intent is not valid JSON")
				}
				spec.Intent = json.RawMessage(intent)
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				req, err := a.builder.Build(spec)
				if err != nil {
					return err
				}
				if err := a.store.CreateRequest(cmd.Context(), req); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), req.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&spec.Type, "type", "", "Request type (a configured workflow)")
	cmd.Flags().StringVar(&spec.Title, "title", "", "Request title")
	cmd.Flags().StringVar(&intent, "intent", "", "Intent payload as JSON")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func requestRunCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <request-id>",
		Short: "Run a request until its plan finishes or blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				out, err := a.runner.Run(cmd.Context(), args[0])
				if err != nil && !errors.Is(err, orchestrator.ErrDeadlock) {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "status:  %s\n", out.Status)
				fmt.Fprintf(w, "waves:   %d\n", out.Waves)
				fmt.Fprintf(w, "tasks:   %d completed, %d failed, %d pending of %d\n",
					out.Counts.Completed, out.Counts.Failed, out.Counts.Pending, out.Counts.Total)
				if len(out.Blocked) > 0 {
					fmt.Fprintf(w, "blocked: %v\n", out.Blocked)
				}
				return err
			})
		},
	}
}

func requestShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				req, err := a.store.GetRequest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printRequest(cmd.OutOrStdout(), req, a.builder)
				return nil
			})
		},
	}
}

func printRequest(w io.Writer, req *scheduler.Request, builder *scheduler.PlanBuilder) {
	fmt.Fprintf(w, "%s  %s  %q  %s\n", req.ID, req.Type, req.Title, req.Status())
	if d := builder.EstimatedRemaining(req); d > 0 {
		fmt.Fprintf(w, "estimated remaining: %s\n", d)
	}

	rows := make([][]string, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		errText := ""
		if t.ErrorCode != "" {
			errText = t.ErrorCode + ": " + t.ErrorMessage
		}
		rows = append(rows, []string{t.ID, t.Name, t.AgentRole, string(t.Status), fmt.Sprint(t.RetryCount), errText})
	}
	fmt.Fprintln(w, renderTable([]string{"TASK", "NAME", "ROLE", "STATUS", "RETRIES", "ERROR"}, rows))
}

func requestCancelCmd(opts *globalOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel every unfinished task of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				n, err := a.runner.Cancel(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d task(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason recorded on each task")
	return cmd
}
