package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/contentflow/internal/dlq"
	"github.com/aristath/contentflow/internal/tui"
)

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		String()
}

func msDuration(ms float64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond).String()
}

func sweepCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail running tasks past their timeout once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				ids, err := a.monitor.Sweep(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "%d task(s) timed out\n", len(ids))
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
				}
				return err
			})
		},
	}
}

func monitorCmd(opts *globalOptions) *cobra.Command {
	var (
		sweep   bool
		refresh time.Duration
		history time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch the engine's database in the terminal dashboard",
		Long: `Monitor opens the dashboard over the database without running the
engine. Task and request events are read back from the event log. With
--sweep this process also runs the timeout monitor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			// The dashboard owns the terminal
			setupLogger(cfg, io.Discard)

			a, err := newApp(ctx, cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			if sweep {
				if err := a.monitor.Start(ctx); err != nil {
					return err
				}
				defer a.monitor.Stop()
			}

			feed := tui.NewEventLogFeed(a.store, a.bus, refresh, time.Now().Add(-history), a.logger)
			go feed.Run(ctx)

			return tui.Run(ctx, tui.New(a.bus, dashboardSnapshot(a), refresh))
		},
	}

	cmd.Flags().BoolVar(&sweep, "sweep", false, "Also run the timeout monitor")
	cmd.Flags().DurationVar(&refresh, "refresh", tui.DefaultRefreshInterval, "Refresh interval")
	cmd.Flags().DurationVar(&history, "history", time.Hour, "Replay event log entries this far back")
	return cmd
}

func dlqCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and act on the dead letter queue",
	}
	cmd.AddCommand(dlqListCmd(opts), dlqStatsCmd(opts), dlqRetryCmd(opts), dlqResolveCmd(opts))
	return cmd
}

func dlqListCmd(opts *globalOptions) *cobra.Command {
	var (
		status string
		role   string
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letter entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := dlq.Filter{Status: dlq.Status(status), AgentRole: role}
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("%w: %q", dlq.ErrInvalidStatus, status)
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				entries, err := a.queue.Entries(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no entries")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						e.ID, e.TaskID, e.TaskName, e.AgentRole, e.FailureReason,
						fmt.Sprintf("%d/%d", e.RetryCount, e.MaxRetries),
						string(e.ResolutionStatus), humanize.Time(e.CreatedAt),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ENTRY", "TASK", "NAME", "ROLE", "REASON", "RETRIES", "STATUS", "CREATED"}, rows))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by resolution status")
	cmd.Flags().StringVar(&role, "role", "", "Filter by agent role")
	cmd.Flags().DurationVar(&since, "since", 0, "Only entries created within this window")
	return cmd
}

func dlqStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dead letter counts by status and agent role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				stats, err := a.queue.Stats(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "total: %d\n", stats.Total)
				for _, s := range []dlq.Status{dlq.StatusPending, dlq.StatusInvestigating, dlq.StatusResolved, dlq.StatusWontFix} {
					fmt.Fprintf(w, "  %-14s %d\n", s, stats.ByStatus[s])
				}
				roles := make([]string, 0, len(stats.ByAgentRole))
				for role := range stats.ByAgentRole {
					roles = append(roles, role)
				}
				sort.Strings(roles)
				for _, role := range roles {
					fmt.Fprintf(w, "  role %-9s %d\n", role, stats.ByAgentRole[role])
				}
				return nil
			})
		},
	}
}

func dlqRetryCmd(opts *globalOptions) *cobra.Command {
	var notes, actor string

	cmd := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Return a dead-lettered task to pending with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				if err := a.queue.Retry(cmd.Context(), args[0], notes, actor); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "task %s requeued\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Intervention notes")
	cmd.Flags().StringVar(&actor, "actor", "cli", "Who is retrying")
	return cmd
}

func dlqResolveCmd(opts *globalOptions) *cobra.Command {
	var status, notes, actor string

	cmd := &cobra.Command{
		Use:   "resolve <entry-id>",
		Short: "Set the resolution status of a dead letter entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				if err := a.queue.Resolve(cmd.Context(), args[0], dlq.Status(status), notes, actor); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "entry %s marked %s\n", args[0], status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(dlq.StatusResolved), "pending, investigating, resolved or wont_fix")
	cmd.Flags().StringVar(&notes, "notes", "", "Resolution notes")
	cmd.Flags().StringVar(&actor, "actor", "cli", "Who is resolving")
	return cmd
}

func metricsCmd(opts *globalOptions) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print system health and per-agent metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				ctx := cmd.Context()
				w := cmd.OutOrStdout()

				h, err := a.metrics.SystemHealth(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "requests:      %s (%s active)\n", humanize.Comma(int64(h.TotalRequests)), humanize.Comma(int64(h.ActiveRequests)))
				fmt.Fprintf(w, "success rate:  %.1f%%\n", h.OverallSuccessRate)
				fmt.Fprintf(w, "avg request:   %s\n", msDuration(h.AvgRequestTimeMS))
				fmt.Fprintf(w, "stuck tasks:   %d\n", h.StuckTasks)
				fmt.Fprintf(w, "dlq backlog:   %d\n", h.DLQBacklog)

				var from time.Time
				if since > 0 {
					from = time.Now().Add(-since)
				}
				agents, err := a.metrics.AgentMetrics(ctx, from)
				if err != nil {
					return err
				}
				if len(agents) == 0 {
					return nil
				}
				rows := make([][]string, 0, len(agents))
				for _, m := range agents {
					rows = append(rows, []string{
						m.AgentRole,
						humanize.Comma(int64(m.TotalTasks)),
						fmt.Sprintf("%.1f%%", m.SuccessRate),
						msDuration(m.AvgExecutionTimeMS),
						humanize.Comma(m.TotalTokensUsed),
						"$" + humanize.CommafWithDigits(m.TotalCost, 2),
					})
				}
				fmt.Fprintln(w)
				fmt.Fprintln(w, renderTable([]string{"AGENT", "TASKS", "SUCCESS", "AVG TIME", "TOKENS", "COST"}, rows))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Window for per-agent metrics (0 for all time)")
	return cmd
}
