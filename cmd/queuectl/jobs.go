// ABOUTME: Job-facing subcommands: enqueue, list, status, stats, logs, cancel.
// ABOUTME: All read paths go through the store; mutations go through the queue service.
package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harishvreddy10/-queuectl/internal/job"
	"github.com/harishvreddy10/-queuectl/internal/queue"
	"github.com/harishvreddy10/-queuectl/internal/store"
)

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		id         string
		command    string
		priority   string
		maxRetries int
		timeout    time.Duration
		runAt      string
		delay      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a job to the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			spec := queue.EnqueueSpec{
				ID:       id,
				Command:  command,
				Priority: job.Priority(strings.ToLower(priority)),
			}
			if cmd.Flags().Changed("max-retries") {
				spec.MaxRetries = &maxRetries
			}
			if cmd.Flags().Changed("timeout") {
				spec.Timeout = timeout
			}
			switch {
			case runAt != "" && delay != 0:
				return fmt.Errorf("--run-at and --delay are mutually exclusive")
			case runAt != "":
				t, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return fmt.Errorf("parse --run-at: %w", err)
				}
				spec.RunAt = &t
			case delay != 0:
				t := time.Now().UTC().Add(delay)
				spec.RunAt = &t
			}

			j, err := app.svc.Enqueue(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Printf("Job %s enqueued (state: %s, priority: %s)\n", j.ID, j.State, j.Priority)
			if j.RunAt != nil {
				fmt.Printf("Scheduled for: %s\n", j.RunAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id (generated when omitted)")
	cmd.Flags().StringVarP(&command, "command", "c", "", "shell command to execute (required)")
	cmd.Flags().StringVarP(&priority, "priority", "p", "medium", "priority: critical|high|medium|low")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retries before the DLQ (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-attempt timeout (default from config)")
	cmd.Flags().StringVar(&runAt, "run-at", "", "earliest execution time, RFC 3339")
	cmd.Flags().DurationVar(&delay, "delay", 0, "run after this delay from now")
	_ = cmd.MarkFlagRequired("command") //nolint:errcheck
	return cmd
}

// ── list ──────────────────────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	var (
		state    string
		priority string
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs with optional filters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			p := store.ListParams{Limit: limit, Offset: offset}
			if state != "" {
				st, err := job.ParseState(strings.ToLower(state))
				if err != nil {
					return err
				}
				p.State = &st
			}
			if priority != "" {
				pr, err := job.ParsePriority(strings.ToLower(priority))
				if err != nil {
					return err
				}
				p.Priority = &pr
			}

			jobs, err := app.st.List(cmd.Context(), p)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found")
				return nil
			}
			fmt.Printf("%-36s  %-10s  %-8s  %-8s  %-20s  %s\n",
				"ID", "STATE", "PRIORITY", "ATTEMPTS", "CREATED", "COMMAND")
			for _, j := range jobs {
				fmt.Printf("%-36s  %-10s  %-8s  %d/%d      %-20s  %s\n",
					j.ID, j.State, j.Priority, j.Attempts, j.MaxRetries+1,
					j.CreatedAt.Format("2006-01-02 15:04:05"), truncate(j.Command, 40))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

// ── status ────────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			j, err := app.st.GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(j)
			return nil
		},
	}
}

func printJob(j *job.Job) {
	fmt.Printf("Job:         %s\n", j.ID)
	fmt.Printf("Command:     %s\n", j.Command)
	fmt.Printf("State:       %s\n", j.State)
	fmt.Printf("Priority:    %s\n", j.Priority)
	fmt.Printf("Attempts:    %d (max retries: %d)\n", j.Attempts, j.MaxRetries)
	fmt.Printf("Timeout:     %s\n", j.Timeout)
	fmt.Printf("Created:     %s\n", j.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", j.UpdatedAt.Format(time.RFC3339))
	if j.RunAt != nil {
		fmt.Printf("Run at:      %s\n", j.RunAt.Format(time.RFC3339))
	}
	if j.WorkerID != "" {
		fmt.Printf("Worker:      %s\n", j.WorkerID)
	}
	if j.DeadlineAt != nil {
		fmt.Printf("Deadline:    %s\n", j.DeadlineAt.Format(time.RFC3339))
	}
	if j.ExitCode != nil {
		fmt.Printf("Exit code:   %d\n", *j.ExitCode)
	}
	if j.ErrorMessage != "" {
		fmt.Printf("Error:       %s\n", j.ErrorMessage)
	}
	if len(j.History) > 0 {
		fmt.Println("History:")
		for _, rec := range j.History {
			outcome := "failed"
			if rec.Successful {
				outcome = "ok"
			}
			fmt.Printf("  #%d  worker=%s  %s", rec.AttemptNumber, rec.WorkerID, outcome)
			if rec.ErrorMessage != "" {
				fmt.Printf("  (%s)", rec.ErrorMessage)
			}
			fmt.Println()
		}
	}
}

// ── stats ─────────────────────────────────────────────────────────────────────

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counts by state and priority",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			stats, err := app.svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Total jobs: %d\n\nBy state:\n", stats.Total)
			for _, st := range []job.State{
				job.StatePending, job.StateScheduled, job.StateProcessing,
				job.StateCompleted, job.StateDead, job.StateCancelled,
			} {
				fmt.Printf("  %-11s %d\n", st, stats.ByState[st])
			}
			fmt.Println("\nBy priority:")
			for _, pr := range []job.Priority{
				job.PriorityCritical, job.PriorityHigh, job.PriorityMedium, job.PriorityLow,
			} {
				fmt.Printf("  %-11s %d\n", pr, stats.ByPriority[pr])
			}
			return nil
		},
	}
}

// ── logs ──────────────────────────────────────────────────────────────────────

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print a job's captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			j, err := app.st.GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if j.OutputRef == "" {
				fmt.Println("No output captured for this job")
				return nil
			}
			content, err := app.st.GetOutput(cmd.Context(), j.OutputRef)
			if err != nil {
				return err
			}
			fmt.Print(content)
			return nil
		},
	}
}

// ── cancel ────────────────────────────────────────────────────────────────────

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a non-terminal job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			j, err := app.svc.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Job %s cancelled\n", j.ID)
			return nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
