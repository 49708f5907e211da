// ABOUTME: Operational subcommands: dlq, worker, config, and serve.
// ABOUTME: worker start runs the pool in the foreground; stop signals it via pidfile.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/harishvreddy10/-queuectl/internal/api"
	"github.com/harishvreddy10/-queuectl/internal/executor"
	"github.com/harishvreddy10/-queuectl/internal/job"
	"github.com/harishvreddy10/-queuectl/internal/metrics"
	"github.com/harishvreddy10/-queuectl/internal/queue"
	"github.com/harishvreddy10/-queuectl/internal/store"
	"github.com/harishvreddy10/-queuectl/internal/worker"
)

// ── dlq ───────────────────────────────────────────────────────────────────────

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the dead-letter queue",
	}
	cmd.AddCommand(dlqListCmd(), dlqRetryCmd(), dlqPurgeCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead jobs, most recent first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			jobs, err := app.svc.DLQList(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("Dead-letter queue is empty")
				return nil
			}
			for _, j := range jobs {
				fmt.Printf("%s  attempts=%d  %s\n  %s\n",
					j.ID, j.Attempts, j.UpdatedAt.Format(time.RFC3339), j.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func dlqRetryCmd() *cobra.Command {
	var (
		resetAttempts bool
		maxRetries    int
	)
	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a dead job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			var newMax *int
			if cmd.Flags().Changed("max-retries") {
				newMax = &maxRetries
			}
			j, err := app.svc.DLQRetry(cmd.Context(), args[0], resetAttempts, newMax)
			if err != nil {
				return err
			}
			fmt.Printf("Job %s requeued (attempts: %d, max retries: %d)\n",
				j.ID, j.Attempts, j.MaxRetries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&resetAttempts, "reset-attempts", false, "zero the attempt counter")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "replace the retry budget")
	return cmd
}

func dlqPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead jobs (all, or --older-than)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			var (
				n    int64
				err2 error
			)
			if olderThan > 0 {
				n, err2 = app.svc.DLQPurgeOlderThan(cmd.Context(), olderThan)
			} else {
				n, err2 = app.svc.DLQPurgeAll(cmd.Context())
			}
			if err2 != nil {
				return err2
			}
			fmt.Printf("Purged %d dead jobs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only purge jobs dead longer than this")
	return cmd
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage the worker pool",
	}
	cmd.AddCommand(workerStartCmd(), workerStopCmd(), workerStatusCmd())
	return cmd
}

func workerStartCmd() *cobra.Command {
	var (
		count  int
		daemon bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start workers in the foreground until signalled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			settings, err := app.st.LoadSettings(cmd.Context())
			if err != nil {
				return err
			}
			if count <= 0 {
				count = settings.MaxWorkers
			}

			// Crash recovery before any worker spawns.
			if _, err := app.svc.Recover(cmd.Context()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if err := writePidFile(); err != nil {
				return err
			}
			defer removePidFile()

			exec := executor.New(app.st)
			pool := worker.NewPool(app.svc, exec, settings.PollInterval)
			pool.Start(ctx, count)
			go app.svc.Run(ctx)

			if daemon {
				fmt.Println("Workers started in daemon mode")
				fmt.Println("Use 'queuectl worker stop' to stop them gracefully")
			} else {
				fmt.Println("Workers started")
				fmt.Println("Press Ctrl+C to stop workers gracefully")
			}

			<-ctx.Done()
			stop()
			pool.StopGraceful(cmd.Context(), settings.ShutdownTimeout)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "number of workers (default workers.max)")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "suppress the interactive hint; intended for service managers")
	return cmd
}

func workerStopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Signal a running worker process via its pidfile",
		RunE: func(_ *cobra.Command, _ []string) error {
			pid, err := readPidFile()
			if err != nil {
				return err
			}
			sig := syscall.SIGTERM
			if force {
				sig = syscall.SIGKILL
			}
			if err := syscall.Kill(pid, sig); err != nil {
				return fmt.Errorf("signal worker process %d: %w", pid, err)
			}
			fmt.Printf("Sent %s to worker process %d\n", sig, pid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "SIGKILL instead of SIGTERM (claims are released on next start)")
	return cmd
}

func workerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show in-flight jobs per worker from the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			processing := job.StateProcessing
			jobs, err := app.st.List(cmd.Context(), store.ListParams{State: &processing})
			if err != nil {
				return err
			}
			pending, err := app.st.CountByState(cmd.Context(), job.StatePending)
			if err != nil {
				return err
			}
			fmt.Printf("Pending jobs: %d\nIn flight:    %d\n", pending, len(jobs))
			for _, j := range jobs {
				fmt.Printf("  %s  worker=%s  deadline=%s\n",
					j.ID, j.WorkerID, j.DeadlineAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

// pidFilePath holds the worker process pid so `worker stop` can signal it.
func pidFilePath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(dir, "queuectl", "worker.pid"), nil
}

func writePidFile() error {
	p, err := pidFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create pidfile dir: %w", err)
	}
	if err := os.WriteFile(p, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

func removePidFile() {
	if p, err := pidFilePath(); err == nil {
		_ = os.Remove(p) //nolint:errcheck
	}
}

func readPidFile() (int, error) {
	p, err := pidFilePath()
	if err != nil {
		return 0, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("no worker pidfile found — is a worker running?")
	}
	if err != nil {
		return 0, fmt.Errorf("read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse pidfile: %w", err)
	}
	return pid, nil
}

// ── config ────────────────────────────────────────────────────────────────────

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage runtime queue settings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print one setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := setup(cmd.Context())
				if err != nil {
					return err
				}
				defer app.close()
				v, err := app.st.GetSetting(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Println(v)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Update one setting (takes effect on next use)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := setup(cmd.Context())
				if err != nil {
					return err
				}
				defer app.close()
				if err := app.st.SetSetting(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("%s = %s\n", args[0], args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print all settings",
			RunE: func(cmd *cobra.Command, _ []string) error {
				app, err := setup(cmd.Context())
				if err != nil {
					return err
				}
				defer app.close()
				all, err := app.st.AllSettings(cmd.Context())
				if err != nil {
					return err
				}
				for _, k := range []string{
					"workers.max", "workers.poll_interval", "workers.shutdown_timeout",
					"retry.max_retries", "retry.base_delay", "retry.max_delay",
					"jobs.default_timeout", "jobs.cleanup_completed_after", "jobs.cleanup_failed_after",
				} {
					fmt.Printf("%-29s %s\n", k, all[k])
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Restore all settings to defaults",
			RunE: func(cmd *cobra.Command, _ []string) error {
				app, err := setup(cmd.Context())
				if err != nil {
					return err
				}
				defer app.close()
				if err := app.st.ResetSettings(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("Settings reset to defaults")
				return nil
			},
		},
	)
	return cmd
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP ops API with embedded workers and sweepers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			registry := prometheus.NewRegistry()
			m := metrics.New(registry)
			svc := queue.New(app.st, m)

			settings, err := app.st.LoadSettings(cmd.Context())
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = settings.MaxWorkers
			}

			if _, err := svc.Recover(cmd.Context()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			pool := worker.NewPool(svc, executor.New(app.st), settings.PollInterval)
			pool.Start(ctx, workers)
			go svc.Run(ctx)

			srv := &http.Server{ //nolint:exhaustruct
				Addr:              app.cfg.ListenAddr,
				Handler:           api.NewServer(svc, app.cfg, registry).Handler(),
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       15 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			serverErr := make(chan error, 1)
			go func() {
				fmt.Printf("Serving on %s\n", app.cfg.ListenAddr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
				close(serverErr)
			}()

			select {
			case err := <-serverErr:
				return fmt.Errorf("server error: %w", err)
			case <-ctx.Done():
				stop()
			}

			shutdownCtx, cancel := contextWithTimeout(app.cfg.ShutdownTimeoutSeconds)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("graceful shutdown: %w", err)
			}
			pool.StopGraceful(shutdownCtx, settings.ShutdownTimeout)
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "embedded worker count (default workers.max)")
	return cmd
}

// contextWithTimeout builds the shutdown context from a seconds count.
func contextWithTimeout(seconds int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(seconds)*time.Second)
}
