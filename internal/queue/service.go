// Package queue is the business-logic layer over the job store — the single
// place that knows the state machine. It owns enqueue defaults, the
// retry-or-DLQ decision on failure, the scheduled-job promotion and timeout
// reaper sweeps, and boot-time crash recovery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harishvreddy10/-queuectl/internal/job"
	"github.com/harishvreddy10/-queuectl/internal/metrics"
	"github.com/harishvreddy10/-queuectl/internal/retry"
	"github.com/harishvreddy10/-queuectl/internal/store"
)

const (
	// promoteInterval is how often scheduled jobs are checked for promotion.
	promoteInterval = 10 * time.Second

	// reapInterval is how often processing jobs are checked for expired deadlines.
	reapInterval = 30 * time.Second

	// cleanupInterval is how often terminal jobs are checked against retention.
	cleanupInterval = 1 * time.Hour

	// casRetries bounds the re-read-and-reapply loop on version conflicts.
	casRetries = 3
)

// ErrInvalidJobSpec — the enqueue request is malformed (empty command,
// negative retries, negative timeout, unknown priority).
var ErrInvalidJobSpec = errors.New("invalid job spec")

// Service orchestrates all job lifecycle transitions against the store.
type Service struct {
	store   *store.Store
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates a Service. m may be metrics.NewNop() when /metrics is not served.
func New(st *store.Store, m *metrics.Metrics) *Service {
	return &Service{
		store:   st,
		metrics: m,
		log:     slog.Default(),
	}
}

// Store exposes the underlying store for read paths (CLI listings, API).
func (s *Service) Store() *store.Store { return s.store }

// Recover resets every processing job back to pending. Must run at startup
// before any worker spawns: claim-before-execution ordering plus the reaper
// make a reset job simply get claimed again (at-least-once execution).
func (s *Service) Recover(ctx context.Context) (int64, error) {
	n, err := s.store.ResetAllProcessing(ctx)
	if err != nil {
		return 0, fmt.Errorf("crash recovery: %w", err)
	}
	if n > 0 {
		s.log.Warn("reset interrupted jobs after restart", "count", n)
	}
	return n, nil
}

// EnqueueSpec is a client enqueue request. Zero-valued fields take defaults
// from the runtime queue settings.
type EnqueueSpec struct {
	ID         string
	Command    string
	Priority   job.Priority
	MaxRetries *int
	Timeout    time.Duration
	RunAt      *time.Time
}

// Enqueue validates spec, fills defaults, and inserts the job. Initial state
// is scheduled iff run_at is in the future, pending otherwise.
func (s *Service) Enqueue(ctx context.Context, spec EnqueueSpec) (*job.Job, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("%w: command must not be empty", ErrInvalidJobSpec)
	}

	settings, err := s.store.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:         spec.ID,
		Command:    spec.Command,
		State:      job.StatePending,
		Priority:   spec.Priority,
		MaxRetries: settings.MaxRetries,
		Timeout:    settings.DefaultTimeout,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Priority == "" {
		j.Priority = job.PriorityMedium
	}
	if _, err := job.ParsePriority(string(j.Priority)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobSpec, err)
	}
	if spec.MaxRetries != nil {
		if *spec.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max retries must not be negative", ErrInvalidJobSpec)
		}
		j.MaxRetries = *spec.MaxRetries
	}
	if spec.Timeout != 0 {
		if spec.Timeout < 0 {
			return nil, fmt.Errorf("%w: timeout must be positive", ErrInvalidJobSpec)
		}
		j.Timeout = spec.Timeout
	}
	if spec.RunAt != nil {
		runAt := spec.RunAt.UTC()
		j.RunAt = &runAt
		if runAt.After(now) {
			j.State = job.StateScheduled
		}
	}

	if err := s.store.Insert(ctx, j); err != nil {
		return nil, err
	}
	s.metrics.JobEnqueued(j)
	s.log.Info("job enqueued",
		"job_id", j.ID, "priority", j.Priority, "state", j.State)
	return j, nil
}

// ClaimNext atomically claims the next eligible job for workerID.
// Returns (nil, nil) when no job is available.
func (s *Service) ClaimNext(ctx context.Context, workerID string) (*job.Job, error) {
	j, err := s.store.ClaimNext(ctx, workerID)
	if err != nil || j == nil {
		return nil, err
	}
	s.metrics.JobStarted(j)
	s.log.Info("job claimed",
		"job_id", j.ID, "worker_id", workerID, "priority", j.Priority, "attempt", j.Attempts+1)
	return j, nil
}

// Complete transitions a processing job to completed and appends the
// successful execution record. Version conflicts are recovered by re-reading;
// the operation is abandoned if the job has left processing in the meantime.
func (s *Service) Complete(ctx context.Context, id string, exitCode int, outputRef string) error {
	for range casRetries {
		j, err := s.store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if j.State != job.StateProcessing {
			s.log.Warn("complete skipped: job no longer processing",
				"job_id", id, "state", j.State)
			return nil
		}

		rec := executionRecord(j, exitCode, "", outputRef, true)
		updated, err := s.store.Complete(ctx, id, j.Version, exitCode, outputRef, rec)
		if err != nil {
			return err
		}
		if updated != nil {
			s.metrics.JobCompleted(updated)
			s.log.Info("job completed", "job_id", id, "exit_code", exitCode, "attempts", updated.Attempts)
			return nil
		}
		// Version conflict: re-read and reapply.
	}
	return fmt.Errorf("complete job %s: version conflict persisted", id)
}

// Fail records a failed attempt and either reschedules the job with backoff
// or moves it to the DLQ when the retry budget is exhausted.
func (s *Service) Fail(ctx context.Context, id string, exitCode int, reason string) error {
	settings, err := s.store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	pol := retry.Policy{BaseDelay: settings.BaseDelay, MaxDelay: settings.MaxDelay}

	for range casRetries {
		j, err := s.store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if j.State != job.StateProcessing {
			s.log.Warn("fail skipped: job no longer processing",
				"job_id", id, "state", j.State)
			return nil
		}

		rec := executionRecord(j, exitCode, reason, "", false)

		if retry.ShouldRetry(j.Attempts, j.MaxRetries) {
			// Delay grows with the number of completed attempts, this failure
			// included: the first retry waits base*2^1.
			delay := pol.Delay(j.Attempts + 1)
			nextRunAt := time.Now().UTC().Add(delay)
			updated, err := s.store.ScheduleRetry(ctx, id, j.Version, nextRunAt, exitCode, reason, rec)
			if err != nil {
				return err
			}
			if updated != nil {
				s.metrics.JobRetried(updated)
				s.log.Info("job scheduled for retry",
					"job_id", id, "attempt", updated.Attempts, "next_run_at", nextRunAt, "delay", delay)
				return nil
			}
		} else {
			updated, err := s.store.MoveToDLQ(ctx, id, j.Version,
				"max retries exceeded: "+reason, &rec)
			if err != nil {
				return err
			}
			if updated != nil {
				s.metrics.JobDead(updated)
				s.log.Warn("job moved to dead-letter queue",
					"job_id", id, "attempts", updated.Attempts, "reason", reason)
				return nil
			}
		}
		// Version conflict: re-read and reapply.
	}
	return fmt.Errorf("fail job %s: version conflict persisted", id)
}

// FailNonRetryable bypasses the retry budget and moves the job straight to
// the DLQ with an auditable reason. Used for rejected commands.
func (s *Service) FailNonRetryable(ctx context.Context, id string, exitCode int, reason string) error {
	for range casRetries {
		j, err := s.store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if j.State != job.StateProcessing {
			s.log.Warn("non-retryable fail skipped: job no longer processing",
				"job_id", id, "state", j.State)
			return nil
		}
		rec := executionRecord(j, exitCode, reason, "", false)
		updated, err := s.store.MoveToDLQ(ctx, id, j.Version, reason, &rec)
		if err != nil {
			return err
		}
		if updated != nil {
			s.metrics.JobDead(updated)
			s.log.Warn("job rejected to dead-letter queue", "job_id", id, "reason", reason)
			return nil
		}
	}
	return fmt.Errorf("fail job %s: version conflict persisted", id)
}

// TimeoutJob fails a job whose execution exceeded its deadline. Invoked by
// the reaper; the executor's own timeout normally fires first.
func (s *Service) TimeoutJob(ctx context.Context, id string) error {
	return s.Fail(ctx, id, -1, "timed out")
}

// Cancel marks a non-terminal job cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("cancel job %s: job is already terminal", id)
	}
	s.log.Info("job cancelled", "job_id", id)
	return j, nil
}

// PromoteScheduled moves every scheduled job whose run_at has arrived to
// pending. Each row is promoted via CAS, so overlapping sweeps are safe.
func (s *Service) PromoteScheduled(ctx context.Context) error {
	due, err := s.store.ScheduledDue(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, j := range due {
		promoted, err := s.store.Transition(ctx, j.ID, j.Version, job.StatePending)
		if err != nil {
			return err
		}
		if promoted != nil {
			s.log.Info("scheduled job promoted", "job_id", j.ID)
		}
	}
	return nil
}

// ReapTimeouts fails every processing job whose deadline has passed.
func (s *Service) ReapTimeouts(ctx context.Context) error {
	expired, err := s.store.ExpiredProcessing(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, j := range expired {
		s.log.Warn("reaping timed-out job",
			"job_id", j.ID, "worker_id", j.WorkerID, "deadline_at", j.DeadlineAt)
		if err := s.TimeoutJob(ctx, j.ID); err != nil {
			s.log.Error("reap timed-out job", "job_id", j.ID, "error", err)
		}
	}
	return nil
}

// CleanupTerminal applies the retention policy to terminal jobs.
func (s *Service) CleanupTerminal(ctx context.Context) error {
	settings, err := s.store.LoadSettings(ctx)
	if err != nil {
		return err
	}
	n, err := s.store.CleanupTerminal(ctx, settings.CleanupCompletedAfter, settings.CleanupFailedAfter)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("cleaned up terminal jobs", "count", n)
	}
	return nil
}

// Run executes the background sweeps until ctx is cancelled: scheduled-job
// promotion, the timeout reaper, and retention cleanup. Uses time.NewTicker
// (not time.After) to avoid timer leaks.
func (s *Service) Run(ctx context.Context) {
	promoteTicker := time.NewTicker(promoteInterval)
	reapTicker := time.NewTicker(reapInterval)
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer promoteTicker.Stop()
	defer reapTicker.Stop()
	defer cleanupTicker.Stop()

	s.log.Info("queue sweepers started",
		"promote_interval", promoteInterval, "reap_interval", reapInterval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("queue sweepers stopping")
			return
		case <-promoteTicker.C:
			if err := s.PromoteScheduled(ctx); err != nil {
				s.log.Error("promote scheduled jobs", "error", err)
			}
		case <-reapTicker.C:
			if err := s.ReapTimeouts(ctx); err != nil {
				s.log.Error("reap timeouts", "error", err)
			}
		case <-cleanupTicker.C:
			if err := s.CleanupTerminal(ctx); err != nil {
				s.log.Error("cleanup terminal jobs", "error", err)
			}
		}
	}
}

// Stats is the per-state and per-priority snapshot returned by Stats.
type Stats struct {
	Total      int64
	ByState    map[job.State]int64
	ByPriority map[job.Priority]int64
}

// Stats returns queue counts for monitoring.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	total, err := s.store.CountAll(ctx)
	if err != nil {
		return nil, err
	}
	byState := make(map[job.State]int64)
	for _, st := range []job.State{
		job.StatePending, job.StateScheduled, job.StateProcessing,
		job.StateCompleted, job.StateDead, job.StateCancelled,
	} {
		n, err := s.store.CountByState(ctx, st)
		if err != nil {
			return nil, err
		}
		byState[st] = n
	}
	byPriority, err := s.store.CountByPriority(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Total: total, ByState: byState, ByPriority: byPriority}, nil
}

// DLQList returns dead jobs, most recent first.
func (s *Service) DLQList(ctx context.Context, limit int) ([]*job.Job, error) {
	return s.store.DLQList(ctx, limit)
}

// DLQRetry resurrects a dead job back to pending.
func (s *Service) DLQRetry(ctx context.Context, id string, resetAttempts bool, newMaxRetries *int) (*job.Job, error) {
	j, err := s.store.DLQRetry(ctx, id, resetAttempts, newMaxRetries)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("dlq retry %s: job is not in the dead-letter queue", id)
	}
	s.log.Info("job retried from dead-letter queue",
		"job_id", id, "reset_attempts", resetAttempts)
	return j, nil
}

// DLQPurgeAll removes every dead job.
func (s *Service) DLQPurgeAll(ctx context.Context) (int64, error) {
	return s.store.DLQPurgeAll(ctx)
}

// DLQPurgeOlderThan removes dead jobs older than age.
func (s *Service) DLQPurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return s.store.DLQPurgeOlderThan(ctx, age)
}

// executionRecord builds the history entry for the attempt that just ended.
// The attempt number is 1-based: the job's completed attempts plus this one.
func executionRecord(j *job.Job, exitCode int, errMsg, outputRef string, successful bool) job.Execution {
	now := time.Now().UTC()
	started := now
	if j.StartedAt != nil {
		started = *j.StartedAt
	}
	return job.Execution{
		AttemptNumber: j.Attempts + 1,
		WorkerID:      j.WorkerID,
		StartedAt:     started,
		FinishedAt:    &now,
		ExitCode:      &exitCode,
		ErrorMessage:  errMsg,
		OutputRef:     outputRef,
		Successful:    successful,
	}
}
