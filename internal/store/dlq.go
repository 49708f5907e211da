// ABOUTME: Store methods for the dead-letter queue: list, retry, and purge.
// ABOUTME: Also carries the terminal-job retention cleanup used by the hourly sweeper.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/harishvreddy10/-queuectl/internal/job"
)

// DLQList returns dead jobs, most recently failed first.
func (s *Store) DLQList(ctx context.Context, limit int) ([]*job.Job, error) {
	state := job.StateDead
	return s.List(ctx, ListParams{
		State:   &state,
		Limit:   limit,
		OrderBy: "updated_at",
		Desc:    true,
	})
}

// DLQRetry moves a dead job back to pending for immediate execution.
// resetAttempts zeroes the attempt counter; newMaxRetries, when non-nil,
// replaces the job's retry budget. Returns (nil, nil) if the job is not dead.
func (s *Store) DLQRetry(ctx context.Context, id string, resetAttempts bool, newMaxRetries *int) (*job.Job, error) {
	j, err := s.queryJob(ctx, `
		UPDATE jobs SET
			state         = 'pending',
			run_at        = NULL,
			attempts      = CASE WHEN $2 THEN 0 ELSE attempts END,
			max_retries   = COALESCE($3, max_retries),
			error_message = NULL,
			exit_code     = NULL,
			finished_at   = NULL,
			updated_at    = now(),
			version       = version + 1
		WHERE id = $1 AND state = 'dead'
		RETURNING `+jobCols,
		id, resetAttempts, newMaxRetries,
	)
	if err != nil {
		return nil, fmt.Errorf("retry dlq job %s: %w", id, err)
	}
	return j, nil
}

// DLQPurgeAll deletes every dead job. Returns the number removed.
func (s *Store) DLQPurgeAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE state = 'dead'`)
	if err != nil {
		return 0, fmt.Errorf("purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DLQPurgeOlderThan deletes dead jobs that entered the DLQ before now-age.
func (s *Store) DLQPurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE state = 'dead' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge dlq older than %s: %w", age, err)
	}
	return tag.RowsAffected(), nil
}

// CleanupTerminal deletes completed jobs older than completedAfter and
// dead/cancelled jobs older than failedAfter. job_outputs rows go with them
// via ON DELETE CASCADE. Returns the number of jobs removed.
func (s *Store) CleanupTerminal(ctx context.Context, completedAfter, failedAfter time.Duration) (int64, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE (state = 'completed' AND finished_at < $1)
		   OR (state IN ('dead', 'cancelled') AND updated_at < $2)`,
		now.Add(-completedAfter), now.Add(-failedAfter),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
