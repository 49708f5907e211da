// ABOUTME: Store methods for job persistence and the atomic claim protocol.
// ABOUTME: Single-statement UPDATEs keep all transitions race-free; CAS keys on version.
package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/harishvreddy10/-queuectl/internal/job"
)

// Insert persists a new job. Fails with ErrDuplicateID when the id exists.
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, command, state, priority, priority_weight, attempts,
			max_retries, timeout_ms, created_at, updated_at, run_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0)`,
		j.ID, j.Command, string(j.State), string(j.Priority), j.Priority.Weight(),
		j.Attempts, j.MaxRetries, j.Timeout.Milliseconds(),
		j.CreatedAt, j.UpdatedAt, j.RunAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert job %s: %w", j.ID, ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// GetByID returns the job with the given id, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.queryJob(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if j == nil {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return j, nil
}

// CountByState returns the number of jobs in the given state.
func (s *Store) CountByState(ctx context.Context, state job.State) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE state = $1`, string(state)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs by state %s: %w", state, err)
	}
	return n, nil
}

// CountAll returns the total number of jobs.
func (s *Store) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// CountByPriority returns the per-priority breakdown across all jobs.
func (s *Store) CountByPriority(ctx context.Context) (map[job.Priority]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT priority, count(*) FROM jobs GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by priority: %w", err)
	}
	defer rows.Close()

	out := make(map[job.Priority]int64)
	for rows.Next() {
		var p string
		var n int64
		if err := rows.Scan(&p, &n); err != nil {
			return nil, fmt.Errorf("count jobs by priority: %w", err)
		}
		out[job.Priority(p)] = n
	}
	return out, rows.Err()
}

// ListParams holds the optional filters, paging, and sort for List.
type ListParams struct {
	State    *job.State
	Priority *job.Priority
	WorkerID string
	Limit    int
	Offset   int
	OrderBy  string // defaults to created_at
	Desc     bool
}

// List returns jobs matching the filters, built with squirrel so absent
// filters add no predicates.
func (s *Store) List(ctx context.Context, p ListParams) ([]*job.Job, error) {
	q := sq.Select(jobCols).From("jobs").PlaceholderFormat(sq.Dollar)

	if p.State != nil {
		q = q.Where(sq.Eq{"state": string(*p.State)})
	}
	if p.Priority != nil {
		q = q.Where(sq.Eq{"priority": string(*p.Priority)})
	}
	if p.WorkerID != "" {
		q = q.Where(sq.Eq{"worker_id": p.WorkerID})
	}

	orderBy := p.OrderBy
	switch orderBy {
	case "", "created_at", "updated_at", "priority_weight", "run_at":
	default:
		orderBy = ""
	}
	if orderBy == "" {
		orderBy = "created_at"
	}
	dir := "ASC"
	if p.Desc {
		dir = "DESC"
	}
	q = q.OrderBy(orderBy + " " + dir)

	if p.Limit > 0 {
		q = q.Limit(uint64(p.Limit))
	}
	if p.Offset > 0 {
		q = q.Offset(uint64(p.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// claimSQL selects the highest-weight, oldest eligible pending job and claims
// it in the same statement. FOR UPDATE SKIP LOCKED makes concurrent callers
// skip a row already being claimed, so no two workers ever win the same job.
// deadline_at is computed from the job's own captured timeout at claim time.
const claimSQL = `
UPDATE jobs SET
	state       = 'processing',
	worker_id   = $1,
	claimed_at  = now(),
	started_at  = now(),
	deadline_at = now() + (timeout_ms * interval '1 millisecond'),
	updated_at  = now(),
	version     = version + 1
WHERE id = (
	SELECT id FROM jobs
	WHERE state = 'pending' AND (run_at IS NULL OR run_at <= now())
	ORDER BY priority_weight DESC, created_at ASC, id ASC
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING ` + jobCols

// ClaimNext atomically claims the next eligible pending job for workerID.
// Returns (nil, nil) when no job is currently available.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*job.Job, error) {
	j, err := s.queryJob(ctx, claimSQL, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return j, nil
}

// Release returns a processing job to pending without recording an attempt.
// Only succeeds when the job is still owned by workerID; the released job
// keeps its attempt count.
func (s *Store) Release(ctx context.Context, id, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state       = 'pending',
			worker_id   = NULL,
			claimed_at  = NULL,
			started_at  = NULL,
			deadline_at = NULL,
			updated_at  = now(),
			version     = version + 1
		WHERE id = $1 AND worker_id = $2 AND state = 'processing'`,
		id, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("release job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Transition performs a compare-and-swap state change keyed on version.
// Returns (nil, nil) on version mismatch or missing job — the caller re-reads
// and reapplies. Terminal states also stamp finished_at.
func (s *Store) Transition(ctx context.Context, id string, expectedVersion int64, newState job.State) (*job.Job, error) {
	finished := "finished_at"
	if newState.Terminal() {
		finished = "now()"
	}
	j, err := s.queryJob(ctx, `
		UPDATE jobs SET
			state       = $3,
			finished_at = `+finished+`,
			updated_at  = now(),
			version     = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+jobCols,
		id, expectedVersion, string(newState),
	)
	if err != nil {
		return nil, fmt.Errorf("transition job %s to %s: %w", id, newState, err)
	}
	return j, nil
}

// Complete marks a processing job completed and appends the successful
// execution record in the same statement. CAS on version; (nil, nil) on miss.
func (s *Store) Complete(ctx context.Context, id string, expectedVersion int64, exitCode int, outputRef string, rec job.Execution) (*job.Job, error) {
	recJSON, err := marshalExecution(rec)
	if err != nil {
		return nil, err
	}
	var ref *string
	if outputRef != "" {
		ref = &outputRef
	}
	j, err := s.queryJob(ctx, `
		UPDATE jobs SET
			state             = 'completed',
			exit_code         = $3,
			output_ref        = $4,
			error_message     = NULL,
			finished_at       = now(),
			worker_id         = NULL,
			claimed_at        = NULL,
			deadline_at       = NULL,
			attempts          = attempts + 1,
			execution_history = execution_history || $5::jsonb,
			updated_at        = now(),
			version           = version + 1
		WHERE id = $1 AND version = $2 AND state = 'processing'
		RETURNING `+jobCols,
		id, expectedVersion, exitCode, ref, recJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("complete job %s: %w", id, err)
	}
	return j, nil
}

// ScheduleRetry moves a failed job back to pending with a future run_at,
// bumping attempts and appending the failed execution record, all in one
// atomic step. CAS on version so a racing reaper and worker cannot both
// record the same failure; returns (nil, nil) on mismatch.
func (s *Store) ScheduleRetry(ctx context.Context, id string, expectedVersion int64, nextRunAt time.Time, exitCode int, reason string, rec job.Execution) (*job.Job, error) {
	recJSON, err := marshalExecution(rec)
	if err != nil {
		return nil, err
	}
	j, err := s.queryJob(ctx, `
		UPDATE jobs SET
			state             = 'pending',
			run_at            = $3,
			attempts          = attempts + 1,
			exit_code         = $4,
			error_message     = $5,
			worker_id         = NULL,
			claimed_at        = NULL,
			started_at        = NULL,
			deadline_at       = NULL,
			execution_history = execution_history || $6::jsonb,
			updated_at        = now(),
			version           = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+jobCols,
		id, expectedVersion, nextRunAt, exitCode, reason, recJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("schedule retry for job %s: %w", id, err)
	}
	return j, nil
}

// MoveToDLQ marks a job dead with the given reason, appending the final
// failed execution record when one is supplied. CAS on version; returns
// (nil, nil) on mismatch.
func (s *Store) MoveToDLQ(ctx context.Context, id string, expectedVersion int64, reason string, rec *job.Execution) (*job.Job, error) {
	// jsonb array || object appends the object; || empty array is a no-op.
	histAppend := []byte(`[]`)
	bumpAttempts := 0
	if rec != nil {
		var err error
		if histAppend, err = marshalExecution(*rec); err != nil {
			return nil, err
		}
		bumpAttempts = 1
	}
	j, err := s.queryJob(ctx, `
		UPDATE jobs SET
			state             = 'dead',
			error_message     = $3,
			finished_at       = now(),
			worker_id         = NULL,
			claimed_at        = NULL,
			started_at        = NULL,
			deadline_at       = NULL,
			attempts          = attempts + $4,
			execution_history = execution_history || $5::jsonb,
			updated_at        = now(),
			version           = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+jobCols,
		id, expectedVersion, reason, bumpAttempts, histAppend,
	)
	if err != nil {
		return nil, fmt.Errorf("move job %s to dlq: %w", id, err)
	}
	return j, nil
}

// ResetAllProcessing rewrites every processing job back to pending, clearing
// claim fields. Boot-time crash recovery: attempts are NOT bumped because no
// attempt was observed to completion. Idempotent.
func (s *Store) ResetAllProcessing(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state       = 'pending',
			worker_id   = NULL,
			claimed_at  = NULL,
			started_at  = NULL,
			deadline_at = NULL,
			updated_at  = now(),
			version     = version + 1
		WHERE state = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("reset processing jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetWorker releases every job still claimed by workerID. Used when a
// worker is stopped immediately with a job in flight.
func (s *Store) ResetWorker(ctx context.Context, workerID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state       = 'pending',
			worker_id   = NULL,
			claimed_at  = NULL,
			started_at  = NULL,
			deadline_at = NULL,
			updated_at  = now(),
			version     = version + 1
		WHERE worker_id = $1 AND state = 'processing'`,
		workerID,
	)
	if err != nil {
		return 0, fmt.Errorf("reset jobs for worker %s: %w", workerID, err)
	}
	return tag.RowsAffected(), nil
}

// ScheduledDue returns scheduled jobs whose run_at has arrived, for the
// promotion sweeper. Each returned job is promoted individually via
// Transition so overlapping sweeps cannot double-apply.
func (s *Store) ScheduledDue(ctx context.Context, now time.Time) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE state = 'scheduled' AND run_at <= $1
		ORDER BY run_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("scheduled jobs due: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduled jobs due: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ExpiredProcessing returns processing jobs whose deadline has passed, for
// the timeout reaper.
func (s *Store) ExpiredProcessing(ctx context.Context, now time.Time) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE state = 'processing' AND deadline_at < $1
		ORDER BY deadline_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("expired processing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("expired processing jobs: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Cancel marks a non-terminal job cancelled. Returns the updated job, or
// (nil, nil) if the job is already terminal.
func (s *Store) Cancel(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.queryJob(ctx, `
		UPDATE jobs SET
			state       = 'cancelled',
			finished_at = now(),
			worker_id   = NULL,
			claimed_at  = NULL,
			started_at  = NULL,
			deadline_at = NULL,
			updated_at  = now(),
			version     = version + 1
		WHERE id = $1 AND state NOT IN ('completed', 'dead', 'cancelled')
		RETURNING `+jobCols,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if j == nil {
		// Distinguish a missing job from an already-terminal one.
		if _, getErr := s.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
	}
	return j, nil
}
