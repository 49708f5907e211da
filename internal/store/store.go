// Package store is the data access layer for the job queue. All mutation goes
// through single-statement atomic operations against Postgres: the claim is
// an UPDATE over a FOR UPDATE SKIP LOCKED subselect, and every other write
// either bumps the version unconditionally while guarded by current state, or
// is a compare-and-swap keyed on the version column.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harishvreddy10/-queuectl/internal/job"
)

// Sentinel errors surfaced to callers. Wrap-aware: check with errors.Is.
var (
	// ErrDuplicateID — insert collided with an existing job id.
	ErrDuplicateID = errors.New("duplicate job id")
	// ErrNotFound — no job with the given id.
	ErrNotFound = errors.New("job not found")
)

// Store is the central data access object, backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (health checks, tests).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// jobCols is the column list every job query selects, in scanJob order.
const jobCols = `id, command, state, priority, attempts, max_retries, timeout_ms,
	created_at, updated_at, run_at, claimed_at, started_at, finished_at, deadline_at,
	worker_id, exit_code, error_message, output_ref, execution_history, version`

// scanJob maps one row of jobCols into a job.Job.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		state     string
		priority  string
		timeoutMS int64
		workerID  *string
		errMsg    *string
		outputRef *string
		history   []byte
	)
	err := row.Scan(
		&j.ID, &j.Command, &state, &priority, &j.Attempts, &j.MaxRetries, &timeoutMS,
		&j.CreatedAt, &j.UpdatedAt, &j.RunAt, &j.ClaimedAt, &j.StartedAt, &j.FinishedAt, &j.DeadlineAt,
		&workerID, &j.ExitCode, &errMsg, &outputRef, &history, &j.Version,
	)
	if err != nil {
		return nil, err
	}
	j.State = job.State(state)
	j.Priority = job.Priority(priority)
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if workerID != nil {
		j.WorkerID = *workerID
	}
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	if outputRef != nil {
		j.OutputRef = *outputRef
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &j.History); err != nil {
			return nil, fmt.Errorf("decode execution history for %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

// queryJob runs a query expected to return at most one jobCols row.
// Returns (nil, nil) when the query matched nothing.
func (s *Store) queryJob(ctx context.Context, sql string, args ...any) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// marshalExecution encodes a history record for a jsonb append.
func marshalExecution(rec job.Execution) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode execution record: %w", err)
	}
	return b, nil
}
