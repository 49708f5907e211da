// ABOUTME: Store methods for captured command output in job_outputs.
// ABOUTME: output_ref on a completed job and its successful history entry points at rows here.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SaveOutput stores one attempt's combined stdout/stderr and returns the
// output ref to record on the job.
func (s *Store) SaveOutput(ctx context.Context, jobID, content string) (string, error) {
	ref := uuid.New().String()
	filename := fmt.Sprintf("job_%s_output.log", jobID)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_outputs (id, job_id, filename, content, created_at)
		VALUES ($1, $2, $3, $4, now())`,
		ref, jobID, filename, content,
	)
	if err != nil {
		return "", fmt.Errorf("save output for job %s: %w", jobID, err)
	}
	return ref, nil
}

// GetOutput returns the stored content for an output ref, or ErrNotFound.
func (s *Store) GetOutput(ctx context.Context, ref string) (string, error) {
	var content string
	err := s.pool.QueryRow(ctx,
		`SELECT content FROM job_outputs WHERE id = $1`, ref).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("get output %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get output %s: %w", ref, err)
	}
	return content, nil
}
