// Package job defines the Job entity, its lifecycle states, priority levels,
// and per-attempt execution records. The DLQ is not a separate collection —
// it is the set of jobs in StateDead.
package job

import (
	"fmt"
	"time"
)

// State is a job lifecycle state as persisted in the jobs table.
type State string

const (
	// StatePending — waiting to be claimed by a worker.
	StatePending State = "pending"
	// StateScheduled — run_at is in the future; promoted to pending when it arrives.
	StateScheduled State = "scheduled"
	// StateProcessing — currently owned by exactly one worker.
	StateProcessing State = "processing"
	// StateCompleted — finished successfully. Terminal.
	StateCompleted State = "completed"
	// StateDead — permanently failed, held in the dead-letter queue. Terminal.
	StateDead State = "dead"
	// StateCancelled — cancelled by an operator. Terminal.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is absorbing: no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDead || s == StateCancelled
}

// ParseState converts a persisted state label back to a State.
func ParseState(v string) (State, error) {
	switch State(v) {
	case StatePending, StateScheduled, StateProcessing, StateCompleted, StateDead, StateCancelled:
		return State(v), nil
	}
	return "", fmt.Errorf("unknown job state %q", v)
}

// Priority orders jobs within the queue. Higher weight claims first;
// within one priority, claims are FIFO on created_at.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Weight returns the numeric rank persisted alongside the label so the claim
// index can sort on it.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 1000
	case PriorityHigh:
		return 100
	case PriorityMedium:
		return 10
	case PriorityLow:
		return 1
	}
	return 0
}

// ParsePriority converts a priority label (case-insensitive on input paths is
// the CLI's concern; the store always holds lowercase) to a Priority.
func ParsePriority(v string) (Priority, error) {
	switch Priority(v) {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(v), nil
	}
	return "", fmt.Errorf("unknown job priority %q", v)
}

// Execution is one entry of a job's append-only execution history.
// Failed and timed-out attempts appear here with Successful=false; the
// top-level job state never holds a transient failed/timeout value.
type Execution struct {
	AttemptNumber int        `json:"attempt_number"`
	WorkerID      string     `json:"worker_id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	OutputRef     string     `json:"output_ref,omitempty"`
	Successful    bool       `json:"successful"`
}

// Job is the persistent record describing one unit of work: a shell command,
// its retry/timeout policy, and its lifecycle state.
type Job struct {
	ID         string
	Command    string
	State      State
	Priority   Priority
	Attempts   int
	MaxRetries int
	Timeout    time.Duration

	CreatedAt  time.Time
	UpdatedAt  time.Time
	RunAt      *time.Time
	ClaimedAt  *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	DeadlineAt *time.Time

	WorkerID     string
	ExitCode     *int
	ErrorMessage string
	OutputRef    string

	History []Execution

	// Version increments on every state-mutating write; all CAS updates key on it.
	Version int64
}

// ReadyToClaim reports whether the job is eligible for the claim query at now.
func (j *Job) ReadyToClaim(now time.Time) bool {
	return j.State == StatePending && (j.RunAt == nil || !j.RunAt.After(now))
}

// HasTimedOut reports whether a processing job has passed its deadline.
func (j *Job) HasTimedOut(now time.Time) bool {
	return j.State == StateProcessing && j.DeadlineAt != nil && now.After(*j.DeadlineAt)
}
