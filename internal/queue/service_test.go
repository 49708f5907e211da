// ABOUTME: Integration tests for the queue service: state machine, retry-or-DLQ,
// ABOUTME: sweepers, crash recovery, and the DLQ round trip.
package queue_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harishvreddy10/-queuectl/internal/job"
	"github.com/harishvreddy10/-queuectl/internal/metrics"
	"github.com/harishvreddy10/-queuectl/internal/queue"
	"github.com/harishvreddy10/-queuectl/internal/testutil"
)

func newService(t *testing.T) *queue.Service {
	t.Helper()
	return queue.New(testutil.NewTestDB(t), metrics.NewNop())
}

func TestEnqueue_Defaults(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	j, err := svc.Enqueue(ctx, queue.EnqueueSpec{Command: "echo hi"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.ID == "" {
		t.Error("id not generated")
	}
	if j.State != job.StatePending {
		t.Errorf("state = %s, want pending", j.State)
	}
	if j.Priority != job.PriorityMedium {
		t.Errorf("priority = %s, want medium", j.Priority)
	}
	if j.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want config default 3", j.MaxRetries)
	}
	if j.Timeout != 30*time.Minute {
		t.Errorf("timeout = %s, want config default 30m", j.Timeout)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{Command: "   "}); !errors.Is(err, queue.ErrInvalidJobSpec) {
		t.Errorf("empty command: got %v, want ErrInvalidJobSpec", err)
	}
	neg := -1
	if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{Command: "echo", MaxRetries: &neg}); !errors.Is(err, queue.ErrInvalidJobSpec) {
		t.Errorf("negative retries: got %v, want ErrInvalidJobSpec", err)
	}
	if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{Command: "echo", Priority: "urgent"}); !errors.Is(err, queue.ErrInvalidJobSpec) {
		t.Errorf("bad priority: got %v, want ErrInvalidJobSpec", err)
	}
}

func TestEnqueue_FutureRunAtIsScheduled(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	j, err := svc.Enqueue(ctx, queue.EnqueueSpec{Command: "echo hi", RunAt: &future})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.State != job.StateScheduled {
		t.Errorf("state = %s, want scheduled for future run_at", j.State)
	}

	past := time.Now().UTC().Add(-time.Hour)
	j, err = svc.Enqueue(ctx, queue.EnqueueSpec{Command: "echo hi", RunAt: &past})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.State != job.StatePending {
		t.Errorf("state = %s, want pending for past run_at", j.State)
	}
}

func TestCompleteLifecycle(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	j, err := svc.Enqueue(ctx, queue.EnqueueSpec{ID: "s1", Command: "echo OK"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := svc.ClaimNext(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v %v", claimed, err)
	}
	if err := svc.Complete(ctx, claimed.ID, 0, "ref-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := svc.Store().GetByID(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit_code = %v, want 0", got.ExitCode)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set")
	}
	if len(got.History) != 1 || !got.History[0].Successful {
		t.Errorf("history = %+v, want one successful record", got.History)
	}
	if got.WorkerID != "" || got.ClaimedAt != nil || got.DeadlineAt != nil {
		t.Error("claim fields must be null outside processing")
	}
}

func TestFail_SchedulesRetryWithBackoff(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{ID: "retry-me", Command: "exit 1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := svc.ClaimNext(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v %v", claimed, err)
	}

	before := time.Now().UTC()
	if err := svc.Fail(ctx, claimed.ID, 1, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, err := svc.Store().GetByID(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != job.StatePending {
		t.Errorf("state = %s, want pending for retry", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	// First retry delay is base*2^1 = 2s with the default 1s base.
	if got.RunAt == nil {
		t.Fatal("run_at not set for retry")
	}
	if wait := got.RunAt.Sub(before); wait < 1900*time.Millisecond {
		t.Errorf("retry delay %s, want >= 2s", wait)
	}
	if len(got.History) != 1 || got.History[0].Successful {
		t.Errorf("history = %+v, want one failure record", got.History)
	}
}

func TestFail_ExhaustedBudgetGoesToDLQ(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	one := 1
	if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{ID: "s3", Command: "exit 1", MaxRetries: &one}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Attempt 1 fails → retried. Attempt 2 fails → DLQ.
	for i := 0; i < 2; i++ {
		// Clear the backoff so the retry is immediately claimable.
		if _, err := svc.Store().Pool().Exec(ctx,
			`UPDATE jobs SET run_at = NULL WHERE id = 's3'`); err != nil {
			t.Fatalf("clear run_at: %v", err)
		}
		claimed, err := svc.ClaimNext(ctx, "w1")
		if err != nil || claimed == nil {
			t.Fatalf("ClaimNext round %d: %v %v", i, claimed, err)
		}
		if err := svc.Fail(ctx, claimed.ID, 1, "always fails"); err != nil {
			t.Fatalf("Fail round %d: %v", i, err)
		}
	}

	got, err := svc.Store().GetByID(ctx, "s3")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != job.StateDead {
		t.Errorf("state = %s, want dead", got.State)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want exactly 2 (initial + one retry)", got.Attempts)
	}
	if !strings.Contains(got.ErrorMessage, "max retries") {
		t.Errorf("error_message = %q, want 'max retries'", got.ErrorMessage)
	}
	if len(got.History) != 2 {
		t.Errorf("history length = %d, want 2", len(got.History))
	}
}

func TestFailNonRetryable_StraightToDLQ(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{ID: "bad-cmd", Command: "rm -rf /"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := svc.ClaimNext(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v %v", claimed, err)
	}
	if err := svc.FailNonRetryable(ctx, claimed.ID, -1, "command rejected: contains blocked pattern"); err != nil {
		t.Fatalf("FailNonRetryable: %v", err)
	}

	got, err := svc.Store().GetByID(ctx, "bad-cmd")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != job.StateDead {
		t.Errorf("state = %s, want dead without any retry", got.State)
	}
	if !strings.Contains(got.ErrorMessage, "command rejected") {
		t.Errorf("error_message = %q, want auditable rejection reason", got.ErrorMessage)
	}
}

func TestTimeoutJob_ReasonInHistory(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{ID: "slow", Command: "sleep 60"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := svc.ClaimNext(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v %v", claimed, err)
	}
	if err := svc.TimeoutJob(ctx, claimed.ID); err != nil {
		t.Fatalf("TimeoutJob: %v", err)
	}

	got, err := svc.Store().GetByID(ctx, "slow")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != job.StatePending {
		t.Errorf("state = %s, want pending (retry budget not exhausted)", got.State)
	}
	if len(got.History) != 1 || !strings.Contains(got.History[0].ErrorMessage, "timed out") {
		t.Errorf("history = %+v, want a 'timed out' record", got.History)
	}
}

func TestReapTimeouts(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	timeout := 50 * time.Millisecond
	if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{ID: "expired", Command: "sleep 60", Timeout: timeout}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := svc.ClaimNext(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v %v", claimed, err)
	}

	time.Sleep(200 * time.Millisecond) // let the deadline pass

	if err := svc.ReapTimeouts(ctx); err != nil {
		t.Fatalf("ReapTimeouts: %v", err)
	}

	got, err := svc.Store().GetByID(ctx, "expired")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State == job.StateProcessing {
		t.Error("job left in processing after reap")
	}
	if len(got.History) != 1 || !strings.Contains(got.History[0].ErrorMessage, "timed out") {
		t.Errorf("history = %+v, want a 'timed out' record", got.History)
	}
}

func TestPromoteScheduled(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	soon := time.Now().UTC().Add(50 * time.Millisecond)
	if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{ID: "sched", Command: "echo hi", RunAt: &soon}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Before run_at: not promoted, not claimable.
	if err := svc.PromoteScheduled(ctx); err != nil {
		t.Fatalf("PromoteScheduled: %v", err)
	}
	got, err := svc.Store().GetByID(ctx, "sched")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != job.StateScheduled {
		t.Errorf("state = %s before run_at, want scheduled", got.State)
	}

	time.Sleep(100 * time.Millisecond)
	if err := svc.PromoteScheduled(ctx); err != nil {
		t.Fatalf("PromoteScheduled: %v", err)
	}
	got, err = svc.Store().GetByID(ctx, "sched")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != job.StatePending {
		t.Errorf("state = %s after run_at, want pending", got.State)
	}
}

func TestRecover_ResetsProcessing(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	for _, id := range []string{"crash-1", "crash-2"} {
		if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{ID: id, Command: "echo hi"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if j, err := svc.ClaimNext(ctx, "dead-worker"); err != nil || j == nil {
			t.Fatalf("ClaimNext: %v %v", j, err)
		}
	}

	n, err := svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered %d jobs, want 2", n)
	}

	for _, id := range []string{"crash-1", "crash-2"} {
		got, err := svc.Store().GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.State != job.StatePending {
			t.Errorf("%s state = %s, want pending", id, got.State)
		}
		if got.WorkerID != "" || got.ClaimedAt != nil || got.StartedAt != nil || got.DeadlineAt != nil {
			t.Errorf("%s claim fields not cleared", id)
		}
		if got.Attempts != 0 {
			t.Errorf("%s attempts = %d, crash recovery must not count an attempt", id, got.Attempts)
		}
	}
}

func TestDLQRoundTrip(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	zero := 0
	if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{ID: "round", Command: "flaky", MaxRetries: &zero}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Force a failure past the (zero) budget.
	claimed, err := svc.ClaimNext(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v %v", claimed, err)
	}
	if err := svc.Fail(ctx, claimed.ID, 1, "flaked"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, err := svc.Store().GetByID(ctx, "round")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != job.StateDead {
		t.Fatalf("state = %s, want dead", got.State)
	}

	// Resurrect with reset attempts, then complete.
	if _, err := svc.DLQRetry(ctx, "round", true, nil); err != nil {
		t.Fatalf("DLQRetry: %v", err)
	}
	claimed, err = svc.ClaimNext(ctx, "w2")
	if err != nil || claimed == nil {
		t.Fatalf("re-ClaimNext: %v %v", claimed, err)
	}
	if err := svc.Complete(ctx, claimed.ID, 0, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err = svc.Store().GetByID(ctx, "round")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 after reset and success", got.Attempts)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{ID: "c1", Command: "echo hi"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j, err := svc.Cancel(ctx, "c1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if j.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", j.State)
	}

	// Terminal states are absorbing.
	if _, err := svc.Cancel(ctx, "c1"); err == nil {
		t.Error("cancelling a cancelled job should fail")
	}
	if got, _ := svc.ClaimNext(ctx, "w"); got != nil {
		t.Errorf("claimed cancelled job %s", got.ID)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{Command: "echo 1", Priority: job.PriorityHigh}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := svc.Enqueue(ctx, queue.EnqueueSpec{Command: "echo 2"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := svc.ClaimNext(ctx, "w"); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
	if stats.ByState[job.StatePending]+stats.ByState[job.StateProcessing] != 2 {
		t.Errorf("state counts = %v", stats.ByState)
	}
	if stats.ByPriority[job.PriorityHigh] != 1 || stats.ByPriority[job.PriorityMedium] != 1 {
		t.Errorf("priority counts = %v", stats.ByPriority)
	}
}
