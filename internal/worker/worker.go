// Package worker provides the job-processing loop and the pool that manages
// a set of workers. Each worker owns a stable id, claims one job at a time
// through the queue service's atomic claim, executes it through the shell
// executor, and reports the outcome back.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harishvreddy10/-queuectl/internal/executor"
	"github.com/harishvreddy10/-queuectl/internal/queue"
)

// Worker claims and executes jobs until asked to stop.
type Worker struct {
	id       string
	svc      *queue.Service
	exec     *executor.Executor
	poll     time.Duration
	log      *slog.Logger
	running  atomic.Bool
	stopping atomic.Bool

	mu         sync.Mutex
	currentJob string
	cancelRun  context.CancelFunc
}

// NewWorker creates a Worker with a generated id.
func NewWorker(svc *queue.Service, exec *executor.Executor, pollInterval time.Duration) *Worker {
	id := "worker-" + uuid.New().String()[:8]
	return &Worker{
		id:   id,
		svc:  svc,
		exec: exec,
		poll: pollInterval,
		log:  slog.Default().With("worker_id", id),
	}
}

// ID returns the worker's stable identifier.
func (w *Worker) ID() string { return w.id }

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool { return w.running.Load() }

// CurrentJobID returns the id of the job being executed, or "" when idle.
func (w *Worker) CurrentJobID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentJob
}

// Run is the worker loop. It exits when ctx is cancelled or StopGraceful was
// requested; either way the in-flight job finishes first unless StopImmediate
// cancelled its execution context.
func (w *Worker) Run(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	w.log.Info("worker started")

	for {
		if w.stopping.Load() || ctx.Err() != nil {
			w.log.Info("worker stopped")
			return
		}

		claimed := w.processOne(ctx)
		if claimed {
			continue // drain the queue before sleeping
		}

		// Nothing available (or transient store failure): poll again later.
		// time.NewTimer (not time.After) to avoid leaking the timer on cancel.
		timer := time.NewTimer(w.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.log.Info("worker stopped")
			return
		case <-timer.C:
		}
	}
}

// processOne claims and executes a single job. Returns false when no job was
// available so the loop can sleep. Worker-local panics fail the current job
// with a generic reason; the loop continues.
func (w *Worker) processOne(ctx context.Context) bool {
	j, err := w.svc.ClaimNext(ctx, w.id)
	if err != nil {
		if ctx.Err() != nil {
			return false // shutting down, not a store fault
		}
		// Store unavailability is a transient poll failure.
		w.log.Error("claim next job", "error", err)
		return false
	}
	if j == nil {
		return false
	}

	// The execution context outlives graceful shutdown (the job finishes)
	// but is severed by StopImmediate.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.mu.Lock()
	w.currentJob = j.ID
	w.cancelRun = cancel
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		w.currentJob = ""
		w.cancelRun = nil
		w.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker panic during job", "job_id", j.ID, "panic", r)
			if err := w.svc.Fail(runCtx, j.ID, -1, fmt.Sprintf("worker error: %v", r)); err != nil {
				w.log.Error("fail job after panic", "job_id", j.ID, "error", err)
			}
		}
	}()

	if err := executor.CheckCommand(j.Command); err != nil {
		if failErr := w.svc.FailNonRetryable(runCtx, j.ID, -1, err.Error()); failErr != nil {
			w.log.Error("reject job", "job_id", j.ID, "error", failErr)
		}
		return true
	}

	w.log.Info("executing job", "job_id", j.ID, "command", j.Command, "timeout", j.Timeout)
	res := w.exec.Run(runCtx, j.ID, j.Command, j.Timeout)

	if res.Success {
		if err := w.svc.Complete(runCtx, j.ID, res.ExitCode, res.OutputRef); err != nil {
			w.log.Error("complete job", "job_id", j.ID, "error", err)
		}
		return true
	}

	if err := w.svc.Fail(runCtx, j.ID, res.ExitCode, res.ErrorReason); err != nil {
		w.log.Error("fail job", "job_id", j.ID, "error", err)
	}
	return true
}

// StopGraceful asks the loop to exit after the in-flight job finishes.
func (w *Worker) StopGraceful() {
	w.stopping.Store(true)
}

// StopImmediate stops claiming and abandons the in-flight execution by
// cancelling its context. The orphaned claim is released by the pool via
// ResetWorker, or by the timeout reaper.
func (w *Worker) StopImmediate() {
	w.stopping.Store(true)
	w.mu.Lock()
	if w.cancelRun != nil {
		w.cancelRun()
	}
	w.mu.Unlock()
}
