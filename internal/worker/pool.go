// ABOUTME: Worker pool: start/scale/stop a set of workers keyed by worker id.
// ABOUTME: Graceful stop waits up to a timeout, then escalates and resets orphaned claims.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harishvreddy10/-queuectl/internal/executor"
	"github.com/harishvreddy10/-queuectl/internal/queue"
)

// Pool manages a set of Workers. All registry access is guarded by mu; the
// workers themselves coordinate only through the store's atomic operations.
type Pool struct {
	svc  *queue.Service
	exec *executor.Executor
	poll time.Duration
	log  *slog.Logger

	mu      sync.Mutex
	workers map[string]*Worker
	order   []string // insertion order, for scale-down fallback
	done    map[string]chan struct{}
	runCtx  context.Context
	started time.Time
}

// NewPool creates a Pool that runs workers with the given poll interval.
func NewPool(svc *queue.Service, exec *executor.Executor, pollInterval time.Duration) *Pool {
	return &Pool{
		svc:     svc,
		exec:    exec,
		poll:    pollInterval,
		log:     slog.Default(),
		workers: make(map[string]*Worker),
		done:    make(map[string]chan struct{}),
	}
}

// Start launches n workers. ctx is the process-lifetime context: cancelling
// it makes every worker finish its in-flight job and exit.
func (p *Pool) Start(ctx context.Context, n int) {
	p.mu.Lock()
	p.runCtx = ctx
	p.started = time.Now()
	p.mu.Unlock()

	p.log.Info("starting workers", "count", n)
	for i := 0; i < n; i++ {
		p.spawn(ctx)
	}
}

// ScaleUp adds k workers to the running pool.
func (p *Pool) ScaleUp(k int) {
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()
	if ctx == nil {
		p.log.Error("cannot scale up: pool is not started")
		return
	}
	p.log.Info("scaling up", "additional", k)
	for i := 0; i < k; i++ {
		p.spawn(ctx)
	}
}

// ScaleDown stops k workers gracefully, preferring idle workers and falling
// back to busy ones in insertion order.
func (p *Pool) ScaleDown(k int) {
	p.mu.Lock()
	victims := make([]*Worker, 0, k)
	for _, id := range p.order {
		if len(victims) == k {
			break
		}
		if w, ok := p.workers[id]; ok && w.CurrentJobID() == "" {
			victims = append(victims, w)
		}
	}
	for _, id := range p.order {
		if len(victims) == k {
			break
		}
		w, ok := p.workers[id]
		if !ok {
			continue
		}
		already := false
		for _, v := range victims {
			if v.ID() == w.ID() {
				already = true
				break
			}
		}
		if !already {
			victims = append(victims, w)
		}
	}
	p.mu.Unlock()

	p.log.Info("scaling down", "count", len(victims))
	for _, w := range victims {
		w.StopGraceful()
		p.forget(w.ID())
	}
}

// StopGraceful signals every worker to finish its current job and exit, then
// waits up to timeout. Workers still running after the deadline are stopped
// immediately and their claimed jobs are released via ResetWorker.
func (p *Pool) StopGraceful(ctx context.Context, timeout time.Duration) {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	chans := make([]chan struct{}, 0, len(p.workers))
	for id, w := range p.workers {
		workers = append(workers, w)
		if ch := p.done[id]; ch != nil {
			chans = append(chans, ch)
		}
	}
	p.mu.Unlock()

	p.log.Info("stopping workers gracefully", "count", len(workers), "timeout", timeout)
	for _, w := range workers {
		w.StopGraceful()
	}

	allDone := make(chan struct{})
	go func() {
		for _, ch := range chans {
			<-ch
		}
		close(allDone)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-allDone:
		p.log.Info("all workers stopped gracefully")
	case <-timer.C:
		p.log.Warn("graceful stop timed out, escalating to immediate stop")
		p.StopImmediate(ctx)
	}

	p.mu.Lock()
	p.workers = make(map[string]*Worker)
	p.done = make(map[string]chan struct{})
	p.order = nil
	p.mu.Unlock()
}

// StopImmediate stops all workers without waiting for in-flight jobs and
// releases any claims they still hold so the jobs return to pending.
func (p *Pool) StopImmediate(ctx context.Context) {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	p.log.Warn("stopping workers immediately", "count", len(workers))
	for _, w := range workers {
		w.StopImmediate()
		if n, err := p.svc.Store().ResetWorker(ctx, w.ID()); err != nil {
			p.log.Error("reset worker jobs", "worker_id", w.ID(), "error", err)
		} else if n > 0 {
			p.log.Info("released orphaned claims", "worker_id", w.ID(), "count", n)
		}
	}
}

// WorkerStatus describes one worker for Status.
type WorkerStatus struct {
	WorkerID     string `json:"worker_id"`
	Running      bool   `json:"running"`
	CurrentJobID string `json:"current_job_id,omitempty"`
}

// PoolStatus is the pool snapshot returned by Status.
type PoolStatus struct {
	TotalWorkers   int            `json:"total_workers"`
	ActiveWorkers  int            `json:"active_workers"`
	JobsProcessing int            `json:"jobs_processing"`
	Uptime         time.Duration  `json:"uptime"`
	Workers        []WorkerStatus `json:"workers"`
}

// Status returns a snapshot of the pool and each worker.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStatus{TotalWorkers: len(p.workers)}
	if !p.started.IsZero() {
		st.Uptime = time.Since(p.started)
	}
	for _, id := range p.order {
		w, ok := p.workers[id]
		if !ok {
			continue
		}
		ws := WorkerStatus{
			WorkerID:     w.ID(),
			Running:      w.Running(),
			CurrentJobID: w.CurrentJobID(),
		}
		if ws.Running {
			st.ActiveWorkers++
		}
		if ws.CurrentJobID != "" {
			st.JobsProcessing++
		}
		st.Workers = append(st.Workers, ws)
	}
	return st
}

// Wait blocks until every worker goroutine has exited, including ones
// spawned by ScaleUp after the call began.
func (p *Pool) Wait() {
	for {
		p.mu.Lock()
		var ch chan struct{}
		for _, c := range p.done {
			ch = c
			break
		}
		p.mu.Unlock()
		if ch == nil {
			return
		}
		<-ch
	}
}

// spawn creates, registers, and launches one worker.
func (p *Pool) spawn(ctx context.Context) {
	w := NewWorker(p.svc, p.exec, p.poll)
	ch := make(chan struct{})

	p.mu.Lock()
	p.workers[w.ID()] = w
	p.done[w.ID()] = ch
	p.order = append(p.order, w.ID())
	p.mu.Unlock()

	go func() {
		defer func() {
			p.forget(w.ID())
			close(ch)
			p.mu.Lock()
			delete(p.done, w.ID())
			p.mu.Unlock()
		}()
		w.Run(ctx)
	}()
}

// forget removes a worker from the registry once it has exited or been
// selected for scale-down. Safe to call twice.
func (p *Pool) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}
