// Package metrics exposes Prometheus counters and timers per job outcome.
// The serve subcommand mounts them at /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/harishvreddy10/-queuectl/internal/job"
)

// Metrics holds the queue's Prometheus collectors, labelled by priority.
type Metrics struct {
	enqueued  *prometheus.CounterVec
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	retried   *prometheus.CounterVec
	dead      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuectl_jobs_enqueued_total",
			Help: "Jobs accepted by enqueue.",
		}, []string{"priority"}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuectl_jobs_started_total",
			Help: "Jobs claimed by a worker.",
		}, []string{"priority"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuectl_jobs_completed_total",
			Help: "Jobs that finished successfully.",
		}, []string{"priority"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuectl_jobs_retried_total",
			Help: "Failed attempts rescheduled with backoff.",
		}, []string{"priority"}),
		dead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuectl_jobs_dead_total",
			Help: "Jobs moved to the dead-letter queue.",
		}, []string{"priority"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queuectl_job_duration_seconds",
			Help:    "Wall-clock duration of successful executions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"priority"}),
	}
	reg.MustRegister(m.enqueued, m.started, m.completed, m.retried, m.dead, m.duration)
	return m
}

// NewNop returns metrics backed by an unexported registry, for tests and
// callers that don't serve /metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) JobEnqueued(j *job.Job) {
	m.enqueued.WithLabelValues(string(j.Priority)).Inc()
}

func (m *Metrics) JobStarted(j *job.Job) {
	m.started.WithLabelValues(string(j.Priority)).Inc()
}

func (m *Metrics) JobCompleted(j *job.Job) {
	m.completed.WithLabelValues(string(j.Priority)).Inc()
	if j.StartedAt != nil && j.FinishedAt != nil {
		m.duration.WithLabelValues(string(j.Priority)).
			Observe(j.FinishedAt.Sub(*j.StartedAt).Seconds())
	}
}

func (m *Metrics) JobRetried(j *job.Job) {
	m.retried.WithLabelValues(string(j.Priority)).Inc()
}

func (m *Metrics) JobDead(j *job.Job) {
	m.dead.WithLabelValues(string(j.Priority)).Inc()
}
