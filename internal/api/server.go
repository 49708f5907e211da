// ABOUTME: HTTP server for the ops/dashboard JSON API: health, metrics, stats, jobs, DLQ.
// ABOUTME: Read-only over the store except DLQ retry, which is rate limited per IP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/harishvreddy10/-queuectl/internal/config"
	"github.com/harishvreddy10/-queuectl/internal/job"
	"github.com/harishvreddy10/-queuectl/internal/queue"
	"github.com/harishvreddy10/-queuectl/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	svc         *queue.Service
	cfg         *config.Config
	registry    *prometheus.Registry
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server over svc. registry backs /metrics.
func NewServer(svc *queue.Service, cfg *config.Config, registry *prometheus.Registry) *Server {
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	// 30 mutations per minute per IP, burst of 10.
	rl := newIPRateLimiter(rate.Limit(30.0/60), 10, evictTTL)
	return &Server{svc: svc, cfg: cfg, registry: registry, rateLimiter: rl}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Security headers first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, req)
		})
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.healthzHandler)
	r.Handle("/metrics", promhttp.HandlerFor(srv.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", srv.statsHandler)
		r.Get("/jobs", srv.listJobsHandler)
		r.Get("/jobs/{id}", srv.getJobHandler)
		r.Get("/dlq", srv.dlqListHandler)
		r.With(srv.mutationRateLimit()).Post("/dlq/{id}/retry", srv.dlqRetryHandler)
	})

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 when it is not.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if err := srv.svc.Store().Pool().Ping(r.Context()); err != nil {
		slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
		resp = healthResponse{Status: "degraded", DB: "unavailable"}
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (srv *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.svc.Stats(r.Context())
	if err != nil {
		srv.serverError(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (srv *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	p := store.ListParams{Limit: 50}

	if v := r.URL.Query().Get("state"); v != "" {
		st, err := job.ParseState(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.State = &st
	}
	if v := r.URL.Query().Get("priority"); v != "" {
		pr, err := job.ParsePriority(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.Priority = &pr
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be an integer in [1,500]", http.StatusBadRequest)
			return
		}
		p.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "offset must be a non-negative integer", http.StatusBadRequest)
			return
		}
		p.Offset = n
	}

	jobs, err := srv.svc.Store().List(r.Context(), p)
	if err != nil {
		srv.serverError(w, r, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobViews(jobs)})
}

func (srv *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := srv.svc.Store().GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		srv.serverError(w, r, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(j))
}

func (srv *Server) dlqListHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be an integer in [1,500]", http.StatusBadRequest)
			return
		}
		limit = n
	}
	jobs, err := srv.svc.DLQList(r.Context(), limit)
	if err != nil {
		srv.serverError(w, r, "dlq list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobViews(jobs)})
}

func (srv *Server) dlqRetryHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reset := r.URL.Query().Get("reset_attempts") == "true"

	var newMax *int
	if v := r.URL.Query().Get("max_retries"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "max_retries must be a non-negative integer", http.StatusBadRequest)
			return
		}
		newMax = &n
	}

	j, err := srv.svc.DLQRetry(r.Context(), id, reset, newMax)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, jobView(j))
}

func (srv *Server) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	slog.ErrorContext(r.Context(), op, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// JobView is the JSON shape of a job in API responses.
type JobView struct {
	ID           string          `json:"id"`
	Command      string          `json:"command"`
	State        job.State       `json:"state"`
	Priority     job.Priority    `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxRetries   int             `json:"max_retries"`
	TimeoutMS    int64           `json:"timeout_ms"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	RunAt        *time.Time      `json:"run_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	DeadlineAt   *time.Time      `json:"deadline_at,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	ExitCode     *int            `json:"exit_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	OutputRef    string          `json:"output_ref,omitempty"`
	History      []job.Execution `json:"execution_history,omitempty"`
	Version      int64           `json:"version"`
}

func jobView(j *job.Job) JobView {
	return JobView{
		ID:           j.ID,
		Command:      j.Command,
		State:        j.State,
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		MaxRetries:   j.MaxRetries,
		TimeoutMS:    j.Timeout.Milliseconds(),
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		RunAt:        j.RunAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
		DeadlineAt:   j.DeadlineAt,
		WorkerID:     j.WorkerID,
		ExitCode:     j.ExitCode,
		ErrorMessage: j.ErrorMessage,
		OutputRef:    j.OutputRef,
		History:      j.History,
		Version:      j.Version,
	}
}

func jobViews(jobs []*job.Job) []JobView {
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView(j))
	}
	return out
}
