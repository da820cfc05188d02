// Package api exposes the read-only job/run/assignment API, health and
// readiness probes, a manual trigger endpoint, and a minimal operator
// dashboard, grounded on the teacher's chi-based producer API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	apimiddleware "github.com/apphub-oss/tagging-service/internal/api/middleware"
	"github.com/apphub-oss/tagging-service/internal/config"
	"github.com/apphub-oss/tagging-service/internal/models"
	"github.com/apphub-oss/tagging-service/internal/queue"
	"github.com/apphub-oss/tagging-service/internal/store"
	"github.com/apphub-oss/tagging-service/internal/telemetry"
)

// Server wires HTTP handlers for the read API and operator surfaces.
type Server struct {
	cfg   config.Config
	store *store.Store
	queue *queue.Queue
	redis *redis.Client
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.Queue, redisClient *redis.Client) *Server {
	return &Server{cfg: cfg, store: st, queue: q, redis: redisClient}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(apimiddleware.Recovery, apimiddleware.Logging)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{repoId}", s.handleGetJob)
	r.Post("/jobs/{repoId}/retag", s.handleRetrigger)
	r.Get("/runs/{runId}", s.handleGetRun)
	r.Get("/runs/{runId}/tags", s.handleGetRunTags)
	r.Get("/discarded", s.handleDiscarded)
	r.Get("/swagger.json", s.handleSwagger)
	r.Get("/", s.handleDashboard)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz checks that Postgres and Redis are reachable before
// reporting ready, so a load balancer never routes to a process that
// can't yet serve the read API or admit jobs.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if _, err := s.store.CountJobs(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "postgres: " + err.Error()})
		return
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "redis: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := s.store.ListRecentJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoId")
	job, ok, err := s.store.GetJobByRepositoryID(r.Context(), repoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRetrigger admits a manual job for repoId, subject to the same
// dedup semantics as event- and scheduler-triggered admission: a
// currently queued or in-flight job for the repository is not duplicated.
func (s *Server) handleRetrigger(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoId")
	if repoID == "" {
		http.Error(w, "repoId is required", http.StatusBadRequest)
		return
	}

	jobID, admitted, err := s.queue.Enqueue(r.Context(), repoID, queue.Payload{
		RepositoryID: repoID,
		Trigger:      models.TriggerManual,
		Reason:       "manual retrigger via API",
	}, queue.Options{
		MaxAttempts:     s.cfg.QueueMaxAttempts,
		BackoffInitial:  s.cfg.QueueBackoffInitial,
		RetainCompleted: s.cfg.QueueRetainCompleted,
		RetainFailed:    s.cfg.QueueRetainFailed,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if admitted {
		telemetry.JobsEnqueued.Inc()
	} else {
		telemetry.JobsDeduped.Inc()
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"jobId": jobID, "admitted": admitted})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(chi.URLParam(r, "runId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}
	run, err := s.store.GetRunByID(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRunTags(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(chi.URLParam(r, "runId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}
	assignments, err := s.store.GetAssignmentsForRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assignments": assignments})
}

// handleDiscarded lists job ids most recently discarded as permanent
// failures, the queue-level equivalent of a dead-letter listing.
func (s *Server) handleDiscarded(w http.ResponseWriter, r *http.Request) {
	count := int64(100)
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			count = n
		}
	}
	ids, err := s.queue.Discarded(r.Context(), count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"discarded": ids})
}

func (s *Server) handleSwagger(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(swaggerDoc))
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	jobs, err := s.store.ListRecentJobs(r.Context(), 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><head><title>tagging-service</title></head><body>"))
	_, _ = w.Write([]byte("<h1>tagging-service</h1><h2>status counts</h2><ul>"))
	for status, n := range counts {
		_, _ = w.Write([]byte("<li>" + status + ": " + strconv.FormatInt(n, 10) + "</li>"))
	}
	_, _ = w.Write([]byte("</ul><h2>recent jobs</h2><table border=\"1\"><tr><th>repository</th><th>status</th><th>runs</th></tr>"))
	for _, j := range jobs {
		_, _ = w.Write([]byte("<tr><td>" + j.RepositoryID + "</td><td>" + j.Status + "</td><td>" + strconv.Itoa(j.Runs) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, err error) {
	http.Error(w, err.Error(), code)
}

const swaggerDoc = `{
  "openapi": "3.0.0",
  "info": {"title": "tagging-service", "version": "1.0.0"},
  "paths": {
    "/jobs": {"get": {"summary": "List recent jobs"}},
    "/jobs/{repoId}": {"get": {"summary": "Get a job by repository id"}},
    "/jobs/{repoId}/retag": {"post": {"summary": "Manually trigger a tagging run"}},
    "/runs/{runId}": {"get": {"summary": "Get a run by id"}},
    "/runs/{runId}/tags": {"get": {"summary": "List tag assignments for a run"}},
    "/discarded": {"get": {"summary": "List recently discarded jobs"}},
    "/healthz": {"get": {"summary": "Liveness probe"}},
    "/readyz": {"get": {"summary": "Readiness probe"}}
  }
}`
