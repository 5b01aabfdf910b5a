// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contentharvest/harvester/internal/config"
	"github.com/contentharvest/harvester/internal/dispatcher"
	"github.com/contentharvest/harvester/internal/harvest"
	"github.com/contentharvest/harvester/internal/progress"
	"github.com/contentharvest/harvester/internal/telemetry"
)

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router     chi.Router
	jobs       harvest.JobStore
	dispatcher *dispatcher.Dispatcher
	idGen      harvest.IDGenerator
	clock      harvest.Clock
	weights    progress.Weights
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs harvest.JobStore,
	dispatch *dispatcher.Dispatcher,
	idGen harvest.IDGenerator,
	clock harvest.Clock,
	weights progress.Weights,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:       jobs,
		dispatcher: dispatch,
		idGen:      idGen,
		clock:      clock,
		weights:    weights,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(cfg.ServerTimeout()))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/result", s.getJobResult)
				r.Post("/cancel", s.cancelJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The job store is the hard dependency; probe it with a lookup
	// that is allowed to miss.
	if _, err := s.jobs.GetJob(r.Context(), "readiness-probe"); err != nil && !isNotFound(err) {
		s.writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	Type       string          `json:"type"`
	OwnerID    int64           `json:"owner_id"`
	Priority   int             `json:"priority"`
	Parameters json.RawMessage `json:"parameters"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobType := harvest.JobType(req.Type)
	if !jobType.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job type %q", req.Type))
		return
	}
	if req.OwnerID <= 0 {
		s.writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	params, err := harvest.ParseParameters(jobType, req.Parameters)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.enqueueJob(r.Context(), jobType, req.OwnerID, req.Priority, params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) enqueueJob(ctx context.Context, jobType harvest.JobType, ownerID int64, priority int, params harvest.Parameters) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := harvest.Job{
		ID:         jobID,
		Type:       jobType,
		Status:     harvest.JobStatusPending,
		Priority:   priority,
		OwnerID:    ownerID,
		Parameters: params,
		CreatedAt:  now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := harvest.QueueItem{
		JobID:      jobID,
		Priority:   priority,
		Attempt:    1,
		EnqueuedAt: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

type jobStatusResponse struct {
	JobID      string               `json:"job_id"`
	Type       harvest.JobType      `json:"type"`
	Status     harvest.JobStatus    `json:"status"`
	Phase      harvest.Phase        `json:"phase,omitempty"`
	Percentage int                  `json:"percentage"`
	Metrics    harvest.PhaseMetrics `json:"metrics"`
	Error      string               `json:"error,omitempty"`
	Warnings   []string             `json:"warnings,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:      job.ID,
		Type:       job.Type,
		Status:     job.Status,
		Phase:      job.Phase,
		Percentage: progress.Percentage(job.Metrics, s.weights),
		Metrics:    job.Metrics,
		Error:      job.ErrorText,
		Warnings:   progress.ValidateMetrics(job.Metrics),
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !job.Status.IsTerminal() {
		s.writeError(w, http.StatusConflict, "job has not finished")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"result":      job.Result,
		"error":       job.ErrorText,
		"item_errors": job.ItemErrors,
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	switch {
	case job.Status.IsTerminal():
		s.writeError(w, http.StatusConflict, fmt.Sprintf("job already %s", job.Status))
		return
	case job.Status == harvest.JobStatusPending:
		if err := s.jobs.UpdateJobStatus(r.Context(), jobID, harvest.JobStatusCancelled, "cancelled via API"); err != nil {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{
			"job_id": jobID, "status": string(harvest.JobStatusCancelled),
		})
		return
	default:
		// Processing: signal the worker and let it drain. The final
		// status lands once in-flight calls finish.
		if !s.dispatcher.CancelRunning(jobID) {
			// Claimed by no worker yet; the worker will observe the
			// cancelled row and skip it.
			if err := s.jobs.UpdateJobStatus(r.Context(), jobID, harvest.JobStatusCancelled, "cancelled via API"); err != nil {
				s.writeError(w, http.StatusConflict, err.Error())
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]string{
				"job_id": jobID, "status": string(harvest.JobStatusCancelled),
			})
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": jobID, "status": "cancelling",
		})
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, harvest.ErrJobNotFound)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
