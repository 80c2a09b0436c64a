// Package api exposes the HTTP interface of the synchronization service.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexlearn/crawlsync/internal/admission"
	"github.com/nexlearn/crawlsync/internal/engine"
	"github.com/nexlearn/crawlsync/internal/export"
	"github.com/nexlearn/crawlsync/internal/jobs"
	"github.com/nexlearn/crawlsync/internal/metrics"
	"github.com/nexlearn/crawlsync/internal/quota"
	"github.com/nexlearn/crawlsync/internal/scheduler"
)

// Options tunes the HTTP surface.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// ReadyCheck reports downstream readiness; nil means always ready.
	ReadyCheck func(r *http.Request) error
	Logger     *zap.Logger
}

// Server wires HTTP handlers to admission, the engine, and the stores.
type Server struct {
	router     chi.Router
	controller *admission.Controller
	engine     *engine.Engine
	store      jobs.Store
	ledger     *quota.Ledger
	sched      *scheduler.Scheduler
	exporter   *export.Exporter
	opts       Options
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	controller *admission.Controller,
	eng *engine.Engine,
	store jobs.Store,
	ledger *quota.Ledger,
	sched *scheduler.Scheduler,
	exporter *export.Exporter,
	opts Options,
) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		controller: controller,
		engine:     eng,
		store:      store,
		ledger:     ledger,
		sched:      sched,
		exporter:   exporter,
		opts:       opts,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/history", s.jobHistory)
				r.Post("/cancel", s.cancelJob)
				r.Get("/export", s.exportJob)
			})
		})
		r.Get("/stats", s.stats)
		r.Get("/owners/{owner_id}/quota", s.ownerQuota)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.ReadyCheck != nil {
		if err := s.opts.ReadyCheck(r); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	OwnerID     string            `json:"owner_id"`
	CrawlerType string            `json:"crawler_type"`
	Priority    string            `json:"priority"`
	Targets     []string          `json:"targets"`
	Config      json.RawMessage   `json:"config,omitempty"`
	ConfigType  string            `json:"config_type,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	priority, ok := jobs.ParsePriority(req.Priority)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown priority "+req.Priority)
		return
	}
	handle, err := s.controller.Submit(r.Context(), admission.SubmitRequest{
		OwnerID:        req.OwnerID,
		CrawlerType:    jobs.CrawlerType(req.CrawlerType),
		Priority:       priority,
		Targets:        req.Targets,
		Config:         req.Config,
		ConfigType:     req.ConfigType,
		Tags:           req.Tags,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := jobs.ListQuery{
		OwnerID: r.URL.Query().Get("owner"),
		Limit:   limit,
		Offset:  offset,
	}
	if stateParam := r.URL.Query().Get("state"); stateParam != "" {
		state := jobs.State(stateParam)
		if !jobs.KnownState(state) {
			writeError(w, http.StatusBadRequest, "unknown state "+stateParam)
			return
		}
		query.State = &state
	}
	listed, err := s.store.ListJobs(r.Context(), query)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if listed == nil {
		listed = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": listed})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) jobHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.ListTransitions(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.engine.RequestCancel(r.Context(), jobID); err != nil {
		writeDomainError(w, err)
		return
	}
	// Accepted, not OK: cancellation of an executing job settles at the
	// worker's next safe point.
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":           jobID,
		"cancel_requested": true,
	})
}

func (s *Server) exportJob(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	jobID := chi.URLParam(r, "job_id")
	uri, err := s.exporter.Export(r.Context(), jobID, format)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"format": string(format),
		"uri":    uri,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByState(r.Context())
	if err != nil {
		s.logger.Error("count by state failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to aggregate stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"states":      counts,
		"queue_depth": s.sched.Len(),
	})
}

func (s *Server) ownerQuota(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	writeJSON(w, http.StatusOK, s.ledger.Status(ownerID))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)
			// The route pattern keeps label cardinality bounded; the raw
			// path would mint a label per job ID.
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			metrics.ObserveHTTPRequest(r.Method, route, ww.status, elapsed)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", elapsed),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
