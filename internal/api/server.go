// Package api exposes the HTTP control surface for the harvester: library
// reads, manual queueing, failed-item requeue, reset, and leader inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tunevault/harvester/internal/capture"
	"github.com/tunevault/harvester/internal/harvest"
	"github.com/tunevault/harvester/internal/jobqueue"
	"github.com/tunevault/harvester/internal/metrics"
	"github.com/tunevault/harvester/internal/store"
)

// Leadership reports whether this process currently holds the lease.
type Leadership interface {
	IsLeader() bool
}

// Server wires HTTP handlers to the queue, the captured library and the
// coordination store.
type Server struct {
	router    chi.Router
	queue     *jobqueue.Queue
	captured  *capture.Store
	ingest    harvest.Ingestor
	leader    Leadership
	kv        store.KV
	processID string
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	queue *jobqueue.Queue,
	captured *capture.Store,
	ingest harvest.Ingestor,
	leader Leadership,
	kv store.KV,
	processID string,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		queue:     queue,
		captured:  captured,
		ingest:    ingest,
		leader:    leader,
		kv:        kv,
		processID: processID,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/records", s.listRecords)
		r.Get("/records/{track_id}", s.getRecord)
		r.Get("/queue", s.getQueue)
		r.Post("/queue", s.enqueue)
		r.Get("/failed", s.getFailed)
		r.Post("/failed/requeue", s.requeueFailed)
		r.Post("/reset", s.reset)
		r.Get("/leader", s.getLeader)
		r.Get("/stats", s.getStats)
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
	// Ready means the coordination store answers reads.
	if _, _, err := s.kv.Get(r.Context(), harvest.KeyLeader); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "coordination store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.captured.Records(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read captured records")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"records": records,
	})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "track_id")
	records, err := s.captured.Records(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read captured records")
		return
	}
	for _, rec := range records {
		if rec.ID == trackID {
			s.writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "record not found")
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	queue, buffer, _, err := s.queue.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read queue state")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"queue":  refsOrEmpty(queue),
		"buffer": refsOrEmpty(buffer),
	})
}

type enqueueRequest struct {
	URLs         []string `json:"urls"`
	ContextLabel string   `json:"context_label"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	urls := make([]string, 0, len(req.URLs))
	for _, u := range req.URLs {
		if strings.TrimSpace(u) != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one URL required")
		return
	}
	label := req.ContextLabel
	if label == "" {
		label = "Manual Add"
	}
	if err := s.ingest.AddToBuffer(r.Context(), urls, true, label); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.queue.Kick()
	s.writeJSON(w, http.StatusAccepted, map[string]any{"submitted": len(urls)})
}

func (s *Server) getFailed(w http.ResponseWriter, r *http.Request) {
	_, _, failed, err := s.queue.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read failed items")
		return
	}
	if failed == nil {
		failed = []harvest.FailedItem{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(failed),
		"failed": failed,
	})
}

func (s *Server) requeueFailed(w http.ResponseWriter, r *http.Request) {
	moved, err := s.queue.RequeueFailed(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"requeued": moved})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Reset(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) getLeader(w http.ResponseWriter, r *http.Request) {
	raw, found, err := s.kv.Get(r.Context(), harvest.KeyLeader)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read lease")
		return
	}
	resp := map[string]any{
		"this_process": s.processID,
		"is_leader":    s.leader.IsLeader(),
	}
	if found {
		var lease harvest.Lease
		if err := json.Unmarshal(raw, &lease); err == nil {
			resp["owner_id"] = lease.OwnerID
			resp["renewed_at"] = lease.RenewedAt
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.captured.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read library stats")
		return
	}
	queue, buffer, failed, err := s.queue.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read queue state")
		return
	}
	metrics.SetQueueDepths(len(queue), len(buffer), len(failed))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"records":    stats.Records,
		"complete":   stats.Complete,
		"incomplete": stats.Incomplete,
		"queued":     len(queue),
		"buffered":   len(buffer),
		"failed":     len(failed),
		"is_leader":  s.leader.IsLeader(),
		"degraded":   s.queue.Degraded(),
	})
}

func refsOrEmpty(refs []harvest.ItemRef) []harvest.ItemRef {
	if refs == nil {
		return []harvest.ItemRef{}
	}
	return refs
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

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
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

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
