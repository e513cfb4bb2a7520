package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/aristath/contentflow/internal/breaker"
	"github.com/aristath/contentflow/internal/dlq"
	"github.com/aristath/contentflow/internal/orchestrator"
	"github.com/aristath/contentflow/internal/persistence"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// respondErr maps err to a status code and logs server-side failures.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "API error response",
		"method", r.Method,
		"path", r.URL.Path,
		"status_code", status,
		"error", err)

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = "internal error"
	}
	s.respondError(w, r, status, msg)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, persistence.ErrNotFound),
		errors.Is(err, breaker.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, orchestrator.ErrDeadlock),
		errors.Is(err, dlq.ErrNotFailed),
		errors.Is(err, dlq.ErrNotInQueue):
		return http.StatusConflict
	case errors.Is(err, dlq.ErrInvalidStatus):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
