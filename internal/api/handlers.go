package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/contentflow/internal/dlq"
	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/metrics"
	"github.com/aristath/contentflow/internal/monitor"
	"github.com/aristath/contentflow/internal/orchestrator"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string               `json:"status"`
	System   metrics.SystemHealth `json:"system"`
	Breakers map[string]bool      `json:"breakers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.Metrics.SystemHealth(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	status := "ok"
	if h.OpenBreakers > 0 || h.StuckTasks > 0 {
		status = "degraded"
	}
	s.respondJSON(w, http.StatusOK, HealthResponse{
		Status:   status,
		System:   h,
		Breakers: s.Breakers.Health(),
	})
}

// TimeoutWarning is a running task close to its timeout.
type TimeoutWarning struct {
	TaskID      string `json:"task_id"`
	RequestID   string `json:"request_id"`
	AgentRole   string `json:"agent_role"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	TimeoutMS   int64  `json:"timeout_ms"`
	RemainingMS int64  `json:"remaining_ms"`
}

func (s *Server) handleTimeouts(w http.ResponseWriter, r *http.Request) {
	warnings, err := s.Monitor.ApproachingTimeouts(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"thresholds":  s.Monitor.TimeoutConfig(),
		"approaching": timeoutWarnings(warnings),
	})
}

func timeoutWarnings(in []monitor.Warning) []TimeoutWarning {
	out := make([]TimeoutWarning, 0, len(in))
	for _, w := range in {
		out = append(out, TimeoutWarning{
			TaskID:      w.Task.ID,
			RequestID:   w.Task.RequestID,
			AgentRole:   w.Task.AgentRole,
			ElapsedMS:   w.Elapsed.Milliseconds(),
			TimeoutMS:   w.Threshold.Milliseconds(),
			RemainingMS: w.Remaining().Milliseconds(),
		})
	}
	return out
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"breakers":   s.Breakers.Stats(),
		"open_count": s.Breakers.OpenCount(),
	})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if err := s.Breakers.Reset(service); err != nil {
		s.respondErr(w, r, err)
		return
	}
	stats, _ := s.Breakers.StatsFor(service)
	s.logger.Info("circuit breaker reset", "service", service)
	s.respondJSON(w, http.StatusOK, stats)
}

// parseSince reads the since query parameter as an RFC 3339 time or as a
// duration back from now ("24h").
func parseSince(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid since %q: want RFC 3339 time or positive duration", raw)
	}
	return time.Now().Add(-d), nil
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := dlq.Filter{
		Status:    dlq.Status(q.Get("status")),
		AgentRole: q.Get("agent_role"),
		Since:     since,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid status %q", filter.Status))
		return
	}

	entries, err := s.Queue.Entries(r.Context(), filter)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	s.respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Queue.Stats(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	entry, err := s.Queue.Get(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entry)
}

// ResolveRequest is the body of POST /dlq/{entryID}/resolve.
type ResolveRequest struct {
	Status dlq.Status `json:"status" validate:"required,oneof=pending investigating resolved wont_fix"`
	Notes  string     `json:"notes"`
	Actor  string     `json:"actor" validate:"required"`
}

func (s *Server) handleDLQResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	entryID := chi.URLParam(r, "entryID")
	if err := s.Queue.Resolve(r.Context(), entryID, req.Status, req.Notes, req.Actor); err != nil {
		s.respondErr(w, r, err)
		return
	}
	entry, err := s.Queue.Get(r.Context(), entryID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entry)
}

// RetryRequest is the body of POST /dlq/tasks/{taskID}/retry.
type RetryRequest struct {
	Notes string `json:"notes"`
	Actor string `json:"actor"`
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	taskID := chi.URLParam(r, "taskID")
	if err := s.Queue.Retry(r.Context(), taskID, req.Notes, req.Actor); err != nil {
		s.respondErr(w, r, err)
		return
	}
	task, err := s.Store.GetTask(r.Context(), taskID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, taskView(task))
}

// sinceHandler serves a metrics slice filtered by the since parameter.
func sinceHandler[T any](s *Server, fetch func(context.Context, time.Time) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since, err := parseSince(r)
		if err != nil {
			s.respondError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		out, err := fetch(r.Context(), since)
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, out)
	}
}

// TaskView is the JSON shape of a task.
type TaskView struct {
	ID           string          `json:"id"`
	Name         string          `json:"task_name"`
	AgentRole    string          `json:"agent_role"`
	Status       string          `json:"status"`
	DependsOn    []string        `json:"depends_on"`
	Retryable    bool            `json:"retryable"`
	RetryCount   int             `json:"retry_count"`
	Provider     string          `json:"provider,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	TokensUsed   int64           `json:"tokens_used"`
	Cost         float64         `json:"cost"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func taskView(t *scheduler.Task) TaskView {
	return TaskView{
		ID:           t.ID,
		Name:         t.Name,
		AgentRole:    t.AgentRole,
		Status:       string(t.Status),
		DependsOn:    t.DependsOn,
		Retryable:    t.Retryable,
		RetryCount:   t.RetryCount,
		Provider:     t.Provider,
		Output:       t.Output,
		ErrorCode:    t.ErrorCode,
		ErrorMessage: t.ErrorMessage,
		TokensUsed:   t.TokensUsed,
		Cost:         t.Cost,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}
}

// CountsView is the JSON shape of scheduler.Counts.
type CountsView struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func countsView(c scheduler.Counts) CountsView {
	return CountsView{Total: c.Total, Pending: c.Pending, Running: c.Running, Completed: c.Completed, Failed: c.Failed}
}

// RequestView is the JSON shape of a request and its plan.
type RequestView struct {
	ID                 string            `json:"id"`
	Type               string            `json:"request_type"`
	Title              string            `json:"title"`
	Status             string            `json:"status"`
	Intent             json.RawMessage   `json:"intent,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	Counts             CountsView        `json:"counts"`
	Blocked            []string          `json:"blocked,omitempty"`
	EstimatedRemaining string            `json:"estimated_remaining,omitempty"`
	Tasks              []TaskView        `json:"tasks"`
}

func (s *Server) requestView(req *scheduler.Request) RequestView {
	plan := req.Plan()
	v := RequestView{
		ID:        req.ID,
		Type:      req.Type,
		Title:     req.Title,
		Status:    string(req.Status()),
		Intent:    req.Intent,
		Metadata:  req.Metadata,
		CreatedAt: req.CreatedAt,
		Counts:    countsView(plan.Counts()),
		Tasks:     make([]TaskView, 0, len(req.Tasks)),
	}
	for _, t := range plan.Blocked() {
		v.Blocked = append(v.Blocked, t.ID)
	}
	if s.Builder != nil {
		if d := s.Builder.EstimatedRemaining(req); d > 0 {
			v.EstimatedRemaining = d.String()
		}
	}
	for _, t := range req.Tasks {
		v.Tasks = append(v.Tasks, taskView(t))
	}
	return v
}

func (s *Server) handleRequestList(w http.ResponseWriter, r *http.Request) {
	filter := persistence.RequestFilter{Type: r.URL.Query().Get("type"), Limit: 50}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		filter.Limit = n
	}
	since, err := parseSince(r)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter.CreatedSince = since

	requests, err := s.Store.ListRequests(r.Context(), filter)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	out := make([]RequestView, 0, len(requests))
	for _, req := range requests {
		out = append(out, s.requestView(req))
	}
	s.respondJSON(w, http.StatusOK, out)
}

// CreateRequest is the body of POST /requests.
type CreateRequest struct {
	Type     string            `json:"type" validate:"required"`
	Title    string            `json:"title" validate:"required,max=200"`
	Intent   json.RawMessage   `json:"intent"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleRequestCreate(w http.ResponseWriter, r *http.Request) {
	var body CreateRequest
	if !s.decode(w, r, &body) {
		return
	}

	req, err := s.Builder.Build(scheduler.RequestSpec{
		Type:     body.Type,
		Title:    body.Title,
		Intent:   body.Intent,
		Metadata: body.Metadata,
	})
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.CreateRequest(r.Context(), req); err != nil {
		s.respondErr(w, r, err)
		return
	}

	s.logger.Info("request created", "request_id", req.ID, "type", req.Type, "tasks", len(req.Tasks))
	s.respondJSON(w, http.StatusCreated, s.requestView(req))
}

func (s *Server) handleRequestGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.GetRequest(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.requestView(req))
}

func (s *Server) handleRequestEvents(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	if _, err := s.Store.GetRequest(r.Context(), requestID); err != nil {
		s.respondErr(w, r, err)
		return
	}

	filter := persistence.EventFilter{RequestID: requestID}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		filter.Limit = n
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		filter.Types = []string{typ}
	}

	recs, err := s.Store.ListEvents(r.Context(), filter)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []*events.Record{}
	}
	s.respondJSON(w, http.StatusOK, recs)
}

// RunResponse reports the state of a request after a run.
type RunResponse struct {
	RequestID string     `json:"request_id"`
	Status    string     `json:"status"`
	Counts    CountsView `json:"counts"`
	Blocked   []string   `json:"blocked,omitempty"`
	Waves     int        `json:"waves"`
	Error     string     `json:"error,omitempty"`
}

func runResponse(out orchestrator.Outcome, err error) RunResponse {
	resp := RunResponse{
		RequestID: out.RequestID,
		Status:    string(out.Status),
		Counts:    countsView(out.Counts),
		Blocked:   out.Blocked,
		Waves:     out.Waves,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

type runResult struct {
	out orchestrator.Outcome
	err error
}

// startRun runs the request on the server's run context so it outlives the
// HTTP exchange that started it. Only shutdown or an explicit cancel stops it.
func (s *Server) startRun(requestID string) <-chan runResult {
	done := make(chan runResult, 1)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		out, err := s.Runner.Run(s.runCtx, requestID)
		switch {
		case err != nil && !errors.Is(err, orchestrator.ErrDeadlock):
			s.logger.Error("run failed", "request_id", requestID, "error", err)
		default:
			s.logger.Info("run returned", "request_id", requestID, "status", out.Status, "waves", out.Waves)
		}
		done <- runResult{out: out, err: err}
	}()
	return done
}

// handleRequestRun starts the request in the background and replies 202.
// With ?wait=true it also waits for the outcome. A client that goes away
// while waiting leaves the run going.
func (s *Server) handleRequestRun(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	if _, err := s.Store.GetRequest(r.Context(), requestID); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if s.Runner.Active(requestID) {
		s.respondErr(w, r, fmt.Errorf("%s: %w", requestID, orchestrator.ErrAlreadyRunning))
		return
	}

	done := s.startRun(requestID)
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		s.respondJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID, "status": "accepted"})
		return
	}

	select {
	case <-r.Context().Done():
		s.logger.Info("client stopped waiting for run", "request_id", requestID)
	case res := <-done:
		switch {
		case res.err == nil:
			s.respondJSON(w, http.StatusOK, runResponse(res.out, nil))
		case errors.Is(res.err, orchestrator.ErrDeadlock):
			// Blocked is a request outcome, not a server failure
			s.respondJSON(w, http.StatusOK, runResponse(res.out, res.err))
		default:
			s.respondErr(w, r, res.err)
		}
	}
}

func (s *Server) handleRequestRetry(w http.ResponseWriter, r *http.Request) {
	var body RetryRequest
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	if body.Actor == "" {
		body.Actor = "api"
	}
	requeued, err := s.Queue.RetryRequest(r.Context(), chi.URLParam(r, "requestID"), body.Notes, body.Actor)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if requeued == nil {
		requeued = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"requeued": requeued})
}

// CancelRequest is the body of POST /requests/{requestID}/cancel.
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (s *Server) handleRequestCancel(w http.ResponseWriter, r *http.Request) {
	var body CancelRequest
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	n, err := s.Runner.Cancel(r.Context(), chi.URLParam(r, "requestID"), body.Reason)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"cancelled_tasks": n})
}

// decode reads and validates a JSON body, replying 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request format")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "validation error: "+err.Error())
		return false
	}
	return true
}
