// Package api exposes run submission, run inspection and project
// registration over HTTP, with SSE for run lifecycle events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/testmind-dev/tmrun/internal/log"
	"github.com/testmind-dev/tmrun/internal/metrics"
	"github.com/testmind-dev/tmrun/internal/orchestrator"
	"github.com/testmind-dev/tmrun/internal/presentation"
	"github.com/testmind-dev/tmrun/internal/pubsub"
	"github.com/testmind-dev/tmrun/internal/runlog"
	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

// Error codes added by the HTTP layer.
const (
	CodeInvalidJSON = "INVALID_JSON"
	CodeRateLimited = "RATE_LIMITED"
	CodeRunFinished = "RUN_FINISHED"
	CodeInternal    = "INTERNAL"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// heartbeatInterval keeps idle SSE connections open through proxies.
var heartbeatInterval = 30 * time.Second

// RunService is the orchestrator surface the API needs.
type RunService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*domain.Run, error)
	Cancel(ctx context.Context, runID string) error
	RegisterProject(ctx context.Context, in orchestrator.ProjectInput) (*domain.Project, error)
	Events() *pubsub.Broker[orchestrator.RunEvent]
	Active() int
}

// Handler provides the HTTP endpoints.
type Handler struct {
	svc        RunService
	runs       domain.RunRepository
	results    domain.ResultRepository
	projects   domain.ProjectRepository
	reportRoot string
	limiter    *rate.Limiter
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	Service  RunService
	Runs     domain.RunRepository
	Results  domain.ResultRepository
	Projects domain.ProjectRepository

	// ReportRoot holds the per-run log directories.
	ReportRoot string

	// SubmitLimiter throttles POST /runs. Nil disables limiting.
	SubmitLimiter *rate.Limiter
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		svc:        cfg.Service,
		runs:       cfg.Runs,
		results:    cfg.Results,
		projects:   cfg.Projects,
		reportRoot: cfg.ReportRoot,
		limiter:    cfg.SubmitLimiter,
	}
}

// NewSubmitLimiter returns a limiter for perSecond submissions with burst,
// or nil when perSecond is not positive.
func NewSubmitLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Runs
	mux.HandleFunc("POST /runs", h.rateLimited(h.CreateRun))
	mux.HandleFunc("GET /runs", h.ListRuns)
	mux.HandleFunc("GET /runs/{id}", h.GetRun)
	mux.HandleFunc("GET /runs/{id}/results", h.ListResults)
	mux.HandleFunc("GET /runs/{id}/logs/{stream}", h.GetLog)
	mux.HandleFunc("POST /runs/{id}/cancel", h.CancelRun)
	mux.HandleFunc("GET /runs/{id}/events", h.StreamRunEvents)

	// Projects
	mux.HandleFunc("POST /projects", h.CreateProject)
	mux.HandleFunc("GET /projects", h.ListProjects)

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// === Request/Response Types ===

// CreateRunResponse is returned by POST /runs.
type CreateRunResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// RunResponse is the public view of a run.
type RunResponse = presentation.RunDTO

// ResultResponse is one stored test result.
type ResultResponse = presentation.ResultDTO

// ProjectResponse never includes credentials.
type ProjectResponse = presentation.ProjectDTO

// ListRunsResponse is returned by GET /runs.
type ListRunsResponse struct {
	Runs  []RunResponse `json:"runs"`
	Total int           `json:"total"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	ActiveRuns int    `json:"activeRuns"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// === Handlers ===

// CreateRun validates and queues a run.
// POST /runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	run, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, CreateRunResponse{ID: run.ID(), Status: string(run.Status())})
}

// ListRuns returns runs newest first.
// GET /runs?projectId=p1&status=failed&limit=20
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.RunFilter{ProjectID: q.Get("projectId")}
	if s := q.Get("status"); s != "" {
		filter.Status = domain.RunStatus(s)
		if !filter.Status.IsValid() {
			h.writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, "unknown status", map[string]any{"status": s})
			return
		}
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, "limit must be a non-negative integer", map[string]any{"limit": l})
			return
		}
		filter.Limit = n
	}

	runs, err := h.runs.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ListRunsResponse{Runs: presentation.FromRuns(runs), Total: len(runs)})
}

// GetRun returns one run.
// GET /runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.FindByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, presentation.FromRun(run))
}

// ListResults returns a run's test results in ingestion order.
// GET /runs/{id}/results
func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.runs.FindByID(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	views, err := h.results.ListByRun(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, presentation.FromResults(views))
}

// GetLog returns a run's stdout or stderr as text.
// GET /runs/{id}/logs/{stream}
func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.runs.FindByID(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	data, err := runlog.Read(h.reportRoot, id, r.PathValue("stream"))
	switch {
	case errors.Is(err, runlog.ErrUnknownStream):
		h.writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, "stream must be stdout or stderr", nil)
		return
	case errors.Is(err, os.ErrNotExist):
		data = nil
	case err != nil:
		h.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// CancelRun stops a queued or running run.
// POST /runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), r.PathValue("id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StreamRunEvents streams one run's lifecycle events via SSE. The stream
// ends after the finished event.
// GET /runs/{id}/events
func (h *Handler) StreamRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the lookup so a run finishing in between is not missed.
	events := h.svc.Events().SubscribeWhere(ctx, func(ev pubsub.Event[orchestrator.RunEvent]) bool {
		return ev.Payload.RunID == id
	})
	run, err := h.runs.FindByID(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "Streaming not supported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	snapshot := orchestrator.RunEvent{
		RunID:     run.ID(),
		ProjectID: run.ProjectID(),
		Status:    run.Status(),
		Error:     run.ErrorMessage(),
		Summary:   run.Summary(),
	}
	writeEvent(w, "snapshot", snapshot)
	flusher.Flush()
	if run.IsTerminal() {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, string(ev.Type), ev.Payload)
			flusher.Flush()
			if ev.Type == pubsub.FinishedEvent {
				return
			}
		}
	}
}

// CreateProject registers a project.
// POST /projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.ProjectInput
	if !h.decode(w, r, &in) {
		return
	}
	p, err := h.svc.RegisterProject(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, presentation.FromProject(p))
}

// ListProjects returns every project.
// GET /projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.List(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, presentation.FromProjects(projects))
}

// Health reports liveness and the number of in-flight runs.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", ActiveRuns: h.svc.Active()})
}

// === Helpers ===

func (h *Handler) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			metrics.RecordRejected(CodeRateLimited)
			w.Header().Set("Retry-After", "1")
			h.writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many run requests", nil)
			return
		}
		next(w, r)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidJSON, "Invalid JSON body", map[string]any{"reason": err.Error()})
		return false
	}
	return true
}

// writeDomainError maps domain errors to status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var (
		reqErr *domain.RequestError
		runNF  *domain.RunNotFoundError
		projNF *domain.ProjectNotFoundError
		trans  *domain.InvalidTransitionError
	)
	switch {
	case errors.As(err, &reqErr):
		status := http.StatusBadRequest
		if reqErr.Code == domain.CodeProjectNotFound {
			status = http.StatusNotFound
		}
		h.writeError(w, status, reqErr.Code, reqErr.Message, reqErr.Details)
	case errors.As(err, &runNF):
		h.writeError(w, http.StatusNotFound, domain.CodeRunNotFound, "Run not found", map[string]any{"runId": runNF.ID})
	case errors.As(err, &projNF):
		h.writeError(w, http.StatusNotFound, domain.CodeProjectNotFound, "Project not found", map[string]any{"projectId": projNF.ID})
	case errors.As(err, &trans):
		h.writeError(w, http.StatusConflict, CodeRunFinished, "Run already finished", map[string]any{"status": string(trans.From)})
	default:
		log.ErrorErr(log.CatAPI, "Request failed", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "Internal error", nil)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatAPI, "Failed to encode JSON response", "error", err.Error())
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

func writeEvent(w http.ResponseWriter, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error(log.CatAPI, "Failed to marshal event", "error", err.Error())
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
