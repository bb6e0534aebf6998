// Package api provides the HTTP API handlers and routing for the job service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"vrp-orchestrator/internal/apperrors"
	"vrp-orchestrator/internal/health"
	"vrp-orchestrator/internal/job"
	"vrp-orchestrator/internal/normalize"
	"vrp-orchestrator/internal/worker"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// OwnerHeader carries the id of the user acting on jobs.
const OwnerHeader = "X-Owner-ID"

// heartbeatInterval spaces SSE keep-alive comments on idle streams.
const heartbeatInterval = 15 * time.Second

// Subscriber streams job snapshots.
type Subscriber interface {
	Subscribe(jobID string) (<-chan job.Snapshot, func())
}

// QueueStats reports worker pool counters.
type QueueStats interface {
	Stats() worker.PoolStats
}

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc       *job.Service
	events    Subscriber
	queue     QueueStats
	health    *health.Checker
	solver    worker.Solver
	heartbeat time.Duration
}

// NewHandler creates a new API handler. events and queue may be nil.
func NewHandler(svc *job.Service, events Subscriber, queue QueueStats, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:       svc,
		events:    events,
		queue:     queue,
		health:    healthChecker,
		heartbeat: heartbeatInterval,
	}
}

// submitResponse is the body of a successful submit or duplicate.
type submitResponse struct {
	ID     string     `json:"id"`
	Status job.Status `json:"status"`
}

// listResponse is the body of GET /v1/jobs.
type listResponse struct {
	Jobs []*job.Job `json:"jobs"`
}

// statsResponse is the body of GET /v1/jobs/stats.
type statsResponse struct {
	Jobs  map[job.Status]int `json:"jobs"`
	Queue *worker.PoolStats  `json:"queue,omitempty"`
}

// solveResponse is the body of POST /v1/solve.
type solveResponse struct {
	ExternalID string `json:"externalId,omitempty"`
	*normalize.Response
}

// Solve handles POST /v1/solve: a synchronous pass-through to the solver
// that creates no job. The body is the solver params, bare or wrapped in a
// "vrp" or "params" object.
func (h *Handler) Solve(w http.ResponseWriter, r *http.Request) {
	if h.solver == nil {
		h.writeError(w, http.StatusServiceUnavailable, "solver not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if inner, ok := params["vrp"].(map[string]any); ok {
		params = inner
	}

	sol, err := h.solver.Solve(r.Context(), params)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	resp := sol.Response
	if resp == nil {
		if resp, err = h.solver.FetchResults(r.Context(), sol.ExternalID); err != nil {
			h.handleError(w, r, err)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, solveResponse{ExternalID: sol.ExternalID, Response: resp})
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	req.OwnerID = r.Header.Get(OwnerHeader)

	j, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+j.ID)
	h.writeJSON(w, http.StatusAccepted, submitResponse{ID: j.ID, Status: j.Status})
}

// ListJobs handles GET /v1/jobs
// Query params: status, limit, owner (defaults to the caller)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := job.ListOptions{
		OwnerID: q.Get("owner"),
		Status:  job.Status(q.Get("status")),
	}
	if opts.OwnerID == "" {
		opts.OwnerID = r.Header.Get(OwnerHeader)
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be a positive integer, got %q", raw))
			return
		}
		opts.Limit = limit
	}

	jobs, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, listResponse{Jobs: jobs})
}

// JobStats handles GET /v1/jobs/stats
func (h *Handler) JobStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.Counts(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := statsResponse{Jobs: counts}
	if h.queue != nil {
		stats := h.queue.Stats()
		resp.Queue = &stats
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	snap, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, snap)
}

// GetResult handles GET /v1/jobs/{jobId}/result
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	res, err := h.svc.Result(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// DuplicateJob handles POST /v1/jobs/{jobId}/duplicate
func (h *Handler) DuplicateJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.svc.Duplicate(r.Context(), jobID, r.Header.Get(OwnerHeader))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+j.ID)
	h.writeJSON(w, http.StatusAccepted, submitResponse{ID: j.ID, Status: j.Status})
}

// JobEvents handles GET /v1/jobs/{jobId}/events - a Server-Sent Events
// stream of job snapshots. The current snapshot is sent first; the stream
// ends after a terminal snapshot or when the client disconnects.
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}
	if h.events == nil {
		h.writeError(w, http.StatusNotImplemented, "event streaming is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading the current state so no update is missed.
	ch, unsub := h.events.Subscribe(jobID)
	defer unsub()

	current, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	last := *current
	if err := writeEvent(w, last); err != nil {
		return
	}
	flusher.Flush()
	if last.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap, ok := <-ch:
			if !ok {
				return
			}
			// Skip updates already covered by the initial snapshot.
			if !snap.UpdatedAt.After(last.UpdatedAt) {
				continue
			}
			last = snap
			if err := writeEvent(w, snap); err != nil {
				return
			}
			flusher.Flush()
			if snap.Status.Terminal() {
				return
			}
		}
	}
}

// writeEvent writes one snapshot as an SSE event named after its CloudEvent type.
func writeEvent(w http.ResponseWriter, s job.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", job.EventType(s), data)
	return err
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic, even with the
// solver unreachable. Returns 503 if the job store is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsServing() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// errorResponse is the body of every error reply.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Field string `json:"field,omitempty"`
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	resp := errorResponse{Error: err.Error(), Kind: apperrors.Kind(err)}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		resp.Field = appErr.Field
	}
	h.writeJSON(w, status, resp)
}
