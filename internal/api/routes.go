package api

import (
	"net/http"

	"vrp-orchestrator/internal/health"
	"vrp-orchestrator/internal/job"
	"vrp-orchestrator/internal/observability"
	"vrp-orchestrator/internal/worker"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService     *job.Service
	Events         Subscriber
	Queue          QueueStats
	Metrics        *observability.Metrics
	HealthChecker  *health.Checker
	Solver         worker.Solver // serves POST /v1/solve, may be nil
	APIKey         string
	AllowedOrigins []string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Events, cfg.Queue, cfg.HealthChecker)
	handler.solver = cfg.Solver

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - auth required
	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", auth(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/stats", auth(http.HandlerFunc(handler.JobStats)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("GET /v1/jobs/{jobId}/result", auth(http.HandlerFunc(handler.GetResult)))
	mux.Handle("GET /v1/jobs/{jobId}/events", auth(http.HandlerFunc(handler.JobEvents)))
	mux.Handle("POST /v1/jobs/{jobId}/duplicate", auth(http.HandlerFunc(handler.DuplicateJob)))
	mux.Handle("POST /v1/solve", auth(http.HandlerFunc(handler.Solve)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware(cfg.AllowedOrigins)(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
