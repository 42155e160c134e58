package api

import (
	"jobscheduler/internal/conditions"
	"jobscheduler/internal/dispatcher"
	"jobscheduler/internal/health"
	"jobscheduler/internal/job"
	"jobscheduler/internal/observability"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Conditions    *conditions.Monitor
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Dispatcher    dispatcher.Dispatcher
	APIKey        string
	RateLimit     float64 // requests per second, 0 disables
	RateBurst     int
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Conditions, cfg.HealthChecker, cfg.Dispatcher)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// API endpoints - auth and rate limit
	protect := chain(
		RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst, cfg.Metrics),
		AuthMiddleware(cfg.APIKey),
	)
	mux.Handle("POST /v1/jobs", protect(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", protect(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("DELETE /v1/jobs", protect(http.HandlerFunc(handler.DeleteAllJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", protect(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", protect(http.HandlerFunc(handler.DeleteJob)))
	mux.Handle("GET /v1/conditions", protect(http.HandlerFunc(handler.GetConditions)))
	mux.Handle("PUT /v1/conditions", protect(http.HandlerFunc(handler.UpdateConditions)))
	mux.Handle("GET /v1/callbacks/stats", protect(http.HandlerFunc(handler.CallbackStats)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}

// chain composes middleware so the first one runs outermost.
func chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}
