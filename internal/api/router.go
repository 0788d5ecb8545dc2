package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/apm"
	"github.com/kiranshivaraju/faultline/internal/capture"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	Logger    *slog.Logger

	// Tracker records panics of the API's own handlers. Optional.
	Tracker mw.PanicTracker
	// APM traces the API's own requests when non-nil.
	APM            *apm.Aggregator
	APMIgnorePaths []string

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	EventHandler http.HandlerFunc

	ListIssues      http.HandlerFunc
	GetIssue        http.HandlerFunc
	ListOccurrences http.HandlerFunc
	GetOccurrence   http.HandlerFunc
	IssueChart      http.HandlerFunc
	ResolveIssue    http.HandlerFunc
	UnresolveIssue  http.HandlerFunc
	IgnoreIssue     http.HandlerFunc
	CreateTicket    http.HandlerFunc

	IngestTrace   http.HandlerFunc
	ListTraces    http.HandlerFunc
	GetTrace      http.HandlerFunc
	GetProfile    http.HandlerFunc
	ResponseTimes http.HandlerFunc
	Throughput    http.HandlerFunc
	Percentiles   http.HandlerFunc
	Endpoints     http.HandlerFunc

	CleanupHandler   http.HandlerFunc
	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(mw.Logger(deps.Logger))
	if deps.APM != nil {
		r.Use(apm.Middleware(deps.APM, deps.APMIgnorePaths))
	}
	r.Use(capture.Middleware)
	r.Use(mw.Recovery(deps.Tracker, deps.Logger))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeIngest))

			r.Post("/api/v1/events", orNotImplemented(deps.EventHandler))
			r.Post("/api/v1/traces", orNotImplemented(deps.IngestTrace))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeRead))

			r.Get("/api/v1/issues", orNotImplemented(deps.ListIssues))
			r.Get("/api/v1/issues/{issueID}", orNotImplemented(deps.GetIssue))
			r.Get("/api/v1/issues/{issueID}/occurrences", orNotImplemented(deps.ListOccurrences))
			r.Get("/api/v1/issues/{issueID}/chart", orNotImplemented(deps.IssueChart))
			r.Get("/api/v1/occurrences/{occurrenceID}", orNotImplemented(deps.GetOccurrence))

			r.Get("/api/v1/traces", orNotImplemented(deps.ListTraces))
			r.Get("/api/v1/traces/{traceID}", orNotImplemented(deps.GetTrace))
			r.Get("/api/v1/traces/{traceID}/profile", orNotImplemented(deps.GetProfile))

			r.Get("/api/v1/apm/response-times", orNotImplemented(deps.ResponseTimes))
			r.Get("/api/v1/apm/throughput", orNotImplemented(deps.Throughput))
			r.Get("/api/v1/apm/percentiles", orNotImplemented(deps.Percentiles))
			r.Get("/api/v1/apm/endpoints", orNotImplemented(deps.Endpoints))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/issues/{issueID}/resolve", orNotImplemented(deps.ResolveIssue))
			r.Post("/api/v1/issues/{issueID}/unresolve", orNotImplemented(deps.UnresolveIssue))
			r.Post("/api/v1/issues/{issueID}/ignore", orNotImplemented(deps.IgnoreIssue))
			r.Post("/api/v1/issues/{issueID}/ticket", orNotImplemented(deps.CreateTicket))

			r.Post("/api/v1/admin/cleanup", orNotImplemented(deps.CleanupHandler))
			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
