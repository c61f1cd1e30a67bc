package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/aiserve/gpuorchestrator/internal/api"
	"github.com/aiserve/gpuorchestrator/internal/metrics"
	"github.com/aiserve/gpuorchestrator/internal/middleware"
)

// Deps carries everything the HTTP surface needs. Nil optional fields
// disable their routes.
type Deps struct {
	Jobs      *api.JobHandler
	Queue     *api.QueueHandler
	Providers *api.ProviderHandler
	Templates *api.TemplateHandler
	Instances *api.InstanceHandler
	Admin     *api.AdminHandler
	WS        *api.WebSocketHandler

	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter

	// RequestsPerMinute is the per-user API budget; 0 disables limiting.
	RequestsPerMinute int
}

// New assembles the versioned API. Everything under /api/v1 requires a
// bearer token; admin routes additionally require the admin claim.
func New(d Deps) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Recovery)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.CORS)

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","timestamp":"%s"}`, time.Now().UTC().Format(time.RFC3339))
	}).Methods("GET")

	r.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(metrics.GetMetrics().ToPrometheus()))
	}).Methods("GET")

	apiRouter := r.PathPrefix("/api/v1").Subrouter()

	protected := apiRouter.PathPrefix("").Subrouter()
	protected.Use(d.Auth.RequireAuth)
	if d.RateLimiter != nil && d.RequestsPerMinute > 0 {
		protected.Use(d.RateLimiter.Limit(d.RequestsPerMinute))
	}

	protected.HandleFunc("/jobs/submit", d.Jobs.Submit).Methods("POST")
	protected.HandleFunc("/jobs", d.Jobs.List).Methods("GET")
	protected.HandleFunc("/jobs/{id}", d.Jobs.Get).Methods("GET")
	protected.HandleFunc("/jobs/{id}/cancel", d.Jobs.Cancel).Methods("POST")
	protected.HandleFunc("/jobs/{id}/priority", d.Jobs.UpdatePriority).Methods("PUT")

	protected.HandleFunc("/queue/status", d.Queue.Status).Methods("GET")
	protected.HandleFunc("/quota/status", d.Queue.QuotaStatus).Methods("GET")

	protected.HandleFunc("/providers/status", d.Providers.Status).Methods("GET")
	protected.HandleFunc("/providers/{name}/pricing", d.Providers.Pricing).Methods("GET")

	protected.HandleFunc("/templates", d.Templates.List).Methods("GET")
	protected.HandleFunc("/templates/{name}", d.Templates.Get).Methods("GET")

	if d.WS != nil {
		protected.HandleFunc("/ws/jobs/{id}", d.WS.WatchJob).Methods("GET")
	}

	admin := apiRouter.PathPrefix("/admin").Subrouter()
	admin.Use(d.Auth.RequireAdmin)

	admin.HandleFunc("/templates", d.Templates.Create).Methods("POST")
	admin.HandleFunc("/instances", d.Instances.List).Methods("GET")
	admin.HandleFunc("/instances/{id}", d.Instances.Get).Methods("GET")
	admin.HandleFunc("/instances/{id}/terminate", d.Instances.Terminate).Methods("POST")
	admin.HandleFunc("/providers/health-check", d.Providers.CheckHealth).Methods("POST")
	if d.Admin != nil {
		admin.HandleFunc("/quotas/{userID}", d.Admin.GetQuota).Methods("GET")
		admin.HandleFunc("/quotas/{userID}", d.Admin.SetQuota).Methods("PUT")
		admin.HandleFunc("/providers/{name}", d.Admin.SetProviderConfig).Methods("PUT")
	}

	return r
}
