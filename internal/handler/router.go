package handler

import (
	"net/http"

	"github.com/gorilla/mux"
)

// AdminPrefix is the path prefix of the admin API
const AdminPrefix = "/admin"

// NewRouter wires the admin API, metrics and health endpoints. Middlewares in
// adminMiddlewares only wrap the /admin routes.
func NewRouter(admin *AdminHandler, prom *PrometheusHandler, health *HealthHandler, adminMiddlewares ...mux.MiddlewareFunc) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", health.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/readiness", health.ReadinessHandler).Methods(http.MethodGet)
	router.HandleFunc("/liveness", health.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/metrics", prom.MetricsHandler).Methods(http.MethodGet)

	api := router.PathPrefix(AdminPrefix).Subrouter()
	api.Use(adminMiddlewares...)

	// Registry
	api.HandleFunc("/services", admin.ListServicesHandler).Methods(http.MethodGet)
	api.HandleFunc("/services/{service}/instances", admin.ListInstancesHandler).Methods(http.MethodGet)
	api.HandleFunc("/services/{service}/instances", admin.RegisterInstanceHandler).Methods(http.MethodPost)
	api.HandleFunc("/services/{service}/instances/{id}", admin.GetInstanceHandler).Methods(http.MethodGet)
	api.HandleFunc("/services/{service}/instances/{id}", admin.DeregisterInstanceHandler).Methods(http.MethodDelete)
	api.HandleFunc("/services/{service}/instances/{id}/heartbeat", admin.HeartbeatHandler).Methods(http.MethodPut)
	api.HandleFunc("/services/{service}/instances/{id}/down", admin.MarkDownHandler).Methods(http.MethodPut)
	api.HandleFunc("/services/{service}/select", admin.SelectHandler).Methods(http.MethodGet)

	// Load balancer
	api.HandleFunc("/balancer", admin.GetBalancerHandler).Methods(http.MethodGet)
	api.HandleFunc("/balancer/strategy", admin.SetStrategyHandler).Methods(http.MethodPut)
	api.HandleFunc("/balancer/strategy/{service}", admin.ClearStrategyHandler).Methods(http.MethodDelete)

	// Circuit breakers
	api.HandleFunc("/breakers", admin.ListBreakersHandler).Methods(http.MethodGet)
	api.HandleFunc("/breakers/{key}", admin.GetBreakerHandler).Methods(http.MethodGet)
	api.HandleFunc("/breakers/{key}/reset", admin.ResetBreakerHandler).Methods(http.MethodPost)

	// Rate limiter
	api.HandleFunc("/ratelimit/{caller}", admin.GetQuotaHandler).Methods(http.MethodGet)
	api.HandleFunc("/ratelimit/{caller}", admin.ResetQuotaHandler).Methods(http.MethodDelete)

	api.HandleFunc("/events", admin.ListEventsHandler).Methods(http.MethodGet)
	api.HandleFunc("/stats", admin.GetStatsHandler).Methods(http.MethodGet)

	return router
}
