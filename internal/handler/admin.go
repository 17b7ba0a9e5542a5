package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/trafficguard/internal/balancer"
	"github.com/mir00r/trafficguard/internal/breaker"
	"github.com/mir00r/trafficguard/internal/domain"
	tgerrors "github.com/mir00r/trafficguard/internal/errors"
	"github.com/mir00r/trafficguard/internal/events"
	"github.com/mir00r/trafficguard/internal/healthcheck"
	"github.com/mir00r/trafficguard/internal/middleware"
	"github.com/mir00r/trafficguard/internal/ratelimit"
	"github.com/mir00r/trafficguard/internal/registry"
	"github.com/mir00r/trafficguard/pkg/logger"
)

// Resolver picks an instance of service on behalf of caller
type Resolver interface {
	Resolve(service, caller string) (*balancer.Selection, error)
}

// Dependencies are the components exposed through the admin API
type Dependencies struct {
	Registry *registry.ServiceRegistry
	Balancer *balancer.LoadBalancer
	Breakers *breaker.Group
	Limiter  ratelimit.Limiter
	Checker  *healthcheck.Checker
	Recorder *events.Recorder
	Metrics  *events.Metrics
	Resolver Resolver
}

// AdminHandler provides administrative API endpoints
type AdminHandler struct {
	deps      Dependencies
	logger    *logger.Logger
	startTime time.Time
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(deps Dependencies, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		deps:      deps,
		logger:    log.AdminLogger(),
		startTime: time.Now(),
	}
}

// InstanceRequest is the body of POST /admin/services/{service}/instances
type InstanceRequest struct {
	ID       string            `json:"id"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Weight   int               `json:"weight,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ServiceSummary describes one service in GET /admin/services
type ServiceSummary struct {
	Name             string `json:"name"`
	Strategy         string `json:"strategy"`
	TotalInstances   int    `json:"total_instances"`
	HealthyInstances int    `json:"healthy_instances"`
}

// InstanceResponse is an instance plus its balancer state
type InstanceResponse struct {
	domain.ServiceInstance
	URL      string `json:"url"`
	InFlight int64  `json:"in_flight"`
}

// StrategyRequest is the body of PUT /admin/balancer/strategy. An empty Service
// changes the default strategy.
type StrategyRequest struct {
	Strategy string `json:"strategy"`
	Service  string `json:"service,omitempty"`
}

// SelectionResponse describes the instance picked by GET /admin/services/{service}/select
type SelectionResponse struct {
	Service  string           `json:"service"`
	Strategy string           `json:"strategy"`
	Instance InstanceResponse `json:"instance"`
}

// QuotaResponse reports the remaining quota of a caller
type QuotaResponse struct {
	Caller    string `json:"caller"`
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
	Window    string `json:"window"`
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Status    int       `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// ListServicesHandler handles GET /admin/services
func (h *AdminHandler) ListServicesHandler(w http.ResponseWriter, r *http.Request) {
	names := h.deps.Registry.Services()
	response := make([]ServiceSummary, 0, len(names))
	for _, name := range names {
		response = append(response, ServiceSummary{
			Name:             name,
			Strategy:         string(h.deps.Balancer.StrategyFor(name)),
			TotalInstances:   len(h.deps.Registry.Instances(name)),
			HealthyInstances: len(h.deps.Registry.HealthyInstances(name)),
		})
	}
	h.writeJSON(w, http.StatusOK, response)
}

// ListInstancesHandler handles GET /admin/services/{service}/instances.
// With ?healthy=true only instances eligible for selection are listed.
func (h *AdminHandler) ListInstancesHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	healthyOnly, _ := strconv.ParseBool(r.URL.Query().Get("healthy"))

	var instances []domain.ServiceInstance
	if healthyOnly {
		instances = h.deps.Registry.HealthyInstances(service)
	} else {
		instances = h.deps.Registry.Instances(service)
	}

	response := make([]InstanceResponse, 0, len(instances))
	for _, inst := range instances {
		response = append(response, h.instanceResponse(inst))
	}
	h.writeJSON(w, http.StatusOK, response)
}

// GetInstanceHandler handles GET /admin/services/{service}/instances/{id}
func (h *AdminHandler) GetInstanceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inst, ok := h.deps.Registry.Instance(vars["service"], vars["id"])
	if !ok {
		h.writeErrorResponse(w, r, "instance not found", http.StatusNotFound, "NOT_FOUND")
		return
	}
	h.writeJSON(w, http.StatusOK, h.instanceResponse(inst))
}

// RegisterInstanceHandler handles POST /admin/services/{service}/instances
func (h *AdminHandler) RegisterInstanceHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	var req InstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, r, "invalid JSON body", http.StatusBadRequest, string(tgerrors.ErrCodeInvalidInstance))
		return
	}

	inst := domain.ServiceInstance{
		ServiceName: service,
		InstanceID:  req.ID,
		Host:        req.Host,
		Port:        req.Port,
		Weight:      req.Weight,
		Metadata:    req.Metadata,
	}
	if err := h.deps.Registry.Register(inst); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"action":      "register_instance",
		"service":     service,
		"instance_id": req.ID,
		"address":     inst.Address(),
	}).Info("Registered instance")

	registered, _ := h.deps.Registry.Instance(service, req.ID)
	h.writeJSON(w, http.StatusCreated, h.instanceResponse(registered))
}

// HeartbeatHandler handles PUT /admin/services/{service}/instances/{id}/heartbeat.
// An unknown instance answers 404 so the caller knows to register again.
func (h *AdminHandler) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !h.deps.Registry.Heartbeat(vars["service"], vars["id"]) {
		h.writeErrorResponse(w, r, "instance not registered", http.StatusNotFound, "NOT_FOUND")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkDownHandler handles PUT /admin/services/{service}/instances/{id}/down
func (h *AdminHandler) MarkDownHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !h.deps.Registry.MarkDown(vars["service"], vars["id"]) {
		h.writeErrorResponse(w, r, "instance not registered", http.StatusNotFound, "NOT_FOUND")
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"action":      "mark_down",
		"service":     vars["service"],
		"instance_id": vars["id"],
	}).Info("Marked instance down")

	w.WriteHeader(http.StatusNoContent)
}

// DeregisterInstanceHandler handles DELETE /admin/services/{service}/instances/{id}.
// Removing an unknown instance succeeds.
func (h *AdminHandler) DeregisterInstanceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.deps.Registry.Deregister(vars["service"], vars["id"])

	h.logger.WithFields(map[string]interface{}{
		"action":      "deregister_instance",
		"service":     vars["service"],
		"instance_id": vars["id"],
	}).Info("Deregistered instance")

	w.WriteHeader(http.StatusNoContent)
}

// SelectHandler handles GET /admin/services/{service}/select?caller=. The
// selection is released before responding; it previews the pick a client
// would receive.
func (h *AdminHandler) SelectHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	sel, err := h.deps.Resolver.Resolve(service, r.URL.Query().Get("caller"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sel.Done()

	h.writeJSON(w, http.StatusOK, SelectionResponse{
		Service:  service,
		Strategy: string(sel.Strategy),
		Instance: h.instanceResponse(sel.Instance),
	})
}

// GetBalancerHandler handles GET /admin/balancer
func (h *AdminHandler) GetBalancerHandler(w http.ResponseWriter, r *http.Request) {
	stats := h.deps.Balancer.GetStats()
	strategies := domain.AvailableStrategies()
	available := make([]string, 0, len(strategies))
	for _, s := range strategies {
		available = append(available, string(s))
	}
	stats["available_strategies"] = available
	h.writeJSON(w, http.StatusOK, stats)
}

// SetStrategyHandler handles PUT /admin/balancer/strategy
func (h *AdminHandler) SetStrategyHandler(w http.ResponseWriter, r *http.Request) {
	var req StrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, r, "invalid JSON body", http.StatusBadRequest, string(tgerrors.ErrCodeUnknownStrategy))
		return
	}

	strategy := domain.Strategy(req.Strategy)
	var err error
	if req.Service == "" {
		err = h.deps.Balancer.SetStrategy(strategy)
	} else {
		err = h.deps.Balancer.SetServiceStrategy(req.Service, strategy)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.GetBalancerHandler(w, r)
}

// ClearStrategyHandler handles DELETE /admin/balancer/strategy/{service}
func (h *AdminHandler) ClearStrategyHandler(w http.ResponseWriter, r *http.Request) {
	h.deps.Balancer.ClearServiceStrategy(mux.Vars(r)["service"])
	w.WriteHeader(http.StatusNoContent)
}

// ListBreakersHandler handles GET /admin/breakers
func (h *AdminHandler) ListBreakersHandler(w http.ResponseWriter, r *http.Request) {
	states := h.deps.Breakers.States()
	if states == nil {
		states = []breaker.State{}
	}
	h.writeJSON(w, http.StatusOK, states)
}

// GetBreakerHandler handles GET /admin/breakers/{key}
func (h *AdminHandler) GetBreakerHandler(w http.ResponseWriter, r *http.Request) {
	cb, ok := h.deps.Breakers.Lookup(mux.Vars(r)["key"])
	if !ok {
		h.writeErrorResponse(w, r, "circuit breaker not found", http.StatusNotFound, "NOT_FOUND")
		return
	}
	h.writeJSON(w, http.StatusOK, cb.Snapshot())
}

// ResetBreakerHandler handles POST /admin/breakers/{key}/reset
func (h *AdminHandler) ResetBreakerHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if !h.deps.Breakers.Reset(key) {
		h.writeErrorResponse(w, r, "circuit breaker not found", http.StatusNotFound, "NOT_FOUND")
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"action": "reset_breaker",
		"key":    key,
	}).Info("Reset circuit breaker")

	cb, _ := h.deps.Breakers.Lookup(key)
	h.writeJSON(w, http.StatusOK, cb.Snapshot())
}

// GetQuotaHandler handles GET /admin/ratelimit/{caller}
func (h *AdminHandler) GetQuotaHandler(w http.ResponseWriter, r *http.Request) {
	caller := mux.Vars(r)["caller"]
	policy := h.deps.Limiter.Policy(caller)
	h.writeJSON(w, http.StatusOK, QuotaResponse{
		Caller:    caller,
		Remaining: h.deps.Limiter.RemainingQuota(caller),
		Limit:     policy.MaxRequests,
		Window:    policy.Window.String(),
	})
}

// ResetQuotaHandler handles DELETE /admin/ratelimit/{caller}
func (h *AdminHandler) ResetQuotaHandler(w http.ResponseWriter, r *http.Request) {
	caller := mux.Vars(r)["caller"]
	h.deps.Limiter.Reset(caller)

	h.logger.WithFields(map[string]interface{}{
		"action": "reset_quota",
		"caller": caller,
	}).Info("Reset rate limit window")

	w.WriteHeader(http.StatusNoContent)
}

// ListEventsHandler handles GET /admin/events?component=&limit=
func (h *AdminHandler) ListEventsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 100
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeErrorResponse(w, r, "limit must be a non-negative integer", http.StatusBadRequest, "INVALID_REQUEST")
			return
		}
		limit = n
	}

	recent := h.deps.Recorder.Recent(query.Get("component"), limit)
	if recent == nil {
		recent = []domain.Event{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":      recent,
		"total_seen":  h.deps.Recorder.Total(),
		"capacity":    h.deps.Recorder.Capacity(),
		"transitions": h.deps.Metrics.Transitions(),
	})
}

// GetStatsHandler handles GET /admin/stats
func (h *AdminHandler) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":          time.Since(h.startTime).String(),
		"registry":        h.deps.Registry.GetStats(),
		"load_balancer":   h.deps.Balancer.GetStats(),
		"circuit_breaker": h.deps.Breakers.GetStats(),
		"rate_limiter":    h.deps.Limiter.GetStats(),
		"health_check":    h.deps.Checker.GetStats(),
		"events":          h.deps.Metrics.GetStats(),
	})
}

func (h *AdminHandler) instanceResponse(inst domain.ServiceInstance) InstanceResponse {
	return InstanceResponse{
		ServiceInstance: inst,
		URL:             inst.URL(),
		InFlight:        h.deps.Balancer.InFlight(inst.ServiceName, inst.InstanceID),
	}
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

// writeError maps a component error onto its HTTP status
func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if tgerrors.IsTrafficError(err) {
		status = tgerrors.GetHTTPStatusCode(err)
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.WithError(err).Error("Admin request failed")
	}
	h.writeErrorResponse(w, r, err.Error(), status, string(tgerrors.GetErrorCode(err)))
}

func (h *AdminHandler) writeErrorResponse(w http.ResponseWriter, r *http.Request, message string, status int, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     message,
		Code:      code,
		Status:    status,
		Timestamp: time.Now().UTC(),
		RequestID: middleware.RequestID(r.Context()),
	})
}
