package handler

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthHandler provides process health endpoints
type HealthHandler struct {
	startTime time.Time
	version   string
	ready     func() bool
}

// NewHealthHandler creates a new health handler. ready reports whether the
// background loops are running; nil means always ready.
func NewHealthHandler(version string, ready func() bool) *HealthHandler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &HealthHandler{
		startTime: time.Now(),
		version:   version,
		ready:     ready,
	}
}

// HealthHandler handles GET /health
func (h *HealthHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, "healthy")
}

// ReadinessHandler checks if the application is ready to serve traffic
func (h *HealthHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready() {
		h.write(w, http.StatusServiceUnavailable, "not_ready")
		return
	}
	h.write(w, http.StatusOK, "ready")
}

// LivenessHandler checks if the application is alive
func (h *HealthHandler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, "alive")
}

func (h *HealthHandler) write(w http.ResponseWriter, status int, state string) {
	response := map[string]interface{}{
		"status":    state,
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}
