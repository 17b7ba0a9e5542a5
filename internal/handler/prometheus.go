package handler

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/mir00r/trafficguard/internal/balancer"
	"github.com/mir00r/trafficguard/internal/breaker"
	"github.com/mir00r/trafficguard/internal/events"
	"github.com/mir00r/trafficguard/internal/ratelimit"
	"github.com/mir00r/trafficguard/internal/registry"
	"github.com/mir00r/trafficguard/pkg/logger"
)

// PrometheusHandler provides Prometheus-compatible metrics endpoint
type PrometheusHandler struct {
	registry  *registry.ServiceRegistry
	balancer  *balancer.LoadBalancer
	breakers  *breaker.Group
	limiter   ratelimit.Limiter
	metrics   *events.Metrics
	logger    *logger.Logger
	startTime time.Time
}

// NewPrometheusHandler creates a new Prometheus metrics handler
func NewPrometheusHandler(deps Dependencies, log *logger.Logger) *PrometheusHandler {
	return &PrometheusHandler{
		registry:  deps.Registry,
		balancer:  deps.Balancer,
		breakers:  deps.Breakers,
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		logger:    log,
		startTime: time.Now(),
	}
}

// MetricsHandler serves Prometheus-formatted metrics
func (h *PrometheusHandler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	h.writeRegistryMetrics(w)
	h.writeBreakerMetrics(w)
	h.writeEventMetrics(w)
	h.writeLimiterMetrics(w)

	writeHeader(w, "trafficguard_uptime_seconds", "gauge", "Process uptime in seconds")
	fmt.Fprintf(w, "trafficguard_uptime_seconds %.2f\n", time.Since(h.startTime).Seconds())

	h.writeGoMetrics(w)

	h.logger.WithField("component", "prometheus").Debug("Served Prometheus metrics")
}

func (h *PrometheusHandler) writeRegistryMetrics(w io.Writer) {
	writeHeader(w, "trafficguard_instances", "gauge", "Registered instances per service and status")
	writeHeader(w, "trafficguard_instances_healthy", "gauge", "Instances eligible for selection per service")
	writeHeader(w, "trafficguard_instance_in_flight", "gauge", "Unreleased selections per instance")

	for _, service := range h.registry.Services() {
		svc := sanitizeLabel(service)
		instances := h.registry.Instances(service)

		up, down := 0, 0
		for _, inst := range instances {
			if inst.IsUp() {
				up++
			} else {
				down++
			}
			fmt.Fprintf(w, "trafficguard_instance_in_flight{service=\"%s\",instance=\"%s\"} %d\n",
				svc, sanitizeLabel(inst.InstanceID), h.balancer.InFlight(service, inst.InstanceID))
		}

		fmt.Fprintf(w, "trafficguard_instances{service=\"%s\",status=\"UP\"} %d\n", svc, up)
		fmt.Fprintf(w, "trafficguard_instances{service=\"%s\",status=\"DOWN\"} %d\n", svc, down)
		fmt.Fprintf(w, "trafficguard_instances_healthy{service=\"%s\"} %d\n", svc, len(h.registry.HealthyInstances(service)))
	}
}

func (h *PrometheusHandler) writeBreakerMetrics(w io.Writer) {
	writeHeader(w, "trafficguard_breaker_phase", "gauge", "Circuit breaker phase (0=closed, 1=open, 2=half-open)")
	writeHeader(w, "trafficguard_breaker_consecutive_failures", "gauge", "Consecutive failures counted by a closed breaker")

	for _, st := range h.breakers.States() {
		key := sanitizeLabel(st.Key)
		fmt.Fprintf(w, "trafficguard_breaker_phase{key=\"%s\"} %d\n", key, int(st.Phase))
		fmt.Fprintf(w, "trafficguard_breaker_consecutive_failures{key=\"%s\"} %d\n", key, st.ConsecutiveFailures)
	}
}

func (h *PrometheusHandler) writeEventMetrics(w io.Writer) {
	writeHeader(w, "trafficguard_transitions_total", "counter", "State transitions by component")
	for _, tc := range h.metrics.Transitions() {
		fmt.Fprintf(w, "trafficguard_transitions_total{component=\"%s\",from=\"%s\",to=\"%s\"} %d\n",
			sanitizeLabel(tc.Component), sanitizeLabel(tc.From), sanitizeLabel(tc.To), tc.Count)
	}

	writeHeader(w, "trafficguard_events_total", "counter", "Events published by all components")
	fmt.Fprintf(w, "trafficguard_events_total %d\n", h.metrics.Total())
}

func (h *PrometheusHandler) writeLimiterMetrics(w io.Writer) {
	stats := h.limiter.GetStats()
	writeHeader(w, "trafficguard_ratelimit_active_callers", "gauge", "Callers with rate limit state")
	fmt.Fprintf(w, "trafficguard_ratelimit_active_callers{algorithm=\"%s\"} %d\n",
		sanitizeLabel(fmt.Sprint(stats["algorithm"])), getInt64Value(stats, "active_callers"))
}

// writeGoMetrics writes Go runtime metrics in Prometheus format
func (h *PrometheusHandler) writeGoMetrics(w io.Writer) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeHeader(w, "go_info", "gauge", "Information about the Go environment")
	fmt.Fprintf(w, "go_info{version=\"%s\"} 1\n", runtime.Version())

	writeHeader(w, "go_goroutines", "gauge", "Number of goroutines that currently exist")
	fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

	writeHeader(w, "go_memstats_heap_alloc_bytes", "gauge", "Heap bytes allocated and still in use")
	fmt.Fprintf(w, "go_memstats_heap_alloc_bytes %d\n", mem.HeapAlloc)

	writeHeader(w, "process_start_time_seconds", "gauge", "Start time of the process since unix epoch in seconds")
	fmt.Fprintf(w, "process_start_time_seconds %d\n", h.startTime.Unix())
}

func writeHeader(w io.Writer, name, kind, help string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

func getInt64Value(data map[string]interface{}, key string) int64 {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
	}
	return 0
}

// sanitizeLabel sanitizes metric label values for Prometheus
func sanitizeLabel(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "\\n")
	return value
}
