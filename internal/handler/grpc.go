package handler

import (
	"sync"

	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mir00r/trafficguard/internal/domain"
	"github.com/mir00r/trafficguard/internal/registry"
	"github.com/mir00r/trafficguard/pkg/logger"
)

// InstanceSource is the part of the registry the health bridge reads
type InstanceSource interface {
	Services() []string
	HealthyInstances(serviceName string) []domain.ServiceInstance
}

// HealthBridge mirrors service availability into a grpc.health.v1 server: a
// service is SERVING while it has at least one healthy instance. The empty
// service name reports the process itself.
type HealthBridge struct {
	server *health.Server
	logger *logger.Logger

	mu     sync.Mutex
	source InstanceSource
	status map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
}

// NewHealthBridge creates a bridge with the process reported as SERVING
func NewHealthBridge(log *logger.Logger) *HealthBridge {
	b := &HealthBridge{
		server: health.NewServer(),
		logger: log.WithField("component", "grpc_health"),
		status: make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus),
	}
	b.server.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return b
}

// Server returns the grpc health server to register on a grpc.Server
func (b *HealthBridge) Server() *health.Server {
	return b.server
}

// Attach sets the instance source and synchronizes every known service
func (b *HealthBridge) Attach(source InstanceSource) {
	b.mu.Lock()
	b.source = source
	b.mu.Unlock()
	b.Sync()
}

// Publish implements domain.EventSink. Registry events re-evaluate the service
// they concern; other events are ignored.
func (b *HealthBridge) Publish(e domain.Event) {
	if e.Component != domain.ComponentRegistry {
		return
	}
	service := e.Details[registry.DetailService]
	if service == "" {
		return
	}
	b.update(service)
}

// Sync re-evaluates every known service
func (b *HealthBridge) Sync() {
	b.mu.Lock()
	source := b.source
	b.mu.Unlock()
	if source == nil {
		return
	}
	for _, service := range source.Services() {
		b.update(service)
	}
}

// Status returns the last status set for service
func (b *HealthBridge) Status(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if service == "" {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	if st, ok := b.status[service]; ok {
		return st
	}
	return grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
}

// Shutdown reports every service NOT_SERVING so clients drain before the listener closes
func (b *HealthBridge) Shutdown() {
	b.server.Shutdown()
}

func (b *HealthBridge) update(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.source == nil {
		return
	}

	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if len(b.source.HealthyInstances(service)) > 0 {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}

	if previous, ok := b.status[service]; ok && previous == status {
		return
	}
	b.status[service] = status
	b.server.SetServingStatus(service, status)

	b.logger.WithFields(map[string]interface{}{
		"service": service,
		"status":  status.String(),
	}).Debug("Updated gRPC serving status")
}
