package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mir00r/trafficguard/internal/domain"
	"github.com/mir00r/trafficguard/pkg/logger"
)

type staticSource map[string][]domain.ServiceInstance

func (s staticSource) Services() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	return names
}

func (s staticSource) HealthyInstances(service string) []domain.ServiceInstance {
	return s[service]
}

func registryEvent(service string) domain.Event {
	return domain.Event{
		Component: domain.ComponentRegistry,
		Key:       service + "/x",
		Details:   map[string]string{"service": service},
	}
}

func TestHealthBridgeFollowsRegistry(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN, f.bridge.Status("orders"))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, f.bridge.Status(""))

	f.register(t, "orders", "o-1", 9001)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, f.bridge.Status("orders"))

	f.deps.Registry.MarkDown("orders", "o-1")
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, f.bridge.Status("orders"))

	f.deps.Registry.Heartbeat("orders", "o-1")
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, f.bridge.Status("orders"))

	f.deps.Registry.Deregister("orders", "o-1")
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, f.bridge.Status("orders"))
}

func TestHealthBridgeIgnoresOtherComponents(t *testing.T) {
	source := staticSource{"orders": {{InstanceID: "o-1"}}}
	b := NewHealthBridge(logger.NewNop())
	b.Attach(source)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, b.Status("orders"))

	delete(source, "orders")
	b.Publish(domain.Event{Component: domain.ComponentCircuitBreaker, Details: map[string]string{"service": "orders"}})
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, b.Status("orders"))

	b.Publish(registryEvent("orders"))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, b.Status("orders"))
}

func TestHealthBridgeBeforeAttach(t *testing.T) {
	b := NewHealthBridge(logger.NewNop())
	b.Publish(registryEvent("orders"))
	b.Sync()
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN, b.Status("orders"))
}
