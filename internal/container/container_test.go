package container

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mir00r/trafficguard/internal/breaker"
	"github.com/mir00r/trafficguard/internal/config"
	"github.com/mir00r/trafficguard/internal/domain"
	tgerrors "github.com/mir00r/trafficguard/internal/errors"
	"github.com/mir00r/trafficguard/internal/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.CircuitBreaker.Config = breaker.Config{FailureThreshold: 2, Timeout: time.Minute}
	cfg.RateLimit.Policies = map[string]ratelimit.Policy{
		"batch":     {MaxRequests: 1, Window: time.Minute},
		AdminPolicy: {MaxRequests: 1, Window: time.Minute},
	}
	cfg.StaticInstances = []config.InstanceConfig{
		{Service: "orders", ID: "orders-1", Host: "10.0.0.1", Port: 8080},
		{Service: "orders", ID: "orders-2", Host: "10.0.0.2", Port: 8080},
	}
	return cfg
}

func newTestContainer(t *testing.T, cfg *config.Config) (*Container, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c, err := New(cfg, nil, WithClock(clock.Now))
	require.NoError(t, err)
	return c, clock
}

func TestNewRegistersStaticInstances(t *testing.T) {
	c, _ := newTestContainer(t, testConfig())

	assert.Equal(t, []string{"orders"}, c.Registry().Services())
	assert.Len(t, c.Registry().HealthyInstances("orders"), 2)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, c.HealthBridge().Status("orders"))
}

func TestNewRejectsInvalidStaticInstance(t *testing.T) {
	cfg := testConfig()
	cfg.StaticInstances = append(cfg.StaticInstances, config.InstanceConfig{Service: "orders", ID: "bad", Host: "10.0.0.3"})

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrInvalidInstance))
}

func TestNewAppliesServiceStrategies(t *testing.T) {
	cfg := testConfig()
	cfg.Balancer.Services = map[string]string{"orders": string(domain.LeastConnections)}

	c, _ := newTestContainer(t, cfg)
	assert.Equal(t, domain.LeastConnections, c.Balancer().StrategyFor("orders"))
	assert.Equal(t, domain.RoundRobin, c.Balancer().StrategyFor("billing"))
}

func TestResolveRotatesHealthyInstances(t *testing.T) {
	c, _ := newTestContainer(t, testConfig())

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		sel, err := c.Resolve("orders", "")
		require.NoError(t, err)
		seen[sel.Instance.InstanceID] = true
		sel.Done()
	}
	assert.Equal(t, map[string]bool{"orders-1": true, "orders-2": true}, seen)

	c.Registry().MarkDown("orders", "orders-1")
	for i := 0; i < 3; i++ {
		sel, err := c.Resolve("orders", "")
		require.NoError(t, err)
		assert.Equal(t, "orders-2", sel.Instance.InstanceID)
		sel.Done()
	}
}

func TestDeregisterReleasesBalancerState(t *testing.T) {
	c, _ := newTestContainer(t, testConfig())

	held, err := c.Resolve("orders", "")
	require.NoError(t, err)
	assert.Equal(t, "orders-1", held.Instance.InstanceID)
	assert.Equal(t, int64(1), c.Balancer().InFlight("orders", "orders-1"))

	c.Registry().Deregister("orders", "orders-1")
	assert.Equal(t, int64(0), c.Balancer().InFlight("orders", "orders-1"))
	held.Done()

	// once the service is empty its cursor starts over
	c.Registry().Deregister("orders", "orders-2")
	for _, ic := range testConfig().StaticInstances {
		require.NoError(t, c.Registry().Register(ic.ToInstance()))
	}
	sel, err := c.Resolve("orders", "")
	require.NoError(t, err)
	defer sel.Done()
	assert.Equal(t, "orders-1", sel.Instance.InstanceID)
}

func TestResolveWithoutInstances(t *testing.T) {
	c, _ := newTestContainer(t, testConfig())

	_, err := c.Resolve("billing", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrNoAvailableInstance))
}

func TestResolveAdmitsCaller(t *testing.T) {
	c, clock := newTestContainer(t, testConfig())

	sel, err := c.Resolve("orders", "batch")
	require.NoError(t, err)
	sel.Done()

	_, err = c.Resolve("orders", "batch")
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrRateLimitExceeded))

	clock.Advance(time.Minute)
	sel, err = c.Resolve("orders", "batch")
	require.NoError(t, err)
	sel.Done()
}

func TestInvokeOpensBreakerOnFailures(t *testing.T) {
	c, _ := newTestContainer(t, testConfig())
	errDown := errors.New("connection refused")

	calls := 0
	call := func(domain.ServiceInstance) (string, error) {
		calls++
		return "", errDown
	}
	fallback := func(err error) string { return err.Error() }

	assert.Equal(t, errDown.Error(), Invoke(c, "orders", "", call, fallback))
	assert.Equal(t, errDown.Error(), Invoke(c, "orders", "", call, fallback))
	assert.Equal(t, breaker.PhaseOpen, c.Breakers().Get("orders").GetState())

	var cause error
	Invoke(c, "orders", "", call, func(err error) string {
		cause = err
		return ""
	})
	assert.Equal(t, 2, calls)
	assert.True(t, errors.Is(cause, tgerrors.ErrCircuitOpen))

	assert.Zero(t, c.Balancer().InFlight("orders", "orders-1"))
	assert.Zero(t, c.Balancer().InFlight("orders", "orders-2"))
	assert.Equal(t, int64(1), c.Metrics().Count(domain.ComponentCircuitBreaker, "CLOSED", "OPEN"))
}

func TestInvokeReturnsResult(t *testing.T) {
	c, _ := newTestContainer(t, testConfig())

	got := Invoke(c, "orders", "", func(inst domain.ServiceInstance) (string, error) {
		return inst.URL(), nil
	}, func(error) string { return "fallback" })
	assert.Contains(t, []string{"http://10.0.0.1:8080", "http://10.0.0.2:8080"}, got)
}

func TestInvokeFallsBackWhenNothingResolves(t *testing.T) {
	c, _ := newTestContainer(t, testConfig())

	got := Invoke(c, "billing", "", func(domain.ServiceInstance) (int, error) {
		t.Fatal("call must not run")
		return 0, nil
	}, func(err error) int {
		assert.True(t, errors.Is(err, tgerrors.ErrNoAvailableInstance))
		return -1
	})
	assert.Equal(t, -1, got)
}

func TestEventsReachEverySink(t *testing.T) {
	c, _ := newTestContainer(t, testConfig())

	c.Registry().MarkDown("orders", "orders-1")
	c.Registry().MarkDown("orders", "orders-2")

	recent := c.Recorder().Recent(domain.ComponentRegistry, 0)
	require.NotEmpty(t, recent)
	last := recent[len(recent)-1]
	assert.Equal(t, "orders/orders-2", last.Key)
	assert.Equal(t, "DOWN", last.ToState)

	assert.Equal(t, int64(2), c.Metrics().Count(domain.ComponentRegistry, "UP", "DOWN"))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, c.HealthBridge().Status("orders"))

	c.Registry().Heartbeat("orders", "orders-2")
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, c.HealthBridge().Status("orders"))
}

func TestStartStop(t *testing.T) {
	c, _ := newTestContainer(t, testConfig())

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.IsStarted())
	assert.Error(t, c.Start(context.Background()))

	c.Stop()
	assert.False(t, c.IsStarted())
	c.Stop()
}

func TestHandlerReadiness(t *testing.T) {
	c, _ := newTestContainer(t, testConfig())
	h := c.Handler("test")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHandlerProtectsAdminAPI(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.ProtectAdmin = true
	c, _ := newTestContainer(t, cfg)
	h := c.Handler("test")

	get := func(path string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/admin/services"))
	assert.Equal(t, http.StatusTooManyRequests, get("/admin/services"))
	// health endpoints stay outside admission
	assert.Equal(t, http.StatusOK, get("/health"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
}
