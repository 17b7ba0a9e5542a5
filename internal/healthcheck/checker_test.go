package healthcheck

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/trafficguard/internal/domain"
	"github.com/mir00r/trafficguard/internal/registry"
)

// switchable serves 200 or 503 depending on healthy
type switchable struct {
	healthy atomic.Bool
	hits    atomic.Int32
	path    atomic.Value
}

func (s *switchable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	s.path.Store(r.URL.Path)
	if s.healthy.Load() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

func instanceFor(t *testing.T, srv *httptest.Server, service, id string) domain.ServiceInstance {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return domain.ServiceInstance{ServiceName: service, InstanceID: id, Host: host, Port: port}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Interval = 10 * time.Millisecond
	cfg.Timeout = time.Second
	cfg.HealthyThreshold = 2
	cfg.UnhealthyThreshold = 2
	return cfg
}

func newRegistry(t *testing.T) *registry.ServiceRegistry {
	t.Helper()
	reg, err := registry.New(registry.DefaultConfig())
	require.NoError(t, err)
	return reg
}

func status(t *testing.T, reg *registry.ServiceRegistry, service, id string) domain.InstanceStatus {
	t.Helper()
	inst, ok := reg.Instance(service, id)
	require.True(t, ok)
	return inst.Status
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate(), "disabled config is not validated")
	assert.NoError(t, testConfig().Validate())

	cfg := testConfig()
	cfg.UnhealthyThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.Interval = 0
	assert.Error(t, cfg.Validate())
}

func TestProbeUsesMetadataPath(t *testing.T) {
	backend := &switchable{}
	backend.healthy.Store(true)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c := New(testConfig(), newRegistry(t), nil)

	inst := instanceFor(t, srv, "orders", "o-1")
	require.NoError(t, c.Probe(context.Background(), inst))
	assert.Equal(t, "/health", backend.path.Load())

	inst.Metadata = map[string]string{MetadataHealthPath: "/ready"}
	require.NoError(t, c.Probe(context.Background(), inst))
	assert.Equal(t, "/ready", backend.path.Load())

	backend.healthy.Store(false)
	assert.Error(t, c.Probe(context.Background(), inst))
}

func TestCheckAllMarksDownAfterThreshold(t *testing.T) {
	backend := &switchable{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	reg := newRegistry(t)
	require.NoError(t, reg.Register(instanceFor(t, srv, "orders", "o-1")))
	c := New(testConfig(), reg, nil)

	assert.Equal(t, 1, c.CheckAll(context.Background()))
	assert.Equal(t, domain.StatusUp, status(t, reg, "orders", "o-1"))

	c.CheckAll(context.Background())
	assert.Equal(t, domain.StatusDown, status(t, reg, "orders", "o-1"))
	assert.Empty(t, reg.HealthyInstances("orders"))
}

func TestCheckAllRecoversAfterHealthyThreshold(t *testing.T) {
	backend := &switchable{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	reg := newRegistry(t)
	require.NoError(t, reg.Register(instanceFor(t, srv, "orders", "o-1")))
	require.True(t, reg.MarkDown("orders", "o-1"))

	backend.healthy.Store(true)
	c := New(testConfig(), reg, nil)

	c.CheckAll(context.Background())
	assert.Equal(t, domain.StatusDown, status(t, reg, "orders", "o-1"))

	c.CheckAll(context.Background())
	assert.Equal(t, domain.StatusUp, status(t, reg, "orders", "o-1"))
}

func TestCheckAllRefreshesHeartbeat(t *testing.T) {
	backend := &switchable{}
	backend.healthy.Store(true)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	reg, err := registry.New(registry.DefaultConfig(), registry.WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, reg.Register(instanceFor(t, srv, "orders", "o-1")))

	now = now.Add(20 * time.Second)
	New(testConfig(), reg, nil).CheckAll(context.Background())

	inst, ok := reg.Instance("orders", "o-1")
	require.True(t, ok)
	assert.Equal(t, now, inst.LastHeartbeat)
}

func TestCheckAllStampsProbesWithClock(t *testing.T) {
	backend := &switchable{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	reg := newRegistry(t)
	require.NoError(t, reg.Register(instanceFor(t, srv, "orders", "o-1")))

	checkedAt := time.Date(2030, 6, 1, 8, 0, 0, 0, time.UTC)
	c := New(testConfig(), reg, nil, WithClock(func() time.Time { return checkedAt }))
	c.CheckAll(context.Background())

	last := c.GetStats()["last_checked"].(map[string]time.Time)
	assert.Equal(t, checkedAt, last["orders/o-1"])
}

func TestCheckAllForgetsDeregisteredInstances(t *testing.T) {
	backend := &switchable{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	reg := newRegistry(t)
	require.NoError(t, reg.Register(instanceFor(t, srv, "orders", "o-1")))
	c := New(testConfig(), reg, nil)

	c.CheckAll(context.Background())
	assert.Equal(t, 1, c.GetStats()["tracked_instances"])

	reg.Deregister("orders", "o-1")
	assert.Zero(t, c.CheckAll(context.Background()))
	assert.Equal(t, 0, c.GetStats()["tracked_instances"])
}

func TestStartStop(t *testing.T) {
	backend := &switchable{}
	backend.healthy.Store(true)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	reg := newRegistry(t)
	require.NoError(t, reg.Register(instanceFor(t, srv, "orders", "o-1")))
	c := New(testConfig(), reg, nil)

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.IsRunning())
	assert.Error(t, c.Start(context.Background()))

	assert.Eventually(t, func() bool { return backend.hits.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	assert.False(t, c.IsRunning())
	c.Stop()
}

func TestStartDisabled(t *testing.T) {
	c := New(DefaultConfig(), newRegistry(t), nil)
	require.NoError(t, c.Start(context.Background()))
	assert.False(t, c.IsRunning())
}
