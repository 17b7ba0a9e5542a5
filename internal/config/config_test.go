package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/trafficguard/internal/breaker"
	"github.com/mir00r/trafficguard/internal/domain"
	tgerrors "github.com/mir00r/trafficguard/internal/errors"
	"github.com/mir00r/trafficguard/internal/ratelimit"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.CircuitBreaker.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Registry.TTL)
	assert.Equal(t, ratelimit.AlgorithmFixedWindow, cfg.RateLimit.Algorithm)
	assert.False(t, cfg.HealthCheck.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9000
  grpc_port: 0
registry:
  heartbeat_interval: 5s
balancer:
  strategy: least_connections
  services:
    search: weighted_round_robin
circuit_breaker:
  failure_threshold: 3
  timeout: 10s
  overrides:
    payments:
      failure_threshold: 1
      timeout: 30s
rate_limit:
  algorithm: token_bucket
  protect_admin: true
  default:
    max_requests: 50
    window: 1s
  policies:
    batch:
      max_requests: 5
      window: 1m
static_instances:
  - service: orders
    id: o-1
    host: 10.0.0.5
    port: 8080
    weight: 2
    metadata:
      zone: eu-west-1a
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 0, cfg.Server.GRPCPort)
	assert.Equal(t, 5*time.Second, cfg.Registry.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.Registry.TTL)
	assert.Equal(t, 5*time.Second, cfg.Registry.SweepInterval)
	assert.Equal(t, "least_connections", cfg.Balancer.Strategy)
	assert.Equal(t, map[string]domain.Strategy{"search": domain.WeightedRoundRobin}, cfg.ServiceStrategies())
	assert.Equal(t, 3, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 1, cfg.CircuitBreaker.Overrides["payments"].FailureThreshold)
	assert.Equal(t, ratelimit.AlgorithmTokenBucket, cfg.RateLimit.Algorithm)
	assert.True(t, cfg.RateLimit.ProtectAdmin)
	assert.Equal(t, time.Minute, cfg.RateLimit.Policies["batch"].Window)
	assert.Equal(t, ratelimit.DefaultIdleTTL, cfg.RateLimit.IdleTTL)

	require.Len(t, cfg.StaticInstances, 1)
	inst := cfg.StaticInstances[0].ToInstance()
	assert.Equal(t, "orders/o-1", inst.Key())
	assert.Equal(t, 2, inst.Weight)
	assert.Equal(t, "eu-west-1a", inst.Metadata["zone"])

	// unset sections keep their defaults
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "server: [unclosed"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "balancer:\n  strategy: fastest\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"same ports", func(c *Config) { c.Server.GRPCPort = c.Server.Port }},
		{"ttl not above heartbeat", func(c *Config) { c.Registry.TTL = c.Registry.HeartbeatInterval }},
		{"unknown strategy", func(c *Config) { c.Balancer.Strategy = "fastest" }},
		{"unknown service strategy", func(c *Config) { c.Balancer.Services = map[string]string{"a": "x"} }},
		{"breaker threshold", func(c *Config) { c.CircuitBreaker.FailureThreshold = 0 }},
		{"breaker override", func(c *Config) {
			c.CircuitBreaker.Overrides = map[string]breaker.Config{"p": {FailureThreshold: 1}}
		}},
		{"rate limit", func(c *Config) { c.RateLimit.Default.Window = 0 }},
		{"health check", func(c *Config) { c.HealthCheck.Enabled = true; c.HealthCheck.Interval = 0 }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"log output", func(c *Config) { c.Logging.Output = "syslog" }},
		{"invalid instance", func(c *Config) {
			c.StaticInstances = []InstanceConfig{{Service: "a", ID: "1", Host: "h", Port: 0}}
		}},
		{"duplicate instance", func(c *Config) {
			inst := InstanceConfig{Service: "a", ID: "1", Host: "h", Port: 80}
			c.StaticInstances = []InstanceConfig{inst, inst}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnvironment(t *testing.T) {
	t.Setenv("TG_PORT", "8181")
	t.Setenv("TG_STRATEGY", "random")
	t.Setenv("TG_HEARTBEAT_INTERVAL", "20s")
	t.Setenv("TG_BREAKER_FAILURE_THRESHOLD", "7")
	t.Setenv("TG_RATE_LIMIT_PROTECT_ADMIN", "true")
	t.Setenv("TG_HEALTH_CHECK_ENABLED", "true")
	t.Setenv("TG_INSTANCES", "orders/o-1=10.0.0.5:8080=3, orders/o-2=[::1]:8081")
	t.Setenv("TG_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnvironment(cfg))

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "random", cfg.Balancer.Strategy)
	assert.Equal(t, 20*time.Second, cfg.Registry.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Registry.TTL)
	assert.Equal(t, 7, cfg.CircuitBreaker.FailureThreshold)
	assert.True(t, cfg.RateLimit.ProtectAdmin)
	assert.True(t, cfg.HealthCheck.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)

	require.Len(t, cfg.StaticInstances, 2)
	assert.Equal(t, InstanceConfig{Service: "orders", ID: "o-1", Host: "10.0.0.5", Port: 8080, Weight: 3}, cfg.StaticInstances[0])
	assert.Equal(t, "::1", cfg.StaticInstances[1].Host)
	assert.Equal(t, 1, cfg.StaticInstances[1].Weight)
}

func TestApplyEnvironmentRejectsMalformedValues(t *testing.T) {
	tests := map[string]string{
		"TG_PORT":                 "eighty",
		"TG_BREAKER_TIMEOUT":      "soon",
		"TG_HEALTH_CHECK_ENABLED": "maybe",
		"TG_INSTANCES":            "orders=10.0.0.5:8080",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			err := ApplyEnvironment(DefaultConfig())
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, "server:\n  port: 9100\nlogging:\n  level: warn\n")
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("TG_LOG_LEVEL", "error")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("TG_STRATEGY", "fastest")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrInvalidConfig))
}

func TestSaveToFileRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaticInstances = []InstanceConfig{{Service: "a", ID: "1", Host: "h", Port: 80, Weight: 1}}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Registry, loaded.Registry)
	assert.Equal(t, cfg.StaticInstances, loaded.StaticInstances)
}
