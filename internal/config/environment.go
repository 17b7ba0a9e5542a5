package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	tgerrors "github.com/mir00r/trafficguard/internal/errors"
)

// ApplyEnvironment overrides config with TG_* environment variables. Unset
// variables leave the current value untouched; malformed ones are reported.
func ApplyEnvironment(config *Config) error {
	e := &envReader{}

	// Server
	e.intVar("TG_PORT", &config.Server.Port)
	e.intVar("TG_GRPC_PORT", &config.Server.GRPCPort)
	e.durationVar("TG_READ_TIMEOUT", &config.Server.ReadTimeout)
	e.durationVar("TG_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	e.durationVar("TG_SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)
	e.boolVar("TG_TLS_ENABLED", &config.Server.TLS.Enabled)
	e.stringVar("TG_TLS_CERT_FILE", &config.Server.TLS.CertFile)
	e.stringVar("TG_TLS_KEY_FILE", &config.Server.TLS.KeyFile)

	// Registry
	e.durationVar("TG_HEARTBEAT_INTERVAL", &config.Registry.HeartbeatInterval)
	e.durationVar("TG_HEARTBEAT_TTL", &config.Registry.TTL)
	e.durationVar("TG_SWEEP_INTERVAL", &config.Registry.SweepInterval)
	e.durationVar("TG_EVICT_AFTER", &config.Registry.EvictAfter)
	if getEnv("TG_HEARTBEAT_INTERVAL", "") != "" && getEnv("TG_HEARTBEAT_TTL", "") == "" {
		config.Registry.TTL = 3 * config.Registry.HeartbeatInterval
	}

	// Load balancer
	e.stringVar("TG_STRATEGY", &config.Balancer.Strategy)

	// Circuit breaker
	e.intVar("TG_BREAKER_FAILURE_THRESHOLD", &config.CircuitBreaker.FailureThreshold)
	e.durationVar("TG_BREAKER_TIMEOUT", &config.CircuitBreaker.Timeout)

	// Rate limiting
	e.stringVar("TG_RATE_LIMIT_ALGORITHM", &config.RateLimit.Algorithm)
	e.intVar("TG_RATE_LIMIT_MAX_REQUESTS", &config.RateLimit.Default.MaxRequests)
	e.durationVar("TG_RATE_LIMIT_WINDOW", &config.RateLimit.Default.Window)
	e.durationVar("TG_RATE_LIMIT_IDLE_TTL", &config.RateLimit.IdleTTL)
	e.boolVar("TG_RATE_LIMIT_PROTECT_ADMIN", &config.RateLimit.ProtectAdmin)

	// Health checking
	e.boolVar("TG_HEALTH_CHECK_ENABLED", &config.HealthCheck.Enabled)
	e.durationVar("TG_HEALTH_CHECK_INTERVAL", &config.HealthCheck.Interval)
	e.durationVar("TG_HEALTH_CHECK_TIMEOUT", &config.HealthCheck.Timeout)
	e.stringVar("TG_HEALTH_CHECK_PATH", &config.HealthCheck.Path)
	e.intVar("TG_HEALTH_CHECK_UNHEALTHY_THRESHOLD", &config.HealthCheck.UnhealthyThreshold)
	e.intVar("TG_HEALTH_CHECK_HEALTHY_THRESHOLD", &config.HealthCheck.HealthyThreshold)

	// Static instances replace the file's list entirely
	if spec := getEnv("TG_INSTANCES", ""); spec != "" {
		instances, err := parseInstancesFromEnv(spec)
		if err != nil {
			e.fail("TG_INSTANCES", err)
		} else {
			config.StaticInstances = instances
		}
	}

	// Logging
	e.stringVar("TG_LOG_LEVEL", &config.Logging.Level)
	e.stringVar("TG_LOG_FORMAT", &config.Logging.Format)
	e.stringVar("TG_LOG_OUTPUT", &config.Logging.Output)
	e.stringVar("TG_LOG_FILE", &config.Logging.File)

	return e.err
}

// LoadConfig loads configuration with priority: env vars > config file > defaults.
// The file is read from CONFIG_FILE, default config.yaml, when it exists.
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	configFile := getEnv("CONFIG_FILE", "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		config, err = LoadFromFile(configFile)
		if err != nil {
			return nil, tgerrors.WrapError(err, tgerrors.ErrCodeConfigLoad, "config", "failed to load configuration file")
		}
	}

	if err := ApplyEnvironment(config); err != nil {
		return nil, tgerrors.WrapError(err, tgerrors.ErrCodeConfigLoad, "config", "invalid environment override")
	}
	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, tgerrors.WrapError(err, tgerrors.ErrCodeInvalidConfig, "config", "invalid configuration")
	}

	return config, nil
}

// getEnv gets environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseInstancesFromEnv parses static instances from an environment variable
// Format: "service/id=host:port[=weight],..."
// Example: "orders/o-1=10.0.0.5:8080=2,orders/o-2=10.0.0.6:8080"
func parseInstancesFromEnv(spec string) ([]InstanceConfig, error) {
	var instances []InstanceConfig

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, "=")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("malformed instance %q", entry)
		}

		name := strings.SplitN(parts[0], "/", 2)
		if len(name) != 2 || name[0] == "" || name[1] == "" {
			return nil, fmt.Errorf("instance %q: expected service/id", entry)
		}

		idx := strings.LastIndex(parts[1], ":")
		if idx <= 0 {
			return nil, fmt.Errorf("instance %q: expected host:port", entry)
		}
		port, err := strconv.Atoi(parts[1][idx+1:])
		if err != nil {
			return nil, fmt.Errorf("instance %q: invalid port: %w", entry, err)
		}

		weight := 1
		if len(parts) == 3 {
			if weight, err = strconv.Atoi(parts[2]); err != nil || weight <= 0 {
				return nil, fmt.Errorf("instance %q: invalid weight %q", entry, parts[2])
			}
		}

		instances = append(instances, InstanceConfig{
			Service: name[0],
			ID:      name[1],
			Host:    strings.Trim(parts[1][:idx], "[]"),
			Port:    port,
			Weight:  weight,
		})
	}

	return instances, nil
}

// envReader applies typed environment overrides and keeps the first error
type envReader struct {
	err error
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (e *envReader) stringVar(key string, dst *string) {
	if v := getEnv(key, ""); v != "" {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	v := getEnv(key, "")
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) durationVar(key string, dst *time.Duration) {
	v := getEnv(key, "")
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = d
}

func (e *envReader) boolVar(key string, dst *bool) {
	v := getEnv(key, "")
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = b
}
