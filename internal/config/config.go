package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/mir00r/trafficguard/internal/breaker"
	"github.com/mir00r/trafficguard/internal/domain"
	"github.com/mir00r/trafficguard/internal/healthcheck"
	"github.com/mir00r/trafficguard/internal/ratelimit"
	"github.com/mir00r/trafficguard/internal/registry"
	"github.com/mir00r/trafficguard/internal/server"
)

// Config represents the main configuration structure
type Config struct {
	Server          server.Config      `yaml:"server"`
	Logging         LoggingConfig      `yaml:"logging"`
	Registry        registry.Config    `yaml:"registry"`
	Balancer        BalancerConfig     `yaml:"balancer"`
	CircuitBreaker  BreakerConfig      `yaml:"circuit_breaker"`
	RateLimit       RateLimitConfig    `yaml:"rate_limit"`
	HealthCheck     healthcheck.Config `yaml:"health_check"`
	Events          EventsConfig       `yaml:"events"`
	StaticInstances []InstanceConfig   `yaml:"static_instances"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// BalancerConfig selects load balancing strategies
type BalancerConfig struct {
	Strategy string `yaml:"strategy"`
	// Services maps a service name to a strategy overriding Strategy
	Services map[string]string `yaml:"services"`
}

// BreakerConfig holds the default breaker settings and per-dependency overrides
type BreakerConfig struct {
	breaker.Config `yaml:",inline"`
	Overrides      map[string]breaker.Config `yaml:"overrides"`
}

// RateLimitConfig configures per-caller admission control
type RateLimitConfig struct {
	ratelimit.Config `yaml:",inline"`
	// ProtectAdmin admits admin API requests through the limiter keyed by client address
	ProtectAdmin bool `yaml:"protect_admin"`
}

// EventsConfig configures the in-memory event recorder
type EventsConfig struct {
	RecorderCapacity int `yaml:"recorder_capacity"`
}

// InstanceConfig is an instance registered at startup
type InstanceConfig struct {
	Service  string            `yaml:"service"`
	ID       string            `yaml:"id"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Weight   int               `yaml:"weight"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// ToInstance converts to a domain ServiceInstance
func (ic InstanceConfig) ToInstance() domain.ServiceInstance {
	return domain.ServiceInstance{
		ServiceName: ic.Service,
		InstanceID:  ic.ID,
		Host:        ic.Host,
		Port:        ic.Port,
		Weight:      ic.Weight,
		Metadata:    ic.Metadata,
	}
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server:         server.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Registry: registry.DefaultConfig(),
		Balancer: BalancerConfig{
			Strategy: string(domain.RoundRobin),
		},
		CircuitBreaker: BreakerConfig{
			Config: breaker.DefaultConfig(),
		},
		RateLimit: RateLimitConfig{
			Config: ratelimit.DefaultConfig(),
		},
		HealthCheck: healthcheck.DefaultConfig(),
		Events: EventsConfig{
			RecorderCapacity: 256,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	// derived from heartbeat_interval unless the file sets them
	config.Registry.TTL = 0
	config.Registry.SweepInterval = 0
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// normalize derives the durations a file may leave unset
func (c *Config) normalize() {
	c.Registry = c.Registry.WithDefaults()
	c.RateLimit.Config = c.RateLimit.Config.WithDefaults()
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	if _, err := domain.ParseStrategy(c.Balancer.Strategy); err != nil {
		return fmt.Errorf("balancer: unsupported load balancing strategy: %s", c.Balancer.Strategy)
	}
	for svc, s := range c.Balancer.Services {
		if _, err := domain.ParseStrategy(s); err != nil {
			return fmt.Errorf("balancer.services[%s]: unsupported load balancing strategy: %s", svc, s)
		}
	}

	if err := c.CircuitBreaker.Config.Validate(); err != nil {
		return fmt.Errorf("circuit_breaker: %w", err)
	}
	for key, o := range c.CircuitBreaker.Overrides {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("circuit_breaker.overrides[%s]: %w", key, err)
		}
	}

	if err := c.RateLimit.Config.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}

	if err := c.HealthCheck.Validate(); err != nil {
		return err
	}

	if c.Events.RecorderCapacity < 0 {
		return fmt.Errorf("events.recorder_capacity cannot be negative")
	}

	seen := make(map[string]bool)
	for i, ic := range c.StaticInstances {
		inst := ic.ToInstance()
		if err := inst.Validate(); err != nil {
			return fmt.Errorf("static_instances[%d]: %w", i, err)
		}
		if seen[inst.Key()] {
			return fmt.Errorf("static_instances[%d]: duplicate instance '%s'", i, inst.Key())
		}
		seen[inst.Key()] = true
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true, "discard": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	return nil
}

// ServiceStrategies returns the parsed per-service strategy overrides
func (c *Config) ServiceStrategies() map[string]domain.Strategy {
	out := make(map[string]domain.Strategy, len(c.Balancer.Services))
	for svc, s := range c.Balancer.Services {
		if parsed, err := domain.ParseStrategy(s); err == nil {
			out[svc] = parsed
		}
	}
	return out
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
