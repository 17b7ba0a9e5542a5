package registry

import (
	"fmt"
	"time"
)

// Config holds the liveness settings of the registry
type Config struct {
	// HeartbeatInterval is how often instances are expected to heartbeat
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	// TTL is the maximum age of a heartbeat before an instance is presumed unreachable.
	// Defaults to 3x HeartbeatInterval.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
	// SweepInterval is how often expired instances are marked DOWN.
	// Defaults to HeartbeatInterval.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	// EvictAfter removes instances that have been silent for this long.
	// Zero keeps DOWN instances until they are deregistered.
	EvictAfter time.Duration `json:"evict_after" yaml:"evict_after"`
}

// DefaultHeartbeatInterval is the heartbeat period assumed when none is configured
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultConfig returns the default registry configuration
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: DefaultHeartbeatInterval,
		TTL:               3 * DefaultHeartbeatInterval,
		SweepInterval:     DefaultHeartbeatInterval,
	}
}

// WithDefaults fills unset durations from HeartbeatInterval
func (c Config) WithDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.TTL <= 0 {
		c.TTL = 3 * c.HeartbeatInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.HeartbeatInterval
	}
	return c
}

// Validate checks the configuration for correctness
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive: %v", c.HeartbeatInterval)
	}
	if c.TTL <= c.HeartbeatInterval {
		return fmt.Errorf("ttl (%v) must be greater than heartbeat_interval (%v)", c.TTL, c.HeartbeatInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive: %v", c.SweepInterval)
	}
	if c.EvictAfter < 0 {
		return fmt.Errorf("evict_after cannot be negative: %v", c.EvictAfter)
	}
	if c.EvictAfter > 0 && c.EvictAfter < c.TTL {
		return fmt.Errorf("evict_after (%v) must not be shorter than ttl (%v)", c.EvictAfter, c.TTL)
	}
	return nil
}
