package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// InstanceStatus represents the liveness status of a service instance
type InstanceStatus string

const (
	// StatusUp indicates the instance is reachable and may receive traffic
	StatusUp InstanceStatus = "UP"
	// StatusDown indicates the instance missed its heartbeat TTL or was marked down
	StatusDown InstanceStatus = "DOWN"
)

// String returns the string representation of InstanceStatus
func (s InstanceStatus) String() string {
	return string(s)
}

// DefaultInstanceWeight is the weight assigned to instances registered without one
const DefaultInstanceWeight = 1

// ServiceInstance represents one running deployment of a named service.
// InstanceID and ServiceName identify the instance; ServiceName never changes
// after registration.
type ServiceInstance struct {
	InstanceID  string            `json:"instance_id" yaml:"instance_id"`
	ServiceName string            `json:"service_name" yaml:"service_name"`
	Host        string            `json:"host" yaml:"host"`
	Port        int               `json:"port" yaml:"port"`
	Weight      int               `json:"weight" yaml:"weight"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Runtime state, owned by the registry
	Status        InstanceStatus `json:"status" yaml:"-"`
	LastHeartbeat time.Time      `json:"last_heartbeat" yaml:"-"`
	RegisteredAt  time.Time      `json:"registered_at" yaml:"-"`
}

// Address returns the host:port of the instance
func (i ServiceInstance) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// URL returns the base HTTP URL of the instance
func (i ServiceInstance) URL() string {
	return "http://" + i.Address()
}

// Key returns the registry-wide key of the instance
func (i ServiceInstance) Key() string {
	return InstanceKey(i.ServiceName, i.InstanceID)
}

// EffectiveWeight returns the weight used for weighted selection
func (i ServiceInstance) EffectiveWeight() int {
	if i.Weight <= 0 {
		return DefaultInstanceWeight
	}
	return i.Weight
}

// IsUp returns true if the instance status is UP
func (i ServiceInstance) IsUp() bool {
	return i.Status == StatusUp
}

// IsAlive reports whether the instance is UP and its last heartbeat is within ttl of now
func (i ServiceInstance) IsAlive(now time.Time, ttl time.Duration) bool {
	return i.IsUp() && now.Sub(i.LastHeartbeat) <= ttl
}

// Validate checks the identity and location fields of an instance
func (i ServiceInstance) Validate() error {
	if i.ServiceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if i.InstanceID == "" {
		return fmt.Errorf("instance ID cannot be empty")
	}
	if i.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if i.Port <= 0 || i.Port > 65535 {
		return fmt.Errorf("invalid port: %d", i.Port)
	}
	if i.Weight < 0 {
		return fmt.Errorf("weight cannot be negative: %d", i.Weight)
	}
	return nil
}

// Clone returns a deep copy of the instance
func (i ServiceInstance) Clone() ServiceInstance {
	c := i
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// InstanceKey builds the key identifying an instance across services
func InstanceKey(serviceName, instanceID string) string {
	return serviceName + "/" + instanceID
}

// Clock returns the current time. Components take a Clock so tests can control time.
type Clock func() time.Time

// SystemClock is the default Clock
func SystemClock() time.Time {
	return time.Now()
}
