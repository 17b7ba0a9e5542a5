package domain

import "time"

// Component names used in events
const (
	ComponentRegistry       = "service_registry"
	ComponentBalancer       = "load_balancer"
	ComponentCircuitBreaker = "circuit_breaker"
	ComponentRateLimiter    = "rate_limiter"
	ComponentHealthCheck    = "health_check"
)

// Event describes a single state transition inside the toolkit
type Event struct {
	Component string            `json:"component"`
	Key       string            `json:"key"`
	FromState string            `json:"from_state,omitempty"`
	ToState   string            `json:"to_state,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Reason    string            `json:"reason,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// EventSink receives state transition events. Implementations must be safe for
// concurrent use and must not block the caller for long.
type EventSink interface {
	Publish(event Event)
}

// EventSinkFunc adapts a function to the EventSink interface
type EventSinkFunc func(event Event)

// Publish calls f(event)
func (f EventSinkFunc) Publish(event Event) {
	f(event)
}

// NopSink discards all events
type NopSink struct{}

// Publish implements EventSink
func (NopSink) Publish(Event) {}
