package breaker

import (
	"sort"
	"sync"

	"github.com/mir00r/trafficguard/internal/domain"
	"github.com/mir00r/trafficguard/pkg/logger"
)

// Group owns one CircuitBreaker per dependency key. Breakers are created on first
// use with the key's configured override or the group default.
type Group struct {
	defaults  Config
	overrides map[string]Config
	breakers  sync.Map // key -> *CircuitBreaker

	clock  domain.Clock
	sink   domain.EventSink
	logger *logger.Logger
}

// GroupOption configures a Group
type GroupOption func(*Group)

// WithGroupClock sets the time source of every breaker in the group
func WithGroupClock(clock domain.Clock) GroupOption {
	return func(g *Group) { g.clock = clock }
}

// WithGroupEventSink sets the event sink of every breaker in the group
func WithGroupEventSink(sink domain.EventSink) GroupOption {
	return func(g *Group) { g.sink = sink }
}

// WithGroupLogger sets the logger of every breaker in the group
func WithGroupLogger(log *logger.Logger) GroupOption {
	return func(g *Group) { g.logger = log }
}

// NewGroup creates a breaker group. Every config is validated up front.
func NewGroup(defaults Config, overrides map[string]Config, opts ...GroupOption) (*Group, error) {
	if _, err := New("default", defaults); err != nil {
		return nil, err
	}
	copied := make(map[string]Config, len(overrides))
	for key, cfg := range overrides {
		if _, err := New(key, cfg); err != nil {
			return nil, err
		}
		copied[key] = cfg
	}

	g := &Group{
		defaults:  defaults,
		overrides: copied,
		clock:     domain.SystemClock,
		sink:      domain.NopSink{},
		logger:    logger.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ConfigFor returns the configuration used for key
func (g *Group) ConfigFor(key string) Config {
	if cfg, ok := g.overrides[key]; ok {
		return cfg
	}
	return g.defaults
}

// Get returns the breaker for key, creating it if needed
func (g *Group) Get(key string) *CircuitBreaker {
	if cb, ok := g.breakers.Load(key); ok {
		return cb.(*CircuitBreaker)
	}

	// configs were validated by NewGroup
	cb, _ := New(key, g.ConfigFor(key),
		WithClock(g.clock),
		WithEventSink(g.sink),
		WithLogger(g.logger),
	)
	actual, _ := g.breakers.LoadOrStore(key, cb)
	return actual.(*CircuitBreaker)
}

// Lookup returns the breaker for key if it has been used
func (g *Group) Lookup(key string) (*CircuitBreaker, bool) {
	cb, ok := g.breakers.Load(key)
	if !ok {
		return nil, false
	}
	return cb.(*CircuitBreaker), true
}

// Execute runs call through the breaker of key
func (g *Group) Execute(key string, call func() (interface{}, error), fallback func(error) interface{}) interface{} {
	return g.Get(key).Execute(call, fallback)
}

// Reset resets the breaker of key. It reports whether the breaker existed.
func (g *Group) Reset(key string) bool {
	cb, ok := g.Lookup(key)
	if ok {
		cb.Reset()
	}
	return ok
}

// States returns a snapshot of every breaker, sorted by key
func (g *Group) States() []State {
	var states []State
	g.breakers.Range(func(_, value interface{}) bool {
		states = append(states, value.(*CircuitBreaker).Snapshot())
		return true
	})
	sort.Slice(states, func(i, j int) bool { return states[i].Key < states[j].Key })
	return states
}

// GetStats returns per-phase breaker counts
func (g *Group) GetStats() map[string]interface{} {
	counts := map[string]int{
		PhaseClosed.String():   0,
		PhaseOpen.String():     0,
		PhaseHalfOpen.String(): 0,
	}
	total := 0
	for _, st := range g.States() {
		counts[st.Phase.String()]++
		total++
	}
	return map[string]interface{}{
		"breakers":          total,
		"phases":            counts,
		"failure_threshold": g.defaults.FailureThreshold,
		"timeout":           g.defaults.Timeout.String(),
		"overrides":         len(g.overrides),
	}
}
