package breaker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/trafficguard/internal/domain"
	tgerrors "github.com/mir00r/trafficguard/internal/errors"
	"github.com/mir00r/trafficguard/pkg/logger"
)

// Phase represents the state of a circuit breaker
type Phase int32

const (
	// PhaseClosed - calls pass through and failures are counted
	PhaseClosed Phase = iota
	// PhaseOpen - calls are short-circuited to the fallback
	PhaseOpen
	// PhaseHalfOpen - a single trial call probes the dependency
	PhaseHalfOpen
)

// String returns the string representation of Phase
func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "CLOSED"
	case PhaseOpen:
		return "OPEN"
	case PhaseHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Defaults applied when a Config leaves a field unset
const (
	DefaultFailureThreshold = 5
	DefaultTimeout          = 60 * time.Second
)

// Config holds the per-dependency breaker settings
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Timeout is how long the circuit stays open before a trial call is allowed
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		Timeout:          DefaultTimeout,
	}
}

// Validate checks the configuration for correctness
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive: %d", c.FailureThreshold)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive: %v", c.Timeout)
	}
	return nil
}

// State is a point-in-time view of a breaker
type State struct {
	Key                 string        `json:"key"`
	Phase               Phase         `json:"phase"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	TrialInFlight       bool          `json:"trial_in_flight"`
	FailureThreshold    int           `json:"failure_threshold"`
	Timeout             time.Duration `json:"timeout"`
}

// permit is handed out to an admitted call and returned with its outcome
type permit struct {
	generation uint64
	trial      bool
}

// CircuitBreaker isolates callers from a failing dependency
type CircuitBreaker struct {
	key    string
	config Config
	sink   domain.EventSink
	logger *logger.Logger
	now    domain.Clock

	mu                  sync.Mutex
	phase               Phase
	consecutiveFailures int
	openedAt            time.Time
	// generation changes on every phase transition; outcomes of calls admitted
	// under an older generation are discarded
	generation uint64

	trialInFlight atomic.Bool
}

// Option configures a CircuitBreaker
type Option func(*CircuitBreaker)

// WithClock sets the time source
func WithClock(clock domain.Clock) Option {
	return func(cb *CircuitBreaker) { cb.now = clock }
}

// WithEventSink sets the sink receiving phase transitions
func WithEventSink(sink domain.EventSink) Option {
	return func(cb *CircuitBreaker) { cb.sink = sink }
}

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(cb *CircuitBreaker) { cb.logger = log.BreakerLogger(cb.key) }
}

// New creates a closed circuit breaker guarding the dependency identified by key
func New(key string, config Config, opts ...Option) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, tgerrors.NewErrorWithCause(
			tgerrors.ErrCodeInvalidConfig,
			domain.ComponentCircuitBreaker,
			fmt.Sprintf("invalid configuration for circuit %s", key),
			err,
		)
	}

	cb := &CircuitBreaker{
		key:    key,
		config: config,
		sink:   domain.NopSink{},
		logger: logger.NewNop(),
		now:    domain.SystemClock,
		phase:  PhaseClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb, nil
}

// Key returns the dependency key of the breaker
func (cb *CircuitBreaker) Key() string {
	return cb.key
}

// Config returns the breaker configuration
func (cb *CircuitBreaker) Config() Config {
	return cb.config
}

// Execute runs call if the circuit admits it and returns its result. If the
// circuit rejects the call, or the call fails or panics, fallback is invoked with
// the cause and its result is returned instead. Execute never returns the wrapped
// call's error and never panics because of it.
func (cb *CircuitBreaker) Execute(call func() (interface{}, error), fallback func(error) interface{}) interface{} {
	return Run(cb, call, fallback)
}

// Run is the typed form of Execute
func Run[T any](cb *CircuitBreaker, call func() (T, error), fallback func(error) T) T {
	p, err := cb.acquire()
	if err != nil {
		return fallback(err)
	}

	result, err := guard(cb.key, call)
	cb.release(p, err == nil)
	if err != nil {
		cb.logger.WithError(err).Debug("Guarded call failed")
		return fallback(err)
	}
	return result
}

// guard runs call, converting a panic into an error
func guard[T any](key string, call func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = tgerrors.NewCallPanicError(key, r)
		}
	}()
	return call()
}

// acquire decides whether a call may proceed
func (cb *CircuitBreaker) acquire() (permit, error) {
	cb.mu.Lock()
	p, event, err := cb.admit(cb.now())
	cb.mu.Unlock()

	cb.publish(event)
	return p, err
}

// admit is the locked part of acquire. Callers hold cb.mu.
func (cb *CircuitBreaker) admit(now time.Time) (permit, *domain.Event, error) {
	var event *domain.Event
	if cb.phase == PhaseOpen {
		if now.Sub(cb.openedAt) < cb.config.Timeout {
			return permit{}, nil, tgerrors.NewCircuitOpenError(cb.key, PhaseOpen.String())
		}
		event = cb.transition(PhaseHalfOpen, now, "timeout_elapsed")
	}

	if cb.phase == PhaseHalfOpen {
		// at most one winner; everybody else gets the fallback
		if !cb.trialInFlight.CompareAndSwap(false, true) {
			return permit{}, event, tgerrors.NewCircuitOpenError(cb.key, PhaseHalfOpen.String())
		}
		cb.logger.Debug("Admitting trial call")
		return permit{generation: cb.generation, trial: true}, event, nil
	}

	return permit{generation: cb.generation}, event, nil
}

// release records the outcome of an admitted call
func (cb *CircuitBreaker) release(p permit, success bool) {
	cb.mu.Lock()
	event := cb.record(p, success, cb.now())
	cb.mu.Unlock()

	cb.publish(event)
}

// record is the locked part of release. Callers hold cb.mu.
func (cb *CircuitBreaker) record(p permit, success bool, now time.Time) *domain.Event {
	if p.generation != cb.generation {
		// state moved on (reset or transition) while the call ran
		if p.trial {
			cb.logger.Debug("Discarding outcome of stale trial call")
		}
		return nil
	}

	if p.trial {
		cb.trialInFlight.Store(false)
		if success {
			cb.consecutiveFailures = 0
			return cb.transition(PhaseClosed, now, "trial_succeeded")
		}
		cb.openedAt = now
		return cb.transition(PhaseOpen, now, "trial_failed")
	}

	if success {
		cb.consecutiveFailures = 0
		return nil
	}

	cb.consecutiveFailures++
	if cb.consecutiveFailures < cb.config.FailureThreshold {
		return nil
	}
	cb.openedAt = now
	cb.logger.WithFields(map[string]interface{}{
		"failures":          cb.consecutiveFailures,
		"failure_threshold": cb.config.FailureThreshold,
		"retry_after":       now.Add(cb.config.Timeout),
	}).Warn("Circuit breaker opening due to failures")
	return cb.transition(PhaseOpen, now, "failure_threshold_reached")
}

// transition moves the breaker to phase and returns the event to publish once
// cb.mu is released, or nil when the phase is unchanged. Callers hold cb.mu.
func (cb *CircuitBreaker) transition(to Phase, now time.Time, reason string) *domain.Event {
	from := cb.phase
	cb.phase = to
	cb.generation++
	if to != PhaseHalfOpen {
		cb.trialInFlight.Store(false)
	}

	if from == to {
		return nil
	}

	cb.logger.WithFields(map[string]interface{}{
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	}).Info("Circuit breaker phase changed")

	return &domain.Event{
		Component: domain.ComponentCircuitBreaker,
		Key:       cb.key,
		FromState: from.String(),
		ToState:   to.String(),
		Timestamp: now,
		Reason:    reason,
	}
}

// publish hands event to the sink. It must be called without cb.mu held.
func (cb *CircuitBreaker) publish(event *domain.Event) {
	if event != nil {
		cb.sink.Publish(*event)
	}
}

// GetState returns the current phase without changing it. An OPEN breaker whose
// timeout has elapsed still reports OPEN until the next call arrives.
func (cb *CircuitBreaker) GetState() Phase {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.phase
}

// Snapshot returns a detailed view of the breaker
func (cb *CircuitBreaker) Snapshot() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return State{
		Key:                 cb.key,
		Phase:               cb.phase,
		ConsecutiveFailures: cb.consecutiveFailures,
		OpenedAt:            cb.openedAt,
		TrialInFlight:       cb.trialInFlight.Load(),
		FailureThreshold:    cb.config.FailureThreshold,
		Timeout:             cb.config.Timeout,
	}
}

// Reset forces the breaker CLOSED with zero failures. Outcomes of calls that
// were in flight are ignored.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.consecutiveFailures = 0
	cb.openedAt = time.Time{}
	event := cb.transition(PhaseClosed, cb.now(), "manual_reset")
	cb.mu.Unlock()

	cb.logger.Info("Circuit breaker reset to closed state")
	cb.publish(event)
}
