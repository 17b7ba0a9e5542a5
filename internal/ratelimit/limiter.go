package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mir00r/trafficguard/internal/domain"
	tgerrors "github.com/mir00r/trafficguard/internal/errors"
	"github.com/mir00r/trafficguard/pkg/logger"
)

// Algorithm names
const (
	AlgorithmFixedWindow = "fixed_window"
	AlgorithmTokenBucket = "token_bucket"
)

// Defaults applied by Config.WithDefaults
const (
	DefaultIdleTTL         = 10 * time.Minute
	DefaultCleanupInterval = time.Minute
)

// Limiter admits or denies calls per caller key
type Limiter interface {
	// Admit reports whether one more call for key fits in maxRequests per window.
	// The limits supplied when a key's state is created stay in force until Reset.
	Admit(key string, maxRequests int, window time.Duration) (bool, error)
	// Allow is Admit with the policy configured for key
	Allow(key string) (bool, error)
	// Policy returns the policy Allow applies to key
	Policy(key string) Policy
	// RemainingQuota reports how many calls key may still make. Unknown keys report 0.
	RemainingQuota(key string) int
	// Reset clears the state of key
	Reset(key string)
	// Sweep evicts idle keys and returns how many were removed
	Sweep() int
	Start(ctx context.Context) error
	Stop()
	GetStats() map[string]interface{}
}

// Policy is a request budget per window
type Policy struct {
	MaxRequests int           `json:"max_requests" yaml:"max_requests"`
	Window      time.Duration `json:"window" yaml:"window"`
}

// Validate checks the policy for correctness
func (p Policy) Validate() error {
	if p.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be positive: %d", p.MaxRequests)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive: %v", p.Window)
	}
	return nil
}

// Config holds rate limiter settings
type Config struct {
	Algorithm       string            `json:"algorithm" yaml:"algorithm"`
	Default         Policy            `json:"default" yaml:"default"`
	Policies        map[string]Policy `json:"policies" yaml:"policies"`
	IdleTTL         time.Duration     `json:"idle_ttl" yaml:"idle_ttl"`
	CleanupInterval time.Duration     `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// DefaultConfig returns a fixed-window limiter allowing 100 requests per second
func DefaultConfig() Config {
	return Config{
		Algorithm:       AlgorithmFixedWindow,
		Default:         Policy{MaxRequests: 100, Window: time.Second},
		IdleTTL:         DefaultIdleTTL,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// WithDefaults fills unset fields
func (c Config) WithDefaults() Config {
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmFixedWindow
	}
	c.Algorithm = strings.ToLower(c.Algorithm)
	if c.IdleTTL == 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// Validate checks the configuration for correctness
func (c Config) Validate() error {
	switch c.Algorithm {
	case AlgorithmFixedWindow, AlgorithmTokenBucket:
	default:
		return fmt.Errorf("unknown algorithm: %s", c.Algorithm)
	}
	if err := c.Default.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	for key, p := range c.Policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", key, err)
		}
	}
	if c.IdleTTL < 0 {
		return fmt.Errorf("idle_ttl cannot be negative")
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("cleanup_interval cannot be negative")
	}
	return nil
}

// PolicyFor returns the policy configured for key or the default
func (c Config) PolicyFor(key string) Policy {
	if p, ok := c.Policies[key]; ok {
		return p
	}
	return c.Default
}

// Option configures a limiter
type Option func(*base)

// WithClock sets the time source
func WithClock(clock domain.Clock) Option {
	return func(b *base) { b.now = clock }
}

// WithEventSink sets the sink receiving denials
func WithEventSink(sink domain.EventSink) Option {
	return func(b *base) { b.sink = sink }
}

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(b *base) { b.logger = log.RateLimiterLogger() }
}

// New creates the limiter selected by config.Algorithm
func New(config Config, opts ...Option) (Limiter, error) {
	config = config.WithDefaults()
	switch config.Algorithm {
	case AlgorithmTokenBucket:
		return NewTokenBucket(config, opts...)
	default:
		return NewFixedWindow(config, opts...)
	}
}

// base carries what both algorithms share: configuration, observability and the
// cleanup loop
type base struct {
	config Config
	now    domain.Clock
	sink   domain.EventSink
	logger *logger.Logger

	mu        sync.Mutex
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

func newBase(config Config, opts []Option) (*base, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, tgerrors.NewErrorWithCause(
			tgerrors.ErrCodeInvalidConfig,
			domain.ComponentRateLimiter,
			"invalid rate limiter configuration",
			err,
		)
	}

	b := &base{
		config:   config,
		now:      domain.SystemClock,
		sink:     domain.NopSink{},
		logger:   logger.NewNop(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func checkLimits(key string, maxRequests int, window time.Duration) error {
	if err := (Policy{MaxRequests: maxRequests, Window: window}).Validate(); err != nil {
		return tgerrors.NewErrorWithCause(
			tgerrors.ErrCodeInvalidConfig,
			domain.ComponentRateLimiter,
			fmt.Sprintf("invalid limits for caller %s", key),
			err,
		)
	}
	return nil
}

// Policy returns the configured policy for key
func (b *base) Policy(key string) Policy {
	return b.config.PolicyFor(key)
}

func (b *base) denied(key string, maxRequests int, window time.Duration, at time.Time) {
	b.logger.WithFields(map[string]interface{}{
		"caller":       key,
		"max_requests": maxRequests,
		"window":       window.String(),
	}).Debug("Rate limit exceeded")

	b.sink.Publish(domain.Event{
		Component: domain.ComponentRateLimiter,
		Key:       key,
		ToState:   "DENIED",
		Timestamp: at,
		Reason:    "rate_limit_exceeded",
		Details: map[string]string{
			"max_requests": fmt.Sprintf("%d", maxRequests),
			"window":       window.String(),
		},
	})
}

// start launches sweep every CleanupInterval until ctx is done or stop is called
func (b *base) start(ctx context.Context, sweep func() int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isRunning {
		return fmt.Errorf("rate limiter cleanup is already running")
	}
	if b.config.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive to start cleanup")
	}
	b.isRunning = true

	b.logger.Infof("Starting idle key cleanup with interval %v (idle ttl %v)", b.config.CleanupInterval, b.config.IdleTTL)

	b.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer b.wg.Done()

		ticker := time.NewTicker(b.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if n := sweep(); n > 0 {
					b.logger.WithField("evicted", n).Debug("Evicted idle rate limit keys")
				}
			}
		}
	}(b.stopChan)
	return nil
}

func (b *base) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isRunning {
		return
	}

	close(b.stopChan)
	b.wg.Wait()
	b.isRunning = false
	b.stopChan = make(chan struct{})

	b.logger.Info("Idle key cleanup stopped")
}
