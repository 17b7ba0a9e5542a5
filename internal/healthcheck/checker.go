// Package healthcheck actively probes registered instances over HTTP and feeds
// the results back into the service registry.
package healthcheck

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mir00r/trafficguard/internal/domain"
	"github.com/mir00r/trafficguard/pkg/logger"
)

// MetadataHealthPath overrides Config.Path for one instance
const MetadataHealthPath = "health_path"

// Config holds active health check settings
type Config struct {
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	Interval           time.Duration `json:"interval" yaml:"interval"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	Path               string        `json:"path" yaml:"path"`
	HealthyThreshold   int           `json:"healthy_threshold" yaml:"healthy_threshold"`
	UnhealthyThreshold int           `json:"unhealthy_threshold" yaml:"unhealthy_threshold"`
	// MaxConcurrent bounds the number of probes in flight during one round
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
}

// DefaultConfig returns the default health check configuration. Probing is off
// unless enabled; heartbeats are the primary liveness signal.
func DefaultConfig() Config {
	return Config{
		Enabled:            false,
		Interval:           30 * time.Second,
		Timeout:            5 * time.Second,
		Path:               "/health",
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
		MaxConcurrent:      16,
	}
}

// Validate checks the configuration for correctness
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval <= 0 {
		return fmt.Errorf("health_check.interval must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("health_check.timeout must be positive")
	}
	if c.HealthyThreshold <= 0 {
		return fmt.Errorf("health_check.healthy_threshold must be positive")
	}
	if c.UnhealthyThreshold <= 0 {
		return fmt.Errorf("health_check.unhealthy_threshold must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("health_check.max_concurrent must be positive")
	}
	return nil
}

// Registry is the part of the service registry the checker drives
type Registry interface {
	Services() []string
	Instances(serviceName string) []domain.ServiceInstance
	Heartbeat(serviceName, instanceID string) bool
	MarkDown(serviceName, instanceID string) bool
}

// probeState tracks consecutive outcomes of one instance
type probeState struct {
	failures  int
	successes int
	lastCheck time.Time
	lastError string
}

// Checker probes every registered instance once per interval
type Checker struct {
	config   Config
	registry Registry
	client   *http.Client
	logger   *logger.Logger
	now      domain.Clock

	statesMu sync.Mutex
	states   map[string]*probeState

	mu        sync.RWMutex
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

// Option configures a Checker
type Option func(*Checker)

// WithClock sets the time source used to stamp probe results
func WithClock(clock domain.Clock) Option {
	return func(c *Checker) { c.now = clock }
}

// New creates a health checker for registry
func New(config Config, registry Registry, log *logger.Logger, opts ...Option) *Checker {
	if log == nil {
		log = logger.NewNop()
	}
	c := &Checker{
		config:   config,
		registry: registry,
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
				MaxIdleConnsPerHost: 2,
			},
		},
		logger:   log.HealthCheckLogger(),
		now:      domain.SystemClock,
		states:   make(map[string]*probeState),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Probe performs a single health check against inst
func (c *Checker) Probe(ctx context.Context, inst domain.ServiceInstance) error {
	path := c.config.Path
	if p, ok := inst.Metadata[MetadataHealthPath]; ok && p != "" {
		path = p
	}
	healthURL := inst.URL() + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("User-Agent", "TrafficGuard-HealthChecker/1.0")
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// CheckAll probes every registered instance once and applies the outcomes to the
// registry. It returns the number of instances probed.
func (c *Checker) CheckAll(ctx context.Context) int {
	var targets []domain.ServiceInstance
	for _, svc := range c.registry.Services() {
		targets = append(targets, c.registry.Instances(svc)...)
	}

	sem := make(chan struct{}, c.maxConcurrent())
	var wg sync.WaitGroup
	for _, inst := range targets {
		select {
		case <-ctx.Done():
			wg.Wait()
			return 0
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(inst domain.ServiceInstance) {
			defer wg.Done()
			defer func() { <-sem }()

			probeCtx, cancel := context.WithTimeout(ctx, c.timeout())
			err := c.Probe(probeCtx, inst)
			cancel()
			c.record(inst, err)
		}(inst)
	}
	wg.Wait()

	c.forgetMissing(targets)
	return len(targets)
}

// record applies one probe outcome
func (c *Checker) record(inst domain.ServiceInstance, err error) {
	log := c.logger.InstanceLogger(inst.ServiceName, inst.InstanceID).WithField("address", inst.Address())

	c.statesMu.Lock()
	st, ok := c.states[inst.Key()]
	if !ok {
		st = &probeState{}
		c.states[inst.Key()] = st
	}
	st.lastCheck = c.now()
	if err != nil {
		st.failures++
		st.successes = 0
		st.lastError = err.Error()
	} else {
		st.successes++
		st.failures = 0
		st.lastError = ""
	}
	failures, successes := st.failures, st.successes
	c.statesMu.Unlock()

	if err != nil {
		if failures >= c.config.UnhealthyThreshold && inst.IsUp() {
			if c.registry.MarkDown(inst.ServiceName, inst.InstanceID) {
				log.WithError(err).WithField("failure_count", failures).
					Warn("Instance marked down due to repeated health check failures")
			}
			return
		}
		log.WithError(err).WithField("failure_count", failures).Debug("Health check failed")
		return
	}

	// an UP instance is kept alive by every passing probe; a DOWN one needs
	// HealthyThreshold passes in a row before it is heartbeated back
	if inst.IsUp() || successes >= c.config.HealthyThreshold {
		if c.registry.Heartbeat(inst.ServiceName, inst.InstanceID) && !inst.IsUp() {
			log.Info("Instance recovered and marked as up")
		}
	}
}

func (c *Checker) forgetMissing(current []domain.ServiceInstance) {
	live := make(map[string]struct{}, len(current))
	for _, inst := range current {
		live[inst.Key()] = struct{}{}
	}

	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	for key := range c.states {
		if _, ok := live[key]; !ok {
			delete(c.states, key)
		}
	}
}

// Start runs CheckAll every interval until ctx is done or Stop is called
func (c *Checker) Start(ctx context.Context) error {
	if !c.config.Enabled {
		c.logger.Info("Health checking is disabled")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		return fmt.Errorf("health checker is already running")
	}
	c.isRunning = true
	c.logger.Infof("Starting health checker with interval %v", c.config.Interval)

	c.wg.Add(1)
	go c.loop(ctx, c.stopChan)
	return nil
}

// Stop halts periodic checking
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRunning {
		return
	}

	close(c.stopChan)
	c.wg.Wait()
	c.isRunning = false
	c.stopChan = make(chan struct{})

	c.logger.Info("Health checker stopped")
}

func (c *Checker) loop(ctx context.Context, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// IsRunning returns true if periodic checking is active
func (c *Checker) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRunning
}

// GetStats returns health checker statistics
func (c *Checker) GetStats() map[string]interface{} {
	c.statesMu.Lock()
	failing := make(map[string]string)
	lastChecked := make(map[string]time.Time, len(c.states))
	for key, st := range c.states {
		if st.failures > 0 {
			failing[key] = st.lastError
		}
		lastChecked[key] = st.lastCheck
	}
	tracked := len(c.states)
	c.statesMu.Unlock()

	return map[string]interface{}{
		"enabled":             c.config.Enabled,
		"running":             c.IsRunning(),
		"interval":            c.config.Interval.String(),
		"timeout":             c.config.Timeout.String(),
		"healthy_threshold":   c.config.HealthyThreshold,
		"unhealthy_threshold": c.config.UnhealthyThreshold,
		"check_path":          c.config.Path,
		"tracked_instances":   tracked,
		"failing_instances":   failing,
		"last_checked":        lastChecked,
	}
}

func (c *Checker) maxConcurrent() int {
	if c.config.MaxConcurrent > 0 {
		return c.config.MaxConcurrent
	}
	return 1
}

func (c *Checker) timeout() time.Duration {
	if c.config.Timeout > 0 {
		return c.config.Timeout
	}
	return 5 * time.Second
}
