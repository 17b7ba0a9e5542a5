// Package container is the composition root: it builds the registry, load
// balancer, circuit breakers and rate limiter from configuration, connects
// them to the event sinks and owns their background loops.
package container

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/mir00r/trafficguard/internal/balancer"
	"github.com/mir00r/trafficguard/internal/breaker"
	"github.com/mir00r/trafficguard/internal/config"
	"github.com/mir00r/trafficguard/internal/domain"
	tgerrors "github.com/mir00r/trafficguard/internal/errors"
	"github.com/mir00r/trafficguard/internal/events"
	"github.com/mir00r/trafficguard/internal/handler"
	"github.com/mir00r/trafficguard/internal/healthcheck"
	"github.com/mir00r/trafficguard/internal/middleware"
	"github.com/mir00r/trafficguard/internal/ratelimit"
	"github.com/mir00r/trafficguard/internal/registry"
	"github.com/mir00r/trafficguard/pkg/logger"
)

// AdminPolicy names the rate_limit policy applied to admin API clients
const AdminPolicy = "admin"

// Container holds the process-scoped components
type Container struct {
	config *config.Config
	logger *logger.Logger
	clock  domain.Clock

	registry *registry.ServiceRegistry
	balancer *balancer.LoadBalancer
	breakers *breaker.Group
	limiter  ratelimit.Limiter
	checker  *healthcheck.Checker

	recorder *events.Recorder
	metrics  *events.Metrics
	bridge   *handler.HealthBridge

	// Lifecycle management
	mutex     sync.RWMutex
	isStarted bool
}

// Option configures a Container
type Option func(*Container)

// WithClock sets the time source shared by every component
func WithClock(clock domain.Clock) Option {
	return func(c *Container) { c.clock = clock }
}

// New builds every component from cfg and registers the static instances
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Container, error) {
	if log == nil {
		log = logger.NewNop()
	}

	c := &Container{
		config: cfg,
		logger: log,
		clock:  domain.SystemClock,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.recorder = events.NewRecorder(cfg.Events.RecorderCapacity)
	c.metrics = events.NewMetrics()
	c.bridge = handler.NewHealthBridge(log)
	sink := events.NewFanout(events.NewLogSink(log), c.recorder, c.metrics, c.bridge)

	var err error
	c.registry, err = registry.New(cfg.Registry,
		registry.WithClock(c.clock),
		registry.WithEventSink(append(sink, domain.EventSinkFunc(c.forgetRemoved))),
		registry.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service registry: %w", err)
	}

	strategy, err := domain.ParseStrategy(cfg.Balancer.Strategy)
	if err != nil {
		return nil, fmt.Errorf("failed to create load balancer: %w", err)
	}
	c.balancer, err = balancer.New(strategy,
		balancer.WithClock(c.clock),
		balancer.WithEventSink(sink),
		balancer.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create load balancer: %w", err)
	}
	for service, s := range cfg.ServiceStrategies() {
		if err := c.balancer.SetServiceStrategy(service, s); err != nil {
			return nil, fmt.Errorf("failed to set strategy for %s: %w", service, err)
		}
	}

	c.breakers, err = breaker.NewGroup(cfg.CircuitBreaker.Config, cfg.CircuitBreaker.Overrides,
		breaker.WithGroupClock(c.clock),
		breaker.WithGroupEventSink(sink),
		breaker.WithGroupLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit breakers: %w", err)
	}

	c.limiter, err = ratelimit.New(cfg.RateLimit.Config,
		ratelimit.WithClock(c.clock),
		ratelimit.WithEventSink(sink),
		ratelimit.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	c.checker = healthcheck.New(cfg.HealthCheck, c.registry, log, healthcheck.WithClock(c.clock))

	for _, ic := range cfg.StaticInstances {
		if err := c.registry.Register(ic.ToInstance()); err != nil {
			return nil, fmt.Errorf("failed to register static instance %s/%s: %w", ic.Service, ic.ID, err)
		}
	}
	c.bridge.Attach(c.registry)

	log.WithFields(map[string]interface{}{
		"strategy":         string(strategy),
		"rate_limit":       cfg.RateLimit.Algorithm,
		"static_instances": len(cfg.StaticInstances),
		"health_check":     cfg.HealthCheck.Enabled,
	}).Info("Components initialized")

	return c, nil
}

// forgetRemoved drops balancer state of instances that left the registry
func (c *Container) forgetRemoved(e domain.Event) {
	if e.Component != domain.ComponentRegistry || e.ToState != registry.StateRemoved {
		return
	}
	service := e.Details[registry.DetailService]
	c.balancer.Forget(service, e.Details[registry.DetailInstance])
	if len(c.registry.Instances(service)) == 0 {
		c.balancer.ForgetService(service)
	}
}

// Registry returns the service registry
func (c *Container) Registry() *registry.ServiceRegistry { return c.registry }

// Balancer returns the load balancer
func (c *Container) Balancer() *balancer.LoadBalancer { return c.balancer }

// Breakers returns the circuit breaker group
func (c *Container) Breakers() *breaker.Group { return c.breakers }

// Limiter returns the rate limiter
func (c *Container) Limiter() ratelimit.Limiter { return c.limiter }

// Checker returns the active health checker
func (c *Container) Checker() *healthcheck.Checker { return c.checker }

// Recorder returns the recent events buffer
func (c *Container) Recorder() *events.Recorder { return c.recorder }

// Metrics returns the event counters
func (c *Container) Metrics() *events.Metrics { return c.metrics }

// HealthBridge returns the gRPC health bridge
func (c *Container) HealthBridge() *handler.HealthBridge { return c.bridge }

// Resolve picks a healthy instance of service for caller. A non-empty caller is
// first admitted through the rate limiter with its configured policy. The
// returned selection must be released with Done.
func (c *Container) Resolve(service, caller string) (*balancer.Selection, error) {
	if caller != "" {
		admitted, err := c.limiter.Allow(caller)
		if err != nil {
			return nil, err
		}
		if !admitted {
			return nil, tgerrors.NewRateLimitError(caller, c.limiter.Policy(caller).MaxRequests)
		}
	}
	return c.balancer.Next(service, c.registry.HealthyInstances(service))
}

// Invoke resolves an instance of service for caller and runs call against it
// through the circuit breaker of service. Resolution failures, open circuits
// and failed calls all end in fallback.
func Invoke[T any](c *Container, service, caller string, call func(domain.ServiceInstance) (T, error), fallback func(error) T) T {
	sel, err := c.Resolve(service, caller)
	if err != nil {
		return fallback(err)
	}
	defer sel.Done()

	return breaker.Run(c.breakers.Get(service), func() (T, error) {
		return call(sel.Instance)
	}, fallback)
}

// Handler returns the admin HTTP handler with its middleware chain
func (c *Container) Handler(version string) http.Handler {
	deps := handler.Dependencies{
		Registry: c.registry,
		Balancer: c.balancer,
		Breakers: c.breakers,
		Limiter:  c.limiter,
		Checker:  c.checker,
		Recorder: c.recorder,
		Metrics:  c.metrics,
		Resolver: c,
	}

	var adminMiddlewares []mux.MiddlewareFunc
	if c.config.RateLimit.ProtectAdmin {
		policy := c.limiter.Policy(AdminPolicy)
		adminMiddlewares = append(adminMiddlewares, middleware.AdmissionMiddleware(c.limiter, policy, c.logger))
	}

	router := handler.NewRouter(
		handler.NewAdminHandler(deps, c.logger),
		handler.NewPrometheusHandler(deps, c.logger),
		handler.NewHealthHandler(version, c.IsStarted),
		adminMiddlewares...,
	)

	return middleware.Chain(router,
		middleware.RecoveryMiddleware(c.logger),
		middleware.RequestIDMiddleware(),
		middleware.LoggingMiddleware(c.logger),
		middleware.SecurityHeadersMiddleware(),
		middleware.CORSMiddleware(),
	)
}

// Start starts the registry sweep, the limiter cleanup and the health checker
func (c *Container) Start(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.isStarted {
		return fmt.Errorf("container is already started")
	}

	if err := c.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start registry sweep: %w", err)
	}
	if err := c.limiter.Start(ctx); err != nil {
		c.registry.Stop()
		return fmt.Errorf("failed to start rate limiter cleanup: %w", err)
	}
	if err := c.checker.Start(ctx); err != nil {
		c.limiter.Stop()
		c.registry.Stop()
		return fmt.Errorf("failed to start health checker: %w", err)
	}

	c.isStarted = true
	c.logger.Info("Background loops started")
	return nil
}

// Stop stops the background loops and reports every service NOT_SERVING
func (c *Container) Stop() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.isStarted {
		return
	}

	c.bridge.Shutdown()
	c.checker.Stop()
	c.limiter.Stop()
	c.registry.Stop()

	c.isStarted = false
	c.logger.Info("Background loops stopped")
}

// IsStarted returns whether the background loops are running
func (c *Container) IsStarted() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.isStarted
}
