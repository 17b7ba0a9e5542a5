package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/trafficguard/internal/domain"
	tgerrors "github.com/mir00r/trafficguard/internal/errors"
	"github.com/mir00r/trafficguard/pkg/logger"
)

// Transition reasons reported in registry events
const (
	ReasonRegistered       = "registered"
	ReasonDeregistered     = "deregistered"
	ReasonHeartbeat        = "heartbeat"
	ReasonMarkedDown       = "marked_down"
	ReasonHeartbeatExpired = "heartbeat_expired"
	ReasonEvicted          = "evicted"
)

// Detail keys attached to registry events
const (
	DetailService  = "service"
	DetailInstance = "instance_id"
)

// StateRemoved is the ToState of events for instances leaving the registry
const StateRemoved = "REMOVED"

// ServiceRegistry is the in-memory directory of service instances
type ServiceRegistry struct {
	config Config
	shards sync.Map // service name -> *shard
	sink   domain.EventSink
	logger *logger.Logger
	now    domain.Clock

	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
}

// shard holds the instances of a single service. The slice behind instances is
// never modified after it is published.
type shard struct {
	mu        sync.Mutex
	instances atomic.Pointer[[]domain.ServiceInstance]
}

func (s *shard) load() []domain.ServiceInstance {
	p := s.instances.Load()
	if p == nil {
		return nil
	}
	return *p
}

// mutate applies fn to a private copy of the current slice and publishes the
// result if fn reports a change.
func (s *shard) mutate(fn func(next []domain.ServiceInstance) ([]domain.ServiceInstance, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.load()
	next := make([]domain.ServiceInstance, len(current))
	copy(next, current)

	if next, changed := fn(next); changed {
		s.instances.Store(&next)
	}
}

// Option configures a ServiceRegistry
type Option func(*ServiceRegistry)

// WithClock sets the time source
func WithClock(clock domain.Clock) Option {
	return func(r *ServiceRegistry) { r.now = clock }
}

// WithEventSink sets the sink receiving instance transitions
func WithEventSink(sink domain.EventSink) Option {
	return func(r *ServiceRegistry) { r.sink = sink }
}

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(r *ServiceRegistry) { r.logger = log.RegistryLogger() }
}

// New creates a new service registry
func New(config Config, opts ...Option) (*ServiceRegistry, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, tgerrors.NewErrorWithCause(
			tgerrors.ErrCodeInvalidConfig,
			domain.ComponentRegistry,
			"invalid registry configuration",
			err,
		)
	}

	r := &ServiceRegistry{
		config:   config,
		sink:     domain.NopSink{},
		logger:   logger.NewNop(),
		now:      domain.SystemClock,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the effective configuration
func (r *ServiceRegistry) Config() Config {
	return r.config
}

func (r *ServiceRegistry) shardFor(serviceName string) *shard {
	if s, ok := r.shards.Load(serviceName); ok {
		return s.(*shard)
	}
	s, _ := r.shards.LoadOrStore(serviceName, &shard{})
	return s.(*shard)
}

func (r *ServiceRegistry) existingShard(serviceName string) (*shard, bool) {
	s, ok := r.shards.Load(serviceName)
	if !ok {
		return nil, false
	}
	return s.(*shard), true
}

// Register adds the instance to its service, or replaces the entry with the same
// instance ID in place. The instance is stored as UP with a fresh heartbeat.
func (r *ServiceRegistry) Register(instance domain.ServiceInstance) error {
	if err := instance.Validate(); err != nil {
		return tgerrors.NewInvalidInstanceError(err)
	}

	now := r.now()
	inst := instance.Clone()
	inst.Status = domain.StatusUp
	inst.LastHeartbeat = now
	inst.RegisteredAt = now
	if inst.Weight == 0 {
		inst.Weight = domain.DefaultInstanceWeight
	}

	var from domain.InstanceStatus
	r.shardFor(inst.ServiceName).mutate(func(next []domain.ServiceInstance) ([]domain.ServiceInstance, bool) {
		if idx := indexOf(next, inst.InstanceID); idx >= 0 {
			from = next[idx].Status
			if next[idx].LastHeartbeat.After(now) {
				inst.LastHeartbeat = next[idx].LastHeartbeat
			}
			next[idx] = inst
			return next, true
		}
		return append(next, inst), true
	})

	r.logger.InstanceLogger(inst.ServiceName, inst.InstanceID).
		WithField("address", inst.Address()).
		Debug("Registered service instance")

	r.publish(inst.ServiceName, inst.InstanceID, string(from), string(domain.StatusUp), ReasonRegistered, now)
	return nil
}

// Deregister removes the instance. Unknown instances are ignored.
func (r *ServiceRegistry) Deregister(serviceName, instanceID string) {
	s, ok := r.existingShard(serviceName)
	if !ok {
		return
	}

	var removed *domain.ServiceInstance
	s.mutate(func(next []domain.ServiceInstance) ([]domain.ServiceInstance, bool) {
		idx := indexOf(next, instanceID)
		if idx < 0 {
			return next, false
		}
		inst := next[idx]
		removed = &inst
		return append(next[:idx], next[idx+1:]...), true
	})

	if removed == nil {
		r.logger.InstanceLogger(serviceName, instanceID).Debug("Deregister of unknown instance ignored")
		return
	}
	r.publish(serviceName, instanceID, string(removed.Status), StateRemoved, ReasonDeregistered, r.now())
}

// Heartbeat refreshes the instance's liveness and restores a DOWN instance to UP.
// It reports whether the instance is known; unknown instances are otherwise ignored.
func (r *ServiceRegistry) Heartbeat(serviceName, instanceID string) bool {
	s, ok := r.existingShard(serviceName)
	if !ok {
		return false
	}

	now := r.now()
	found := false
	var from domain.InstanceStatus
	s.mutate(func(next []domain.ServiceInstance) ([]domain.ServiceInstance, bool) {
		idx := indexOf(next, instanceID)
		if idx < 0 {
			return next, false
		}
		found = true
		from = next[idx].Status
		if now.After(next[idx].LastHeartbeat) {
			next[idx].LastHeartbeat = now
		}
		next[idx].Status = domain.StatusUp
		return next, true
	})

	if found && from == domain.StatusDown {
		r.publish(serviceName, instanceID, string(domain.StatusDown), string(domain.StatusUp), ReasonHeartbeat, now)
	}
	return found
}

// MarkDown forces the instance DOWN until its next heartbeat.
// It reports whether the instance is known.
func (r *ServiceRegistry) MarkDown(serviceName, instanceID string) bool {
	s, ok := r.existingShard(serviceName)
	if !ok {
		return false
	}

	found, changed := false, false
	s.mutate(func(next []domain.ServiceInstance) ([]domain.ServiceInstance, bool) {
		idx := indexOf(next, instanceID)
		if idx < 0 {
			return next, false
		}
		found = true
		if next[idx].Status == domain.StatusDown {
			return next, false
		}
		next[idx].Status = domain.StatusDown
		changed = true
		return next, true
	})

	if changed {
		r.publish(serviceName, instanceID, string(domain.StatusUp), string(domain.StatusDown), ReasonMarkedDown, r.now())
	}
	return found
}

// HealthyInstances returns the UP instances of the service whose heartbeat is
// within the TTL, in registration order. Unknown services yield an empty slice.
func (r *ServiceRegistry) HealthyInstances(serviceName string) []domain.ServiceInstance {
	healthy := []domain.ServiceInstance{}
	s, ok := r.existingShard(serviceName)
	if !ok {
		return healthy
	}

	now := r.now()
	for _, inst := range s.load() {
		if inst.IsAlive(now, r.config.TTL) {
			healthy = append(healthy, inst.Clone())
		}
	}
	return healthy
}

// Instances returns every instance of the service regardless of status
func (r *ServiceRegistry) Instances(serviceName string) []domain.ServiceInstance {
	s, ok := r.existingShard(serviceName)
	if !ok {
		return []domain.ServiceInstance{}
	}
	current := s.load()
	all := make([]domain.ServiceInstance, len(current))
	for i, inst := range current {
		all[i] = inst.Clone()
	}
	return all
}

// Instance returns a single instance
func (r *ServiceRegistry) Instance(serviceName, instanceID string) (domain.ServiceInstance, bool) {
	s, ok := r.existingShard(serviceName)
	if !ok {
		return domain.ServiceInstance{}, false
	}
	current := s.load()
	if idx := indexOf(current, instanceID); idx >= 0 {
		return current[idx].Clone(), true
	}
	return domain.ServiceInstance{}, false
}

// Services returns the sorted names of services that have at least one instance
func (r *ServiceRegistry) Services() []string {
	var names []string
	r.shards.Range(func(key, value interface{}) bool {
		if len(value.(*shard).load()) > 0 {
			names = append(names, key.(string))
		}
		return true
	})
	sort.Strings(names)
	return names
}

// Sweep marks every UP instance whose heartbeat is older than the TTL as DOWN and,
// when EvictAfter is set, removes instances silent for longer than that.
// It returns the number of instances marked down.
func (r *ServiceRegistry) Sweep() int {
	now := r.now()
	markedDown := 0

	r.shards.Range(func(key, value interface{}) bool {
		serviceName := key.(string)
		var expired, evicted []domain.ServiceInstance

		value.(*shard).mutate(func(next []domain.ServiceInstance) ([]domain.ServiceInstance, bool) {
			changed := false
			kept := next[:0]
			for _, inst := range next {
				silence := now.Sub(inst.LastHeartbeat)
				if r.config.EvictAfter > 0 && silence > r.config.EvictAfter {
					evicted = append(evicted, inst)
					changed = true
					continue
				}
				if inst.Status == domain.StatusUp && silence > r.config.TTL {
					inst.Status = domain.StatusDown
					expired = append(expired, inst)
					changed = true
				}
				kept = append(kept, inst)
			}
			return kept, changed
		})

		for _, inst := range expired {
			r.publish(serviceName, inst.InstanceID, string(domain.StatusUp), string(domain.StatusDown), ReasonHeartbeatExpired, now)
		}
		for _, inst := range evicted {
			r.publish(serviceName, inst.InstanceID, string(inst.Status), StateRemoved, ReasonEvicted, now)
		}
		markedDown += len(expired)
		return true
	})

	if markedDown > 0 {
		r.logger.WithField("marked_down", markedDown).Info("Liveness sweep marked instances down")
	}
	return markedDown
}

// Start runs the liveness sweep every SweepInterval until ctx is done or Stop is called
func (r *ServiceRegistry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return fmt.Errorf("registry sweep is already running")
	}
	r.isRunning = true

	r.logger.Infof("Starting liveness sweep with interval %v (ttl %v)", r.config.SweepInterval, r.config.TTL)

	r.wg.Add(1)
	go r.sweepLoop(ctx, r.stopChan)
	return nil
}

// Stop stops the liveness sweep and waits for it to exit
func (r *ServiceRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isRunning {
		return
	}

	close(r.stopChan)
	r.wg.Wait()
	r.isRunning = false
	r.stopChan = make(chan struct{})

	r.logger.Info("Liveness sweep stopped")
}

func (r *ServiceRegistry) sweepLoop(ctx context.Context, stop <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// GetStats returns registry statistics
func (r *ServiceRegistry) GetStats() map[string]interface{} {
	now := r.now()
	services := 0
	total, up, healthy := 0, 0, 0

	r.shards.Range(func(_, value interface{}) bool {
		instances := value.(*shard).load()
		if len(instances) > 0 {
			services++
		}
		for _, inst := range instances {
			total++
			if inst.IsUp() {
				up++
			}
			if inst.IsAlive(now, r.config.TTL) {
				healthy++
			}
		}
		return true
	})

	return map[string]interface{}{
		"services":           services,
		"total_instances":    total,
		"up_instances":       up,
		"healthy_instances":  healthy,
		"heartbeat_ttl":      r.config.TTL.String(),
		"sweep_interval":     r.config.SweepInterval.String(),
		"heartbeat_interval": r.config.HeartbeatInterval.String(),
	}
}

func (r *ServiceRegistry) publish(serviceName, instanceID, from, to, reason string, at time.Time) {
	if from == to {
		return
	}
	r.sink.Publish(domain.Event{
		Component: domain.ComponentRegistry,
		Key:       domain.InstanceKey(serviceName, instanceID),
		FromState: from,
		ToState:   to,
		Timestamp: at,
		Reason:    reason,
		Details: map[string]string{
			DetailService:  serviceName,
			DetailInstance: instanceID,
		},
	})
}

func indexOf(instances []domain.ServiceInstance, instanceID string) int {
	for i := range instances {
		if instances[i].InstanceID == instanceID {
			return i
		}
	}
	return -1
}
