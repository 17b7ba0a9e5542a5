package balancer

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/mir00r/trafficguard/internal/domain"
	tgerrors "github.com/mir00r/trafficguard/internal/errors"
	"github.com/mir00r/trafficguard/pkg/logger"
)

// Selection is the instance chosen for one call. It holds an in-flight slot on
// the instance until Done is called.
type Selection struct {
	Instance domain.ServiceInstance
	Strategy domain.Strategy

	counter *atomic.Int64
	once    sync.Once
}

// Done releases the in-flight slot. Calling it more than once has no effect.
func (s *Selection) Done() {
	s.once.Do(func() {
		s.counter.Add(-1)
	})
}

// LoadBalancer selects instances for outbound calls
type LoadBalancer struct {
	strategy  atomic.Value // domain.Strategy
	overrides sync.Map     // service name -> domain.Strategy
	services  sync.Map     // service name -> *serviceState
	inflight  sync.Map     // instance key -> *atomic.Int64
	selectors map[domain.Strategy]selector
	stats     map[domain.Strategy]*StrategyStats

	intN   func(n int) int
	now    domain.Clock
	sink   domain.EventSink
	logger *logger.Logger
}

// Option configures a LoadBalancer
type Option func(*LoadBalancer)

// WithRandom sets the source used by the random strategy. intN must return a
// value in [0, n).
func WithRandom(intN func(n int) int) Option {
	return func(lb *LoadBalancer) { lb.intN = intN }
}

// WithEventSink sets the sink receiving strategy changes
func WithEventSink(sink domain.EventSink) Option {
	return func(lb *LoadBalancer) { lb.sink = sink }
}

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(lb *LoadBalancer) { lb.logger = log.BalancerLogger() }
}

// WithClock sets the time source used for statistics and events
func WithClock(clock domain.Clock) Option {
	return func(lb *LoadBalancer) { lb.now = clock }
}

// New creates a load balancer using defaultStrategy for services without an override
func New(defaultStrategy domain.Strategy, opts ...Option) (*LoadBalancer, error) {
	if !defaultStrategy.Valid() {
		return nil, tgerrors.NewUnknownStrategyError(string(defaultStrategy))
	}

	lb := &LoadBalancer{
		selectors: newSelectors(),
		stats:     make(map[domain.Strategy]*StrategyStats),
		intN:      rand.IntN,
		now:       domain.SystemClock,
		sink:      domain.NopSink{},
		logger:    logger.NewNop(),
	}
	for s := range lb.selectors {
		lb.stats[s] = &StrategyStats{}
	}
	lb.strategy.Store(defaultStrategy)

	for _, opt := range opts {
		opt(lb)
	}
	return lb, nil
}

// Select picks one of candidates for serviceName using strategy. It fails with
// ErrNoAvailableInstance when candidates is empty.
func (lb *LoadBalancer) Select(serviceName string, candidates []domain.ServiceInstance, strategy domain.Strategy) (*Selection, error) {
	sel, ok := lb.selectors[strategy]
	if !ok {
		return nil, tgerrors.NewUnknownStrategyError(string(strategy))
	}
	stats := lb.stats[strategy]

	if len(candidates) == 0 {
		stats.IncrementFailed()
		lb.logger.WithField("service", serviceName).Debug("No candidates to select from")
		return nil, tgerrors.NewNoAvailableInstanceError(serviceName)
	}

	state := lb.stateFor(serviceName)

	var idx int
	var counter *atomic.Int64
	if sel.locked() {
		state.mu.Lock()
		idx = sel.pick(state, candidates, lb)
		counter = lb.counter(candidates[idx])
		counter.Add(1)
		state.mu.Unlock()
	} else {
		idx = sel.pick(state, candidates, lb)
		counter = lb.counter(candidates[idx])
		counter.Add(1)
	}

	stats.IncrementTotal(lb.now())

	return &Selection{
		Instance: candidates[idx],
		Strategy: strategy,
		counter:  counter,
	}, nil
}

// Next picks one of candidates using the strategy configured for serviceName
func (lb *LoadBalancer) Next(serviceName string, candidates []domain.ServiceInstance) (*Selection, error) {
	return lb.Select(serviceName, candidates, lb.StrategyFor(serviceName))
}

// Strategy returns the default strategy
func (lb *LoadBalancer) Strategy() domain.Strategy {
	return lb.strategy.Load().(domain.Strategy)
}

// StrategyFor returns the strategy used by Next for serviceName
func (lb *LoadBalancer) StrategyFor(serviceName string) domain.Strategy {
	if s, ok := lb.overrides.Load(serviceName); ok {
		return s.(domain.Strategy)
	}
	return lb.Strategy()
}

// SetStrategy swaps the default strategy. Cursors and in-flight counters are kept.
func (lb *LoadBalancer) SetStrategy(strategy domain.Strategy) error {
	if !strategy.Valid() {
		return tgerrors.NewUnknownStrategyError(string(strategy))
	}
	previous := lb.strategy.Swap(strategy).(domain.Strategy)
	lb.strategyChanged("*", previous, strategy)
	return nil
}

// SetServiceStrategy overrides the strategy used by Next for one service
func (lb *LoadBalancer) SetServiceStrategy(serviceName string, strategy domain.Strategy) error {
	if !strategy.Valid() {
		return tgerrors.NewUnknownStrategyError(string(strategy))
	}
	previous := lb.StrategyFor(serviceName)
	lb.overrides.Store(serviceName, strategy)
	lb.strategyChanged(serviceName, previous, strategy)
	return nil
}

// ClearServiceStrategy removes a per-service override
func (lb *LoadBalancer) ClearServiceStrategy(serviceName string) {
	if previous, ok := lb.overrides.LoadAndDelete(serviceName); ok {
		lb.strategyChanged(serviceName, previous.(domain.Strategy), lb.Strategy())
	}
}

// InFlight returns the number of unreleased selections of an instance
func (lb *LoadBalancer) InFlight(serviceName, instanceID string) int64 {
	if c, ok := lb.inflight.Load(domain.InstanceKey(serviceName, instanceID)); ok {
		return c.(*atomic.Int64).Load()
	}
	return 0
}

// Forget drops the in-flight counter and weight state of an instance that left
// the registry. Selections still outstanding release into the dropped counter.
func (lb *LoadBalancer) Forget(serviceName, instanceID string) {
	lb.inflight.Delete(domain.InstanceKey(serviceName, instanceID))

	if s, ok := lb.services.Load(serviceName); ok {
		state := s.(*serviceState)
		state.mu.Lock()
		delete(state.currentWeights, instanceID)
		state.mu.Unlock()
	}
}

// ForgetService drops the cursor of a service that has no instances left.
// Per-service strategy overrides are kept.
func (lb *LoadBalancer) ForgetService(serviceName string) {
	lb.services.Delete(serviceName)
}

// GetStats returns balancer statistics
func (lb *LoadBalancer) GetStats() map[string]interface{} {
	strategies := make(map[string]interface{}, len(lb.stats))
	for s, st := range lb.stats {
		strategies[string(s)] = st.GetStats()
	}

	inflight := make(map[string]int64)
	lb.inflight.Range(func(key, value interface{}) bool {
		if n := value.(*atomic.Int64).Load(); n != 0 {
			inflight[key.(string)] = n
		}
		return true
	})

	overrides := make(map[string]string)
	lb.overrides.Range(func(key, value interface{}) bool {
		overrides[key.(string)] = string(value.(domain.Strategy))
		return true
	})

	return map[string]interface{}{
		"strategy":           string(lb.Strategy()),
		"service_strategies": overrides,
		"strategies":         strategies,
		"in_flight":          inflight,
	}
}

func (lb *LoadBalancer) stateFor(serviceName string) *serviceState {
	if s, ok := lb.services.Load(serviceName); ok {
		return s.(*serviceState)
	}
	s, _ := lb.services.LoadOrStore(serviceName, newServiceState())
	return s.(*serviceState)
}

func (lb *LoadBalancer) counter(inst domain.ServiceInstance) *atomic.Int64 {
	key := inst.Key()
	if c, ok := lb.inflight.Load(key); ok {
		return c.(*atomic.Int64)
	}
	c, _ := lb.inflight.LoadOrStore(key, new(atomic.Int64))
	return c.(*atomic.Int64)
}

func (lb *LoadBalancer) strategyChanged(key string, from, to domain.Strategy) {
	if from == to {
		return
	}
	lb.logger.WithFields(map[string]interface{}{
		"service": key,
		"from":    string(from),
		"to":      string(to),
	}).Info("Load balancing strategy changed")

	lb.sink.Publish(domain.Event{
		Component: domain.ComponentBalancer,
		Key:       key,
		FromState: string(from),
		ToState:   string(to),
		Timestamp: lb.now(),
		Reason:    "strategy_changed",
	})
}
