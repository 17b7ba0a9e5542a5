package balancer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/trafficguard/internal/domain"
)

// serviceState holds the selection state of a single service
type serviceState struct {
	cursor atomic.Uint64

	mu             sync.Mutex
	currentWeights map[string]int64
}

func newServiceState() *serviceState {
	return &serviceState{currentWeights: make(map[string]int64)}
}

// next returns the cursor value for this selection and advances it
func (s *serviceState) next() uint64 {
	return s.cursor.Add(1) - 1
}

// selector picks the index of one candidate. candidates is never empty.
type selector interface {
	pick(state *serviceState, candidates []domain.ServiceInstance, lb *LoadBalancer) int
	// locked reports whether pick must run under the service lock together
	// with the in-flight increment
	locked() bool
	Type() domain.Strategy
}

type roundRobinSelector struct{}

func (roundRobinSelector) pick(state *serviceState, candidates []domain.ServiceInstance, _ *LoadBalancer) int {
	return int(state.next() % uint64(len(candidates)))
}

func (roundRobinSelector) locked() bool { return false }

func (roundRobinSelector) Type() domain.Strategy { return domain.RoundRobin }

type randomSelector struct{}

func (randomSelector) pick(_ *serviceState, candidates []domain.ServiceInstance, lb *LoadBalancer) int {
	return lb.intN(len(candidates))
}

func (randomSelector) locked() bool { return false }

func (randomSelector) Type() domain.Strategy { return domain.Random }

type leastConnectionsSelector struct{}

func (leastConnectionsSelector) pick(state *serviceState, candidates []domain.ServiceInstance, lb *LoadBalancer) int {
	tied := make([]int, 0, len(candidates))
	var min int64
	for i, inst := range candidates {
		n := lb.counter(inst).Load()
		switch {
		case len(tied) == 0 || n < min:
			min = n
			tied = append(tied[:0], i)
		case n == min:
			tied = append(tied, i)
		}
	}
	return tied[state.next()%uint64(len(tied))]
}

func (leastConnectionsSelector) locked() bool { return true }

func (leastConnectionsSelector) Type() domain.Strategy { return domain.LeastConnections }

type weightedRoundRobinSelector struct{}

// pick implements smooth weighted round robin: every candidate's current weight
// grows by its effective weight, the largest wins and pays back the total.
func (weightedRoundRobinSelector) pick(state *serviceState, candidates []domain.ServiceInstance, _ *LoadBalancer) int {
	var total int64
	best := -1
	var bestWeight int64

	for i, inst := range candidates {
		w := int64(inst.EffectiveWeight())
		current := state.currentWeights[inst.InstanceID] + w
		state.currentWeights[inst.InstanceID] = current
		total += w
		if best < 0 || current > bestWeight {
			best = i
			bestWeight = current
		}
	}
	state.currentWeights[candidates[best].InstanceID] -= total

	if len(state.currentWeights) > len(candidates) {
		live := make(map[string]struct{}, len(candidates))
		for _, inst := range candidates {
			live[inst.InstanceID] = struct{}{}
		}
		for id := range state.currentWeights {
			if _, ok := live[id]; !ok {
				delete(state.currentWeights, id)
			}
		}
	}
	return best
}

func (weightedRoundRobinSelector) locked() bool { return true }

func (weightedRoundRobinSelector) Type() domain.Strategy { return domain.WeightedRoundRobin }

func newSelectors() map[domain.Strategy]selector {
	return map[domain.Strategy]selector{
		domain.RoundRobin:         roundRobinSelector{},
		domain.Random:             randomSelector{},
		domain.LeastConnections:   leastConnectionsSelector{},
		domain.WeightedRoundRobin: weightedRoundRobinSelector{},
	}
}

// StrategyStats holds thread-safe statistics for a strategy
type StrategyStats struct {
	TotalSelections  int64
	FailedSelections int64
	LastUsed         int64 // Unix timestamp
}

// IncrementTotal atomically increments the selection count
func (s *StrategyStats) IncrementTotal(now time.Time) {
	atomic.AddInt64(&s.TotalSelections, 1)
	atomic.StoreInt64(&s.LastUsed, now.Unix())
}

// IncrementFailed atomically increments the failed selection count
func (s *StrategyStats) IncrementFailed() {
	atomic.AddInt64(&s.FailedSelections, 1)
}

// GetStats returns a snapshot of current statistics
func (s *StrategyStats) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_selections":  atomic.LoadInt64(&s.TotalSelections),
		"failed_selections": atomic.LoadInt64(&s.FailedSelections),
		"last_used":         atomic.LoadInt64(&s.LastUsed),
	}
}
