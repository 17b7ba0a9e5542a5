package events

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/trafficguard/internal/domain"
)

// Transition identifies one kind of state change
type Transition struct {
	Component string `json:"component"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// TransitionCount is a Transition with the number of times it happened
type TransitionCount struct {
	Transition
	Count int64 `json:"count"`
}

// Metrics counts events per component and transition. Publish takes no
// lock once a transition has been seen.
type Metrics struct {
	total       atomic.Int64
	transitions sync.Map // Transition -> *atomic.Int64
	lastEvent   sync.Map // component -> *atomic.Int64 (unix nanoseconds)
}

// NewMetrics creates an empty metrics sink
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Publish implements domain.EventSink
func (m *Metrics) Publish(e domain.Event) {
	m.total.Add(1)

	t := Transition{Component: e.Component, From: e.FromState, To: e.ToState}
	loadCounter(&m.transitions, t).Add(1)

	last := loadCounter(&m.lastEvent, e.Component)
	at := e.Timestamp.UnixNano()
	for {
		prev := last.Load()
		if at <= prev || last.CompareAndSwap(prev, at) {
			return
		}
	}
}

func loadCounter(m *sync.Map, key interface{}) *atomic.Int64 {
	if c, ok := m.Load(key); ok {
		return c.(*atomic.Int64)
	}
	c, _ := m.LoadOrStore(key, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Total returns the number of events seen
func (m *Metrics) Total() int64 {
	return m.total.Load()
}

// Count returns how many times a transition happened
func (m *Metrics) Count(component, from, to string) int64 {
	if c, ok := m.transitions.Load(Transition{Component: component, From: from, To: to}); ok {
		return c.(*atomic.Int64).Load()
	}
	return 0
}

// Transitions returns every counted transition sorted by component, from, to
func (m *Metrics) Transitions() []TransitionCount {
	out := []TransitionCount{}
	m.transitions.Range(func(key, value interface{}) bool {
		out = append(out, TransitionCount{Transition: key.(Transition), Count: value.(*atomic.Int64).Load()})
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Component != b.Component {
			return a.Component < b.Component
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
	return out
}

// GetStats returns event totals per component
func (m *Metrics) GetStats() map[string]interface{} {
	perComponent := make(map[string]int64)
	for _, tc := range m.Transitions() {
		perComponent[tc.Component] += tc.Count
	}

	last := make(map[string]time.Time)
	m.lastEvent.Range(func(key, value interface{}) bool {
		last[key.(string)] = time.Unix(0, value.(*atomic.Int64).Load()).UTC()
		return true
	})

	return map[string]interface{}{
		"total_events":  m.Total(),
		"by_component":  perComponent,
		"last_event_at": last,
	}
}
