package events

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mir00r/trafficguard/internal/domain"
)

// DefaultRecorderCapacity is used when NewRecorder is given a non-positive capacity
const DefaultRecorderCapacity = 256

// slot holds one ring entry. seq is the 1-based publish sequence of the event
// stored in it, zero while empty.
type slot struct {
	mu    sync.Mutex
	seq   uint64
	event domain.Event
}

// Recorder keeps the most recent events in a ring buffer. Publishers claim a
// slot from an atomic sequence and only lock that slot.
type Recorder struct {
	seq   atomic.Uint64
	slots []slot
}

// NewRecorder creates a recorder holding up to capacity events
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultRecorderCapacity
	}
	return &Recorder{slots: make([]slot, capacity)}
}

// Publish implements domain.EventSink
func (r *Recorder) Publish(e domain.Event) {
	seq := r.seq.Add(1)
	s := &r.slots[(seq-1)%uint64(len(r.slots))]

	s.mu.Lock()
	// a slower publisher must not overwrite a newer lap of the ring
	if seq > s.seq {
		s.seq = seq
		s.event = e
	}
	s.mu.Unlock()
}

// Recent returns up to limit events, oldest first, optionally restricted to one
// component. A non-positive limit returns everything retained.
func (r *Recorder) Recent(component string, limit int) []domain.Event {
	type entry struct {
		seq   uint64
		event domain.Event
	}

	entries := make([]entry, 0, len(r.slots))
	for i := range r.slots {
		s := &r.slots[i]
		s.mu.Lock()
		if s.seq > 0 && (component == "" || s.event.Component == component) {
			entries = append(entries, entry{seq: s.seq, event: s.event})
		}
		s.mu.Unlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	ordered := make([]domain.Event, len(entries))
	for i, e := range entries {
		ordered[i] = e.event
	}
	return ordered
}

// Total returns the number of events ever published
func (r *Recorder) Total() uint64 {
	return r.seq.Load()
}

// Capacity returns the ring buffer size
func (r *Recorder) Capacity() int {
	return len(r.slots)
}
