package events

import "github.com/mir00r/trafficguard/internal/domain"

// Fanout publishes every event to each of its sinks in order
type Fanout []domain.EventSink

// NewFanout creates a fanout, skipping nil sinks
func NewFanout(sinks ...domain.EventSink) Fanout {
	f := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			f = append(f, s)
		}
	}
	return f
}

// Publish implements domain.EventSink
func (f Fanout) Publish(e domain.Event) {
	for _, s := range f {
		s.Publish(e)
	}
}
