package events

import (
	"github.com/mir00r/trafficguard/internal/domain"
	"github.com/mir00r/trafficguard/pkg/logger"
)

// degraded lists the target states logged at warning level
var degraded = map[string]bool{
	string(domain.StatusDown): true,
	"OPEN":                    true,
	"DENIED":                  true,
	"REMOVED":                 true,
}

// LogSink writes every event as a structured log entry
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a sink logging through log
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log.EventLogger()}
}

// Publish implements domain.EventSink
func (s *LogSink) Publish(e domain.Event) {
	entry := s.logger.WithFields(map[string]interface{}{
		"event_component": e.Component,
		"key":             e.Key,
		"from":            e.FromState,
		"to":              e.ToState,
		"reason":          e.Reason,
		"at":              e.Timestamp,
	})
	for k, v := range e.Details {
		entry = entry.WithField(k, v)
	}

	if degraded[e.ToState] {
		entry.Warn("State transition")
		return
	}
	entry.Info("State transition")
}
