package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is the fixed-window state of one caller key
type window struct {
	mu          sync.Mutex
	maxRequests int
	size        time.Duration
	start       time.Time
	count       int
	lastSeen    time.Time
	// evicted is set under mu when the window leaves the map; holders of a stale
	// pointer must look the key up again
	evicted bool
}

func (w *window) expired(now time.Time) bool {
	return now.Sub(w.start) >= w.size
}

// FixedWindowLimiter admits at most maxRequests calls per key in each window
type FixedWindowLimiter struct {
	*base
	windows sync.Map // key -> *window
}

var _ Limiter = (*FixedWindowLimiter)(nil)

// NewFixedWindow creates a fixed-window limiter
func NewFixedWindow(config Config, opts ...Option) (*FixedWindowLimiter, error) {
	b, err := newBase(config, opts)
	if err != nil {
		return nil, err
	}
	return &FixedWindowLimiter{base: b}, nil
}

// Admit implements Limiter
func (l *FixedWindowLimiter) Admit(key string, maxRequests int, size time.Duration) (bool, error) {
	if err := checkLimits(key, maxRequests, size); err != nil {
		return false, err
	}

	for {
		now := l.now()
		w := l.windowFor(key, maxRequests, size, now)

		w.mu.Lock()
		if w.evicted {
			w.mu.Unlock()
			continue
		}

		if w.expired(now) {
			w.start = now
			w.count = 0
		}
		w.lastSeen = now

		admitted := w.count < w.maxRequests
		if admitted {
			w.count++
		}
		limit, windowSize := w.maxRequests, w.size
		w.mu.Unlock()

		if !admitted {
			l.denied(key, limit, windowSize, now)
		}
		return admitted, nil
	}
}

// Allow implements Limiter
func (l *FixedWindowLimiter) Allow(key string) (bool, error) {
	p := l.config.PolicyFor(key)
	return l.Admit(key, p.MaxRequests, p.Window)
}

// RemainingQuota implements Limiter. A key whose window has expired reports its
// full budget.
func (l *FixedWindowLimiter) RemainingQuota(key string) int {
	v, ok := l.windows.Load(key)
	if !ok {
		return 0
	}
	w := v.(*window)

	now := l.now()
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.evicted {
		return 0
	}
	if w.expired(now) {
		return w.maxRequests
	}
	if remaining := w.maxRequests - w.count; remaining > 0 {
		return remaining
	}
	return 0
}

// Reset implements Limiter
func (l *FixedWindowLimiter) Reset(key string) {
	v, ok := l.windows.Load(key)
	if !ok {
		return
	}
	l.evict(key, v.(*window))
	l.logger.WithField("caller", key).Debug("Rate limit window reset")
}

// Sweep implements Limiter. A window is evicted once it has expired and has not
// been used for IdleTTL.
func (l *FixedWindowLimiter) Sweep() int {
	now := l.now()
	evicted := 0

	l.windows.Range(func(k, v interface{}) bool {
		w := v.(*window)
		w.mu.Lock()
		idle := w.expired(now) && now.Sub(w.lastSeen) >= l.config.IdleTTL
		w.mu.Unlock()

		if idle && l.evictIf(k.(string), w, now) {
			evicted++
		}
		return true
	})
	return evicted
}

// Start runs Sweep periodically until ctx is done or Stop is called
func (l *FixedWindowLimiter) Start(ctx context.Context) error {
	return l.start(ctx, l.Sweep)
}

// Stop halts the cleanup loop
func (l *FixedWindowLimiter) Stop() {
	l.stop()
}

// Len returns the number of tracked keys
func (l *FixedWindowLimiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// GetStats returns limiter statistics
func (l *FixedWindowLimiter) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"algorithm":      AlgorithmFixedWindow,
		"default_limit":  l.config.Default.MaxRequests,
		"default_window": l.config.Default.Window.String(),
		"policies":       len(l.config.Policies),
		"active_callers": l.Len(),
		"idle_ttl":       l.config.IdleTTL.String(),
	}
}

func (l *FixedWindowLimiter) windowFor(key string, maxRequests int, size time.Duration, now time.Time) *window {
	if v, ok := l.windows.Load(key); ok {
		return v.(*window)
	}
	v, _ := l.windows.LoadOrStore(key, &window{
		maxRequests: maxRequests,
		size:        size,
		start:       now,
		lastSeen:    now,
	})
	return v.(*window)
}

func (l *FixedWindowLimiter) evict(key string, w *window) {
	w.mu.Lock()
	w.evicted = true
	l.windows.CompareAndDelete(key, w)
	w.mu.Unlock()
}

// evictIf evicts w unless it was used again after the idle check
func (l *FixedWindowLimiter) evictIf(key string, w *window, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.evicted || !w.expired(now) || now.Sub(w.lastSeen) < l.config.IdleTTL {
		return false
	}
	w.evicted = true
	l.windows.CompareAndDelete(key, w)
	return true
}
