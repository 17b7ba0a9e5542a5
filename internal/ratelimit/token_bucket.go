package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket is the token bucket of one caller key
type bucket struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRequests int
	window      time.Duration
	lastSeen    time.Time
	evicted     bool
}

// TokenBucketLimiter refills maxRequests tokens evenly over each window and lets
// a caller burst up to maxRequests. It has no window boundary, so a caller can
// never get 2×maxRequests through around a window edge.
type TokenBucketLimiter struct {
	*base
	buckets sync.Map // key -> *bucket
}

var _ Limiter = (*TokenBucketLimiter)(nil)

// NewTokenBucket creates a token bucket limiter
func NewTokenBucket(config Config, opts ...Option) (*TokenBucketLimiter, error) {
	b, err := newBase(config, opts)
	if err != nil {
		return nil, err
	}
	return &TokenBucketLimiter{base: b}, nil
}

// Admit implements Limiter
func (l *TokenBucketLimiter) Admit(key string, maxRequests int, window time.Duration) (bool, error) {
	if err := checkLimits(key, maxRequests, window); err != nil {
		return false, err
	}

	for {
		now := l.now()
		b := l.bucketFor(key, maxRequests, window)

		b.mu.Lock()
		if b.evicted {
			b.mu.Unlock()
			continue
		}
		b.lastSeen = now
		admitted := b.limiter.AllowN(now, 1)
		limit, size := b.maxRequests, b.window
		b.mu.Unlock()

		if !admitted {
			l.denied(key, limit, size, now)
		}
		return admitted, nil
	}
}

// Allow implements Limiter
func (l *TokenBucketLimiter) Allow(key string) (bool, error) {
	p := l.config.PolicyFor(key)
	return l.Admit(key, p.MaxRequests, p.Window)
}

// RemainingQuota implements Limiter. It reports the whole tokens currently in the
// bucket.
func (l *TokenBucketLimiter) RemainingQuota(key string) int {
	v, ok := l.buckets.Load(key)
	if !ok {
		return 0
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.evicted {
		return 0
	}
	tokens := int(b.limiter.TokensAt(l.now()))
	if tokens < 0 {
		return 0
	}
	return tokens
}

// Reset implements Limiter
func (l *TokenBucketLimiter) Reset(key string) {
	v, ok := l.buckets.Load(key)
	if !ok {
		return
	}
	b := v.(*bucket)
	b.mu.Lock()
	b.evicted = true
	l.buckets.CompareAndDelete(key, b)
	b.mu.Unlock()

	l.logger.WithField("caller", key).Debug("Token bucket reset")
}

// Sweep implements Limiter. A bucket is evicted once it is full again and has not
// been used for IdleTTL; recreating it later yields the same state.
func (l *TokenBucketLimiter) Sweep() int {
	now := l.now()
	evicted := 0

	l.buckets.Range(func(k, v interface{}) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if !b.evicted &&
			now.Sub(b.lastSeen) >= l.config.IdleTTL &&
			b.limiter.TokensAt(now) >= float64(b.maxRequests) {
			b.evicted = true
			l.buckets.CompareAndDelete(k, b)
			evicted++
		}
		b.mu.Unlock()
		return true
	})
	return evicted
}

// Start runs Sweep periodically until ctx is done or Stop is called
func (l *TokenBucketLimiter) Start(ctx context.Context) error {
	return l.start(ctx, l.Sweep)
}

// Stop halts the cleanup loop
func (l *TokenBucketLimiter) Stop() {
	l.stop()
}

// Len returns the number of tracked keys
func (l *TokenBucketLimiter) Len() int {
	n := 0
	l.buckets.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// GetStats returns limiter statistics
func (l *TokenBucketLimiter) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"algorithm":      AlgorithmTokenBucket,
		"default_limit":  l.config.Default.MaxRequests,
		"default_window": l.config.Default.Window.String(),
		"policies":       len(l.config.Policies),
		"active_callers": l.Len(),
		"idle_ttl":       l.config.IdleTTL.String(),
	}
}

func (l *TokenBucketLimiter) bucketFor(key string, maxRequests int, window time.Duration) *bucket {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket)
	}
	every := rate.Every(window / time.Duration(maxRequests))
	v, _ := l.buckets.LoadOrStore(key, &bucket{
		limiter:     rate.NewLimiter(every, maxRequests),
		maxRequests: maxRequests,
		window:      window,
	})
	return v.(*bucket)
}
