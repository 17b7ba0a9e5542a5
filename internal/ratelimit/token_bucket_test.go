package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenBucket(t *testing.T) (*TokenBucketLimiter, *fakeClock, *eventLog) {
	t.Helper()
	clock := newFakeClock()
	events := &eventLog{}
	cfg := testConfig()
	cfg.Algorithm = AlgorithmTokenBucket
	l, err := NewTokenBucket(cfg, WithClock(clock.Now), WithEventSink(events))
	require.NoError(t, err)
	return l, clock, events
}

func TestTokenBucketBurstThenRefill(t *testing.T) {
	l, clock, events := newTestTokenBucket(t)

	for i := 0; i < 3; i++ {
		assert.True(t, admit(t, l, "alice", 3, 3*time.Second))
	}
	assert.False(t, admit(t, l, "alice", 3, 3*time.Second))
	assert.Equal(t, 1, events.len())

	// one token per second
	clock.Advance(time.Second)
	assert.True(t, admit(t, l, "alice", 3, 3*time.Second))
	assert.False(t, admit(t, l, "alice", 3, 3*time.Second))
}

func TestTokenBucketNoBoundaryBurst(t *testing.T) {
	l, clock, _ := newTestTokenBucket(t)

	clock.Advance(900 * time.Millisecond)
	admitted := 0
	for i := 0; i < 10; i++ {
		if admit(t, l, "edge", 4, time.Second) {
			admitted++
		}
	}
	clock.Advance(200 * time.Millisecond)
	for i := 0; i < 10; i++ {
		if admit(t, l, "edge", 4, time.Second) {
			admitted++
		}
	}
	assert.LessOrEqual(t, admitted, 5)
}

func TestTokenBucketRemainingQuota(t *testing.T) {
	l, clock, _ := newTestTokenBucket(t)

	assert.Zero(t, l.RemainingQuota("x"))

	admit(t, l, "x", 5, 5*time.Second)
	admit(t, l, "x", 5, 5*time.Second)
	assert.Equal(t, 3, l.RemainingQuota("x"))

	clock.Advance(time.Minute)
	assert.Equal(t, 5, l.RemainingQuota("x"))
}

func TestTokenBucketResetAndSweep(t *testing.T) {
	l, clock, _ := newTestTokenBucket(t)

	admit(t, l, "a", 1, time.Hour)
	assert.False(t, admit(t, l, "a", 1, time.Hour))
	l.Reset("a")
	assert.True(t, admit(t, l, "a", 1, time.Hour))

	admit(t, l, "b", 2, time.Second)
	clock.Advance(2 * time.Minute)

	// "a" is still refilling; "b" is full and idle
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
	assert.Zero(t, l.RemainingQuota("b"))
}

func TestTokenBucketConcurrentAdmit(t *testing.T) {
	l, _, _ := newTestTokenBucket(t)

	const limit = 25
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Admit("shared", limit, time.Hour); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(limit), admitted.Load())
}

func TestTokenBucketAllowAndStats(t *testing.T) {
	l, _, _ := newTestTokenBucket(t)

	ok, err := l.Allow("batch")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = l.Allow("batch")
	assert.False(t, ok)

	stats := l.GetStats()
	assert.Equal(t, AlgorithmTokenBucket, stats["algorithm"])
	assert.Equal(t, 1, stats["active_callers"])
}
