package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/trafficguard/internal/domain"
	tgerrors "github.com/mir00r/trafficguard/internal/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Publish(e domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func testConfig() Config {
	return Config{
		Default:  Policy{MaxRequests: 3, Window: time.Second},
		Policies: map[string]Policy{"batch": {MaxRequests: 1, Window: time.Minute}},
		IdleTTL:  time.Minute,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"token bucket", func(c *Config) { c.Algorithm = "TOKEN_BUCKET" }, false},
		{"unknown algorithm", func(c *Config) { c.Algorithm = "sliding_log" }, true},
		{"zero default limit", func(c *Config) { c.Default.MaxRequests = 0 }, true},
		{"zero default window", func(c *Config) { c.Default.Window = 0 }, true},
		{"bad policy", func(c *Config) { c.Policies["bad"] = Policy{MaxRequests: -1, Window: time.Second} }, true},
		{"negative idle ttl", func(c *Config) { c.IdleTTL = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.WithDefaults().Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSelectsAlgorithm(t *testing.T) {
	cfg := testConfig()
	l, err := New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &FixedWindowLimiter{}, l)

	cfg.Algorithm = AlgorithmTokenBucket
	l, err = New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &TokenBucketLimiter{}, l)

	cfg.Default.MaxRequests = 0
	_, err = New(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrInvalidConfig))
}

func TestPolicyFor(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, 1, cfg.PolicyFor("batch").MaxRequests)
	assert.Equal(t, 3, cfg.PolicyFor("anyone").MaxRequests)

	l, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, Policy{MaxRequests: 1, Window: time.Minute}, l.Policy("batch"))
	assert.Equal(t, Policy{MaxRequests: 3, Window: time.Second}, l.Policy("anyone"))
}

// TestLimitersRejectInvalidLimits runs against both algorithms
func TestLimitersRejectInvalidLimits(t *testing.T) {
	for _, algorithm := range []string{AlgorithmFixedWindow, AlgorithmTokenBucket} {
		t.Run(algorithm, func(t *testing.T) {
			cfg := testConfig()
			cfg.Algorithm = algorithm
			l, err := New(cfg)
			require.NoError(t, err)

			ok, err := l.Admit("c", 0, time.Second)
			assert.False(t, ok)
			assert.True(t, errors.Is(err, tgerrors.ErrInvalidConfig))

			ok, err = l.Admit("c", 1, 0)
			assert.False(t, ok)
			assert.Error(t, err)
			assert.Zero(t, l.RemainingQuota("c"))
		})
	}
}

func TestLimiterStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.CleanupInterval = 5 * time.Millisecond
	l, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	assert.Error(t, l.Start(context.Background()))
	l.Stop()
	l.Stop()

	require.NoError(t, l.Start(context.Background()))
	l.Stop()
}
