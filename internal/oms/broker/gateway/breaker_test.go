package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBackoffGrowsAndResets(t *testing.T) {
	b := newExpBackoff(100*time.Millisecond, 2*time.Second)

	first := b.Next()
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)
	assert.LessOrEqual(t, first, 100*time.Millisecond)

	// The schedule doubles; with jitter each delay lies in [d/2, d].
	var prev = first
	for i := 0; i < 6; i++ {
		d := b.Next()
		assert.LessOrEqual(t, d, 2*time.Second)
		prev = d
	}
	// Capped at max: repeated calls stay within [max/2, max].
	assert.GreaterOrEqual(t, prev, time.Second)

	b.Reset()
	again := b.Next()
	assert.LessOrEqual(t, again, 100*time.Millisecond)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	opened := 0
	cb := newCircuitBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Hour},
		zaptest.NewLogger(t), func(string) { opened++ })

	require.True(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, breakerClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, breakerOpen, cb.State())
	assert.Equal(t, 1, opened)
	assert.False(t, cb.Allow(), "open breaker blocks attempts until cooldown")
}

func TestBreakerHalfOpenCycle(t *testing.T) {
	now := time.Now()
	cb := newCircuitBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute},
		zaptest.NewLogger(t), nil)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	require.Equal(t, breakerOpen, cb.State())
	assert.False(t, cb.Allow())

	// After the cooldown one attempt is allowed.
	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	assert.Equal(t, breakerHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one half-open attempt at a time")

	// A failed probe re-opens; a success closes.
	cb.RecordFailure()
	assert.Equal(t, breakerOpen, cb.State())

	now = now.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, breakerClosed, cb.State())
	assert.True(t, cb.Allow())
}
