package gateway

import (
	"math/rand"
	"sync"
	"time"
)

// expBackoff produces exponentially growing reconnect delays with jitter so
// a fleet of engines does not hammer a recovering gateway in lockstep.
type expBackoff struct {
	mu      sync.Mutex
	min     time.Duration
	max     time.Duration
	factor  float64
	current time.Duration
}

func newExpBackoff(min, max time.Duration) *expBackoff {
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max < min {
		max = 30 * time.Second
	}
	return &expBackoff{min: min, max: max, factor: 2.0}
}

// Next returns the delay to wait before the next attempt and advances the
// schedule. Jitter spreads the result over [d/2, d).
func (b *expBackoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == 0 {
		b.current = b.min
	}
	d := b.current
	next := time.Duration(float64(b.current) * b.factor)
	if next > b.max {
		next = b.max
	}
	b.current = next
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// Reset rewinds the schedule after a successful connection.
func (b *expBackoff) Reset() {
	b.mu.Lock()
	b.current = 0
	b.mu.Unlock()
}
