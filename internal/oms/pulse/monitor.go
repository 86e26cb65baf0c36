// Package pulse decides whether a broker link is healthy from the timing of
// observed traffic. It is a pure state machine over three timestamps and an
// injected clock; it opens no connections of its own.
package pulse

import (
	"sync"
	"time"
)

const (
	// DefaultHeartbeatTimeout is how stale the last heartbeat may be before
	// the link is considered unhealthy.
	DefaultHeartbeatTimeout = 60 * time.Second
	// DefaultProbeTimeout is how long an outstanding probe may wait for a
	// response before the link is considered unhealthy.
	DefaultProbeTimeout = 10 * time.Second
)

// State is a snapshot of the monitor's three timestamps.
type State struct {
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	LastProbeSentAt time.Time `json:"last_probe_sent_at"`
	LastProbeOKAt   time.Time `json:"last_probe_ok_at"`
}

// Monitor tracks broker-link health. All inbound broker traffic counts as a
// heartbeat; when heartbeats go stale the caller may send a probe and report
// its outcome. Safe for concurrent use.
type Monitor struct {
	mu               sync.RWMutex
	state            State
	heartbeatTimeout time.Duration
	probeTimeout     time.Duration
	now              func() time.Time
}

// Option adjusts a Monitor at construction.
type Option func(*Monitor)

// WithHeartbeatTimeout overrides the heartbeat staleness window.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.heartbeatTimeout = d }
}

// WithProbeTimeout overrides the probe response window.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.probeTimeout = d }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor with no heartbeat observed yet. A monitor in
// that state is unhealthy regardless of any transport-level connected flag.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		heartbeatTimeout: DefaultHeartbeatTimeout,
		probeTimeout:     DefaultProbeTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnHeartbeat records inbound broker traffic. A fresh heartbeat immediately
// restores health, overriding any prior unhealthy verdict.
func (m *Monitor) OnHeartbeat() {
	m.mu.Lock()
	m.state.LastHeartbeatAt = m.now()
	m.mu.Unlock()
}

// OnProbeSent records that the caller dispatched a connectivity probe.
func (m *Monitor) OnProbeSent() {
	m.mu.Lock()
	m.state.LastProbeSentAt = m.now()
	m.mu.Unlock()
}

// OnProbeOK records a probe response.
func (m *Monitor) OnProbeOK() {
	m.mu.Lock()
	m.state.LastProbeOKAt = m.now()
	m.mu.Unlock()
}

// ShouldProbe reports whether heartbeats are stale and no probe is currently
// outstanding, i.e. whether sending a probe now would be useful.
func (m *Monitor) ShouldProbe() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	if m.state.LastHeartbeatAt.IsZero() {
		return false // nothing to probe; the link has never spoken
	}
	if now.Sub(m.state.LastHeartbeatAt) <= m.heartbeatTimeout {
		return false
	}
	return !m.probeOutstanding(now)
}

// IsHealthy evaluates link health at the current clock reading.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()

	// Zombie: no heartbeat has ever been observed.
	if m.state.LastHeartbeatAt.IsZero() {
		return false
	}
	if now.Sub(m.state.LastHeartbeatAt) <= m.heartbeatTimeout {
		return true
	}

	// Heartbeat is stale. An outstanding probe gets a grace window; a probe
	// answered at or after its send time restores health until the response
	// itself goes stale.
	if m.probeOutstanding(now) {
		return true
	}
	if !m.state.LastProbeOKAt.IsZero() && !m.state.LastProbeOKAt.Before(m.state.LastProbeSentAt) {
		return now.Sub(m.state.LastProbeOKAt) <= m.heartbeatTimeout
	}

	// Cardiac arrest: stale heartbeat, no probe in flight, no answered probe.
	return false
}

// Snapshot returns a copy of the monitor's timestamps.
func (m *Monitor) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// probeOutstanding reports whether a probe has been sent, not yet answered,
// and not yet expired. An unanswered probe stops counting as outstanding
// after probeTimeout so a fresh probe can be sent. Callers hold the lock.
func (m *Monitor) probeOutstanding(now time.Time) bool {
	if m.state.LastProbeSentAt.IsZero() {
		return false
	}
	if !m.state.LastProbeOKAt.Before(m.state.LastProbeSentAt) {
		return false
	}
	return now.Sub(m.state.LastProbeSentAt) <= m.probeTimeout
}
