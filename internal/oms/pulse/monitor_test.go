package pulse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced clock for driving the monitor in tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(c *fakeClock) *Monitor {
	return NewMonitor(WithClock(c.Now))
}

func TestZombieNeverHealthy(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	assert.False(t, m.IsHealthy())
	clock.Advance(24 * time.Hour)
	assert.False(t, m.IsHealthy(), "no heartbeat ever observed must stay unhealthy")
	assert.False(t, m.ShouldProbe(), "probing a link that never spoke is pointless")
}

func TestHeartbeatFreshness(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	m.OnHeartbeat()
	clock.Advance(1 * time.Millisecond)
	assert.True(t, m.IsHealthy())

	clock.Advance(59*time.Second + 899*time.Millisecond) // T0 + 59.9s
	assert.True(t, m.IsHealthy())

	clock.Advance(200 * time.Millisecond) // T0 + 60.1s
	assert.False(t, m.IsHealthy())
}

func TestResuscitation(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	m.OnHeartbeat()
	clock.Advance(5 * time.Minute)
	assert.False(t, m.IsHealthy())

	m.OnHeartbeat()
	assert.True(t, m.IsHealthy(), "fresh heartbeat restores health immediately")
}

func TestProbeLifecycle(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	m.OnHeartbeat()
	clock.Advance(2 * time.Minute)
	assert.False(t, m.IsHealthy())
	assert.True(t, m.ShouldProbe())

	// Probe in flight: grace window while awaiting the response.
	m.OnProbeSent()
	assert.False(t, m.ShouldProbe(), "only one probe outstanding at a time")
	clock.Advance(5 * time.Second)
	assert.True(t, m.IsHealthy())

	// No response within the probe window.
	clock.Advance(6 * time.Second)
	assert.False(t, m.IsHealthy(), "unanswered probe past 10s is unhealthy")
	assert.True(t, m.ShouldProbe(), "expired probe no longer counts as outstanding")
}

func TestExpiredProbeDoesNotWedgeMonitor(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	m.OnHeartbeat()
	clock.Advance(2 * time.Minute)
	m.OnProbeSent()

	// The probe goes unanswered. Probing must become possible again after
	// the window expires, and stay possible from then on.
	clock.Advance(11 * time.Second)
	assert.True(t, m.ShouldProbe())
	clock.Advance(24 * time.Hour)
	assert.True(t, m.ShouldProbe(), "monitor must keep offering probes on a dead link")

	// A later probe cycle can still recover the link.
	m.OnProbeSent()
	assert.False(t, m.ShouldProbe())
	clock.Advance(2 * time.Second)
	m.OnProbeOK()
	assert.True(t, m.IsHealthy())
}

func TestProbeOKRestoresHealth(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	m.OnHeartbeat()
	clock.Advance(2 * time.Minute)
	m.OnProbeSent()
	clock.Advance(3 * time.Second)
	m.OnProbeOK()

	assert.True(t, m.IsHealthy(), "answered probe restores health regardless of heartbeat age")

	// The answered probe itself goes stale eventually.
	clock.Advance(61 * time.Second)
	assert.False(t, m.IsHealthy())
}

func TestSnapshot(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	m.OnHeartbeat()
	clock.Advance(time.Second)
	m.OnProbeSent()
	clock.Advance(time.Second)
	m.OnProbeOK()

	st := m.Snapshot()
	assert.False(t, st.LastHeartbeatAt.IsZero())
	assert.True(t, st.LastProbeSentAt.After(st.LastHeartbeatAt))
	assert.True(t, st.LastProbeOKAt.After(st.LastProbeSentAt))
}
