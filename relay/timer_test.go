package relay

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestTimerAdvancesOnlyWhileRunning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timer := NewTimer(clock, 0)

	clock.Advance(5 * time.Second)
	assert.Zero(t, timer.Position(), "stopped clock must not advance")

	timer.Start()
	clock.Advance(10 * time.Second)
	assert.InDelta(t, 10.0, timer.Position(), 1e-9)

	timer.Pause()
	clock.Advance(5 * time.Second)
	assert.InDelta(t, 10.0, timer.Position(), 1e-9)
	assert.False(t, timer.Running())
}

func TestTimerStartIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timer := NewTimer(clock, 0)

	timer.Start()
	clock.Advance(3 * time.Second)
	timer.Start()
	clock.Advance(3 * time.Second)

	assert.InDelta(t, 6.0, timer.Position(), 1e-9)
}

func TestTimerSetClampsNegative(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timer := NewTimer(clock, 0)

	timer.Set(-5)
	assert.Zero(t, timer.Position())

	timer.Set(42)
	assert.InDelta(t, 42.0, timer.Position(), 1e-9)
}

func TestTimerSetKeepsRunning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timer := NewTimer(clock, 0)

	timer.Start()
	clock.Advance(10 * time.Second)
	timer.Set(100)
	clock.Advance(2 * time.Second)

	pos, running := timer.Snapshot()
	assert.InDelta(t, 102.0, pos, 1e-9)
	assert.True(t, running)
}

func TestTimerResetRewindsWithoutPausing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timer := NewTimer(clock, 0)

	timer.Start()
	clock.Advance(30 * time.Second)
	timer.Reset()
	clock.Advance(4 * time.Second)

	pos, running := timer.Snapshot()
	assert.InDelta(t, 4.0, pos, 1e-9)
	assert.True(t, running)
}

func TestTimerStopsAtEnd(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timer := NewTimer(clock, 60)

	timer.Start()
	clock.Advance(90 * time.Second)

	pos, running := timer.Snapshot()
	assert.InDelta(t, 60.0, pos, 1e-9)
	assert.False(t, running, "clock must stop at the media end")
}
