package player

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedSourceAdvancesWhilePlaying(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := NewSimulatedSource(clock)

	assert.True(t, src.Paused())
	assert.Zero(t, src.Position())

	require.NoError(t, src.Play())
	clock.Advance(10 * time.Second)
	assert.InDelta(t, 10.0, src.Position(), 1e-9)

	src.Pause()
	clock.Advance(5 * time.Second)
	assert.InDelta(t, 10.0, src.Position(), 1e-9, "paused source must hold position")
}

func TestSimulatedSourceHonorsRate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := NewSimulatedSource(clock)

	require.NoError(t, src.Play())
	clock.Advance(10 * time.Second)

	src.SetRate(1.2)
	clock.Advance(10 * time.Second)

	assert.InDelta(t, 22.0, src.Position(), 1e-9)
}

func TestSimulatedSourceSeek(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := NewSimulatedSource(clock)

	require.NoError(t, src.Play())
	clock.Advance(3 * time.Second)

	src.SetPosition(100)
	clock.Advance(2 * time.Second)

	assert.InDelta(t, 102.0, src.Position(), 1e-9)
}
