package relay

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is the authoritative playback clock of a room: a monotonic
// accumulator that advances only while running. Every room has exactly one;
// its readings are what members converge on.
type Timer struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	position float64
	// end clamps the clock at the media duration, 0 means unbounded
	end      float64
	markedAt time.Time
	running  bool
}

func NewTimer(clock clockwork.Clock, end float64) *Timer {
	return &Timer{
		clock:    clock,
		end:      end,
		markedAt: clock.Now(),
	}
}

// Position folds elapsed wall time into the accumulator and returns it.
// Reaching the end stops the clock.
func (t *Timer) Position() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fold()
}

// Snapshot returns position and running state atomically, the pair every
// broadcast carries.
func (t *Timer) Snapshot() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos := t.fold()
	return pos, t.running
}

func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fold()
	return t.running
}

func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.markedAt = t.clock.Now()
	t.running = true
}

func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fold()
	t.running = false
}

// Set jumps the clock; negative targets clamp to zero. Running state is
// unchanged.
func (t *Timer) Set(position float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markedAt = t.clock.Now()
	if position < 0 {
		position = 0
	}
	t.position = position
}

// Reset rewinds to zero without pausing.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markedAt = t.clock.Now()
	t.position = 0
}

// fold advances position by the wall time since the last mark. Callers hold
// the lock.
func (t *Timer) fold() float64 {
	if !t.running {
		return t.position
	}
	now := t.clock.Now()
	t.position += now.Sub(t.markedAt).Seconds()
	t.markedAt = now

	if t.end > 0 && t.position >= t.end {
		t.position = t.end
		t.running = false
	}
	return t.position
}
