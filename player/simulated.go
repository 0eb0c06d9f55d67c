package player

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SimulatedSource is a MediaSource without media: position advances with
// the clock at the current rate while playing. It backs the headless client
// and deterministic tests.
type SimulatedSource struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	base     float64
	markedAt time.Time
	rate     float64
	paused   bool
}

func NewSimulatedSource(clock clockwork.Clock) *SimulatedSource {
	return &SimulatedSource{
		clock:    clock,
		markedAt: clock.Now(),
		rate:     1.0,
		paused:   true,
	}
}

// rebase folds elapsed progress into base so rate/state changes take effect
// from the current instant.
func (s *SimulatedSource) rebase() {
	now := s.clock.Now()
	if !s.paused {
		s.base += now.Sub(s.markedAt).Seconds() * s.rate
	}
	s.markedAt = now
}

func (s *SimulatedSource) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return s.base
	}
	return s.base + s.clock.Since(s.markedAt).Seconds()*s.rate
}

func (s *SimulatedSource) SetPosition(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rebase()
	s.base = seconds
}

func (s *SimulatedSource) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func (s *SimulatedSource) SetRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rebase()
	s.rate = rate
}

func (s *SimulatedSource) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rebase()
	s.paused = false
	return nil
}

func (s *SimulatedSource) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rebase()
	s.paused = true
}

func (s *SimulatedSource) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}
