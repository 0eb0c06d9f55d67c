// Package player reconciles a local media source against an authoritative
// playback position. It owns the source exclusively: nothing else in the
// process mutates position or rate.
package player

// MediaSource is the capability a playable element must expose. Position
// and rate are in seconds and nominal-1.0 units. Play may fail (autoplay
// policies, transient decoder faults); failures are not fatal to sync.
//
// Asynchronous notifications (readiness, stalls, seek start/completion)
// are pushed into the Controller by the embedding adapter via HandleReady,
// HandleStall, HandleSeekStarted and HandleSeekCompleted.
type MediaSource interface {
	Position() float64
	SetPosition(seconds float64)
	Rate() float64
	SetRate(rate float64)
	Play() error
	Pause()
	Paused() bool
}
