package player

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mlvzk/watchparty/internal/log"
)

const (
	// maxEaseRatio bounds the playback rate warp (rate stays within
	// [1-maxEaseRatio, 1+maxEaseRatio]) and doubles as the minimum drift
	// worth correcting at all.
	maxEaseRatio = 0.2

	// maxEaseWindow is the drift magnitude above which easing cannot hide
	// the correction and the position is snapped instead.
	maxEaseWindow = 7 * time.Second
)

// Controller moves a MediaSource toward requested target positions. Small
// drift is closed by warping the playback rate for the tolerance window;
// large drift, paused sources and zero-tolerance requests snap.
type Controller struct {
	mu     sync.Mutex
	media  MediaSource
	clock  clockwork.Clock
	logger *log.Logger

	playing     bool // desired logical state, not the source's own
	ready       bool
	pendingSeek *float64

	warpTimer     clockwork.Timer
	warpGen       uint64
	seeking       bool
	seekStartedAt time.Time
}

func NewController(media MediaSource, logger *log.Logger) *Controller {
	return newControllerWithClock(media, logger, clockwork.NewRealClock())
}

func newControllerWithClock(media MediaSource, logger *log.Logger, clock clockwork.Clock) *Controller {
	if media == nil {
		panic("media source is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Controller{
		media:  media,
		clock:  clock,
		logger: logger,
	}
}

// RequestPosition reconciles the source toward target. tolerance is the
// window the correction may be spread over; zero forces a snap. A request
// made before the source is ready is remembered and replayed as a snap on
// readiness, superseding any earlier one.
func (c *Controller) RequestPosition(target float64, tolerance time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestPosition(target, tolerance)
}

func (c *Controller) requestPosition(target float64, tolerance time.Duration) {
	pos := c.media.Position()
	if pos == target {
		return
	}

	if !c.ready {
		t := target
		c.pendingSeek = &t
		return
	}

	delta := pos - target
	magnitude := math.Abs(delta)

	if (c.media.Paused() && magnitude > 0) ||
		tolerance == 0 ||
		math.IsNaN(magnitude) ||
		magnitude > maxEaseWindow.Seconds() {
		c.snap(target)
		return
	}

	if magnitude < maxEaseRatio {
		// within tolerance, a rate change would be more noticeable than
		// the drift itself
		return
	}

	ease := magnitude / tolerance.Seconds()
	if ease > maxEaseRatio {
		ease = maxEaseRatio
	}

	rate := 1.0 + ease
	if delta > 0 {
		// local is ahead of the authority
		rate = 1.0 - ease
	}

	c.logger.Debug("warping playback rate",
		log.Float64("target", target),
		log.Float64("drift", delta),
		log.Float64("rate", rate))

	c.media.SetRate(rate)
	c.armWarpReset(tolerance)
}

// snap sets the position outright and drops any active warp.
func (c *Controller) snap(target float64) {
	c.stopWarpTimer()
	c.media.SetRate(1.0)
	c.media.SetPosition(target)
}

// armWarpReset schedules the rate reset, replacing any earlier timer so at
// most one warp is active and the last request wins.
func (c *Controller) armWarpReset(tolerance time.Duration) {
	c.stopWarpTimer()
	gen := c.warpGen
	c.warpTimer = c.clock.AfterFunc(tolerance, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.warpGen != gen {
			// superseded while this callback was in flight
			return
		}
		c.logger.Debug("resetting playback rate")
		c.media.SetRate(1.0)
	})
}

func (c *Controller) stopWarpTimer() {
	c.warpGen++
	if c.warpTimer != nil {
		c.warpTimer.Stop()
		c.warpTimer = nil
	}
}

// Play records the Playing intent and starts the source when it is ready.
// A failed play attempt is logged and retried on the next reconciliation.
func (c *Controller) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.playing = true
	if !c.ready {
		return
	}
	if err := c.media.Play(); err != nil {
		c.logger.Warn("play rejected by media source", log.Error(err))
	}
}

func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.playing = false
	c.media.Pause()
}

// Playing reports the desired logical state.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// HandleReady is called when the source can play through. A pending seek is
// consumed as a hard snap; otherwise a Playing intent on a paused source is
// carried out now.
func (c *Controller) HandleReady() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ready = true

	if c.pendingSeek != nil {
		target := *c.pendingSeek
		// clear before seeking to avoid re-entrancy
		c.pendingSeek = nil
		c.snap(target)
		return
	}

	if c.playing && c.media.Paused() {
		if err := c.media.Play(); err != nil {
			c.logger.Warn("play rejected by media source", log.Error(err))
		}
	}
}

// HandleStall is called when the source stops making progress (buffering).
// Reconciliation keeps tracking the authority; requests made while stalled
// are held as the pending seek and replayed once HandleReady fires again.
func (c *Controller) HandleStall() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ready = false
	c.logger.Info("media source stalled")
}

// HandleSeekStarted marks the start of a physical seek.
func (c *Controller) HandleSeekStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seeking = true
	c.seekStartedAt = c.clock.Now()
}

// HandleSeekCompleted measures how long the seek itself took. A seek slower
// than maxEaseWindow lands on a stale position while playing, so a second
// corrective hop is issued, doubling the measured delay.
func (c *Controller) HandleSeekCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.seeking {
		return
	}
	c.seeking = false
	seekLatency := c.clock.Since(c.seekStartedAt)

	c.logger.Debug("seek completed", log.Duration("latency", seekLatency))

	if c.playing && seekLatency > maxEaseWindow {
		target := c.media.Position() + 2*seekLatency.Seconds()
		c.requestPosition(target, 0)
	}
}
