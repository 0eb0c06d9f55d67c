// Package session implements the client side of the room sync protocol:
// membership, latency estimation against the relay clock, and translation
// of authoritative playback broadcasts into position requests.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mlvzk/watchparty/internal/channel"
	"github.com/mlvzk/watchparty/internal/eventbus"
	"github.com/mlvzk/watchparty/internal/log"
	"github.com/mlvzk/watchparty/internal/wire"
)

// samplingPeriod is how often the relay clock is probed while the authority
// is playing. It doubles as the tolerance window handed to the controller,
// so one eased correction has a full period to play out.
const samplingPeriod = 10 * time.Second

// Events published to subscribers. Payloads carry the acting member's
// identity and, where meaningful, a position.
const (
	EventConnect   = "connect"
	EventConnected = "connected"
	EventStarted   = "started"
	EventPaused    = "paused"
	EventSeeked    = "seeked"
	EventJoined    = "joined"
	EventLeft      = "left"
	EventMessage   = "message"
)

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Joined
)

// Controller is the convergence surface the session drives. Implemented by
// player.Controller; the session never touches the media source itself.
type Controller interface {
	RequestPosition(target float64, tolerance time.Duration)
	Play()
	Pause()
}

// authority is the last relay-broadcast playback state, replaced atomically
// on receipt.
type authority struct {
	playing  bool
	position float64
	// wall clock ms at receipt of the broadcast
	originStamp int64
	actor       string
}

// Session owns the relay channel and the room state machine. All state is
// confined to the run loop goroutine; public methods enqueue work onto it,
// so handlers execute one at a time in arrival order.
type Session struct {
	ch     channel.Channel
	ctrl   Controller
	bus    *eventbus.Bus
	clock  clockwork.Clock
	logger *log.Logger

	actions chan func()
	ctx     context.Context
	cancel  context.CancelFunc

	opened    atomic.Bool
	openOnce  sync.Once
	closeOnce sync.Once

	identity  string
	room      string
	connState ConnState
	latency   latencyEstimator
	authority authority
	ticker    clockwork.Ticker
}

func New(ch channel.Channel, ctrl Controller, logger *log.Logger) *Session {
	return newWithClock(ch, ctrl, logger, clockwork.NewRealClock())
}

func newWithClock(ch channel.Channel, ctrl Controller, logger *log.Logger, clock clockwork.Clock) *Session {
	if ch == nil || ctrl == nil {
		panic("channel and controller are required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Session{
		ch:      ch,
		ctrl:    ctrl,
		bus:     eventbus.New(),
		clock:   clock,
		logger:  logger,
		actions: make(chan func(), 16),
	}
}

// Subscribe registers a callback for one of the session events.
func (s *Session) Subscribe(event string, h eventbus.Handler) {
	s.bus.Subscribe(event, h)
}

// Open starts the channel and the run loop.
func (s *Session) Open(ctx context.Context) error {
	var err error
	s.openOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)
		if err = s.ch.Open(s.ctx); err != nil {
			s.cancel()
			return
		}
		// publishes ctx/cancel to enqueue and context()
		s.opened.Store(true)
		go s.run()
	})
	return err
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.opened.Load() {
			s.cancel()
		}
	})
	return s.ch.Close()
}

// Join announces membership. Empty identity or room is a no-op. Calling it
// again re-announces with the latest values; the relay treats repeats as
// no-ops.
func (s *Session) Join(identity, room string) {
	s.enqueue(func() { s.join(identity, room) })
}

// SendMessage emits a chat message tagged with the current identity/room.
// Empty text is a no-op; trimming is the caller's responsibility.
func (s *Session) SendMessage(text string) {
	s.enqueue(func() { s.sendMessage(text) })
}

// NotifyPlayIntent reports that the local user started playback directly.
func (s *Session) NotifyPlayIntent() {
	s.enqueue(func() { s.notifyPlay() })
}

// NotifyPauseIntent reports that the local user paused playback directly.
func (s *Session) NotifyPauseIntent() {
	s.enqueue(func() { s.notifyPause() })
}

// NotifySeekIntent reports a local user seek to the given position.
func (s *Session) NotifySeekIntent(position float64) {
	s.enqueue(func() { s.notifySeek(position) })
}

func (s *Session) enqueue(fn func()) {
	if !s.opened.Load() {
		// not opened; run synchronously against the unstarted state so
		// misuse is at least deterministic
		fn()
		return
	}
	select {
	case s.actions <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.stopTicker()
			return
		case fn := <-s.actions:
			fn()
		case ev, ok := <-s.ch.Events():
			if !ok {
				s.stopTicker()
				return
			}
			s.handleEvent(ev)
		case <-s.tickerChan():
			s.sendSample()
		}
	}
}

func (s *Session) tickerChan() <-chan time.Time {
	if s.ticker == nil {
		return nil
	}
	return s.ticker.Chan()
}

// --- outbound ---

func (s *Session) join(identity, room string) {
	if identity == "" || room == "" {
		s.logger.Warn("join requires identity and room")
		return
	}
	s.identity = identity
	s.room = room
	s.sendJoin()
}

func (s *Session) sendJoin() {
	s.logger.Info("joining room",
		log.String("room", s.room),
		log.String("identity", s.identity))

	s.send(wire.EventJoin, wire.JoinRequest{
		Identity: s.identity,
		Room:     s.room,
		Stamp:    s.nowMillis(),
	})
	s.connState = Joined
}

func (s *Session) sendMessage(text string) {
	if text == "" {
		return
	}
	s.send(wire.EventMessage, wire.ChatRequest{
		Identity: s.identity,
		Room:     s.room,
		Text:     text,
	})
}

func (s *Session) notifyPlay() {
	s.startTicker()
	s.send(wire.EventTimeStart, wire.StartRequest{Room: s.room})
}

func (s *Session) notifyPause() {
	s.stopTicker()
	s.send(wire.EventTimePause, wire.PauseRequest{Room: s.room})
}

func (s *Session) notifySeek(position float64) {
	s.send(wire.EventTimeSet, wire.SetRequest{Room: s.room, Time: position})
}

// sendSample probes the relay clock; the reply drives reconciliation.
func (s *Session) sendSample() {
	if s.room == "" {
		return
	}
	s.send(wire.EventTimeGet, wire.SampleRequest{
		Room:  s.room,
		Stamp: s.nowMillis(),
	})
}

func (s *Session) send(event string, payload any) {
	if err := s.ch.Send(s.context(), event, payload); err != nil {
		s.logger.Warn("failed to send", log.String("event", event), log.Error(err))
	}
}

func (s *Session) context() context.Context {
	if s.opened.Load() {
		return s.ctx
	}
	return context.Background()
}

// --- inbound ---

func (s *Session) handleEvent(ev channel.Event) {
	env := wire.Envelope{Event: ev.Name, Data: ev.Data}

	switch ev.Name {
	case channel.EventConnect:
		s.handleConnect()

	case channel.EventDisconnect:
		s.handleDisconnect()

	case wire.EventConnected:
		var reply wire.ConnectedReply
		if !s.bind(&env, &reply) {
			return
		}
		s.handleConnected(reply)

	case wire.EventTimeStart:
		var notice wire.StartNotice
		if !s.bind(&env, &notice) {
			return
		}
		s.handleTimeStart(notice)

	case wire.EventTimePause:
		var notice wire.PauseNotice
		if !s.bind(&env, &notice) {
			return
		}
		s.handleTimePause(notice)

	case wire.EventTimeReset:
		var notice wire.ResetNotice
		if !s.bind(&env, &notice) {
			return
		}
		s.handleTimeReset(notice)

	case wire.EventTimeGet:
		var reply wire.SampleReply
		if !s.bind(&env, &reply) {
			return
		}
		s.handleSample(reply)

	case wire.EventJoined:
		var notice wire.MemberNotice
		if !s.bind(&env, &notice) {
			return
		}
		s.bus.Publish(&eventbus.Event{Name: EventJoined, Identity: notice.Identity})

	case wire.EventLeft:
		var notice wire.MemberNotice
		if !s.bind(&env, &notice) {
			return
		}
		s.bus.Publish(&eventbus.Event{Name: EventLeft, Identity: notice.Identity})

	case wire.EventMessage:
		var notice wire.ChatNotice
		if !s.bind(&env, &notice) {
			return
		}
		s.bus.Publish(&eventbus.Event{
			Name:     EventMessage,
			Identity: notice.Message.Identity,
			Text:     notice.Message.Text,
		})

	default:
		s.logger.Debug("ignoring unknown event", log.String("event", ev.Name))
	}
}

// bind drops malformed payloads: relay-side bugs are logged, never fatal.
func (s *Session) bind(env *wire.Envelope, v any) bool {
	if err := env.Bind(v); err != nil {
		s.logger.Warn("dropping malformed payload", log.Error(err))
		return false
	}
	return true
}

func (s *Session) handleConnect() {
	s.connState = Connecting
	s.bus.Publish(&eventbus.Event{Name: EventConnect})

	// reconnect: re-announce the last known membership
	if s.identity != "" && s.room != "" {
		s.logger.Info("reconnected, rejoining")
		s.sendJoin()
	}
}

func (s *Session) handleDisconnect() {
	// stop probing a relay that will not answer
	s.stopTicker()
	s.connState = Disconnected
}

// handleConnected reconciles against the authority snapshot carried by the
// join acknowledgment, so a fresh client converges without waiting a full
// sampling period.
func (s *Session) handleConnected(reply wire.ConnectedReply) {
	s.bus.Publish(&eventbus.Event{
		Name:     EventConnected,
		Identity: reply.Identity,
		Time:     reply.Time,
	})

	s.reconcile(reply.Stamp, reply.Time, reply.State)
	s.sendSample()
}

func (s *Session) handleTimeStart(notice wire.StartNotice) {
	s.setAuthority(true, notice.Time, notice.Identity)

	s.startTicker()
	// converge now instead of waiting out a period
	s.sendSample()

	s.bus.Publish(&eventbus.Event{Name: EventStarted, Identity: notice.Identity})
}

func (s *Session) handleTimePause(notice wire.PauseNotice) {
	s.setAuthority(false, notice.Time, notice.Identity)

	s.stopTicker()
	s.ctrl.RequestPosition(notice.Time, 0)
	s.ctrl.Pause()
	// one final probe settles the position the room paused on
	s.sendSample()

	s.bus.Publish(&eventbus.Event{Name: EventPaused, Identity: notice.Identity})
}

// handleTimeReset applies a discontinuous jump. Seeks are never eased; the
// landing point is advanced by the current latency estimate.
func (s *Session) handleTimeReset(notice wire.ResetNotice) {
	corrected := notice.Time + s.latency.Value()
	s.ctrl.RequestPosition(corrected, 0)
	s.sendSample()

	s.bus.Publish(&eventbus.Event{
		Name:     EventSeeked,
		Identity: notice.Identity,
		Time:     notice.Time,
	})
}

func (s *Session) handleSample(reply wire.SampleReply) {
	s.reconcile(reply.Stamp, reply.Time, reply.State)
}

// reconcile is the core latency/drift computation shared by the sample
// reply and the connected acknowledgment.
func (s *Session) reconcile(stamp int64, position float64, playing bool) {
	now := s.nowMillis()

	// full elapsed transit in seconds, deliberately not halved
	sample := float64(now-stamp) / 1000
	estimate := s.latency.Update(sample)

	// project the authoritative position forward to this instant
	target := position + sample

	s.setAuthorityAt(playing, target, s.authority.actor, now)

	s.logger.Debug("reconciling",
		log.Float64("sample", sample),
		log.Float64("latency", estimate),
		log.Float64("target", target),
		log.Bool("playing", playing))

	if playing {
		s.startTicker()
		s.ctrl.RequestPosition(target, samplingPeriod)
		s.ctrl.Play()
	} else {
		s.stopTicker()
		s.ctrl.RequestPosition(target, 0)
		s.ctrl.Pause()
	}
}

func (s *Session) setAuthority(playing bool, position float64, actor string) {
	s.setAuthorityAt(playing, position, actor, s.nowMillis())
}

func (s *Session) setAuthorityAt(playing bool, position float64, actor string, stamp int64) {
	s.authority = authority{
		playing:     playing,
		position:    position,
		originStamp: stamp,
		actor:       actor,
	}
}

// --- timers ---

// startTicker is idempotent: at most one sampling ticker exists.
func (s *Session) startTicker() {
	if s.ticker != nil {
		return
	}
	s.ticker = s.clock.NewTicker(samplingPeriod)
}

func (s *Session) stopTicker() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
}

func (s *Session) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}
