package session

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"github.com/mlvzk/watchparty/internal/channel"
	"github.com/mlvzk/watchparty/internal/eventbus"
	"github.com/mlvzk/watchparty/internal/log"
	"github.com/mlvzk/watchparty/internal/wire"
)

type sentEvent struct {
	name    string
	payload any
}

type fakeChannel struct {
	mu     sync.Mutex
	events chan channel.Event
	sends  []sentEvent
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan channel.Event, 16)}
}

func (f *fakeChannel) Open(context.Context) error { return nil }
func (f *fakeChannel) Close() error               { return nil }

func (f *fakeChannel) Events() <-chan channel.Event { return f.events }

func (f *fakeChannel) Send(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentEvent{name: event, payload: payload})
	return nil
}

func (f *fakeChannel) sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentEvent, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *fakeChannel) sentNames() []string {
	names := []string{}
	for _, s := range f.sent() {
		names = append(names, s.name)
	}
	return names
}

type positionRequest struct {
	target    float64
	tolerance time.Duration
}

type fakeController struct {
	mu         sync.Mutex
	requests   []positionRequest
	playCalls  int
	pauseCalls int
}

func (f *fakeController) RequestPosition(target float64, tolerance time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, positionRequest{target, tolerance})
}

func (f *fakeController) Play() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playCalls++
}

func (f *fakeController) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
}

func (f *fakeController) lastRequest() (positionRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return positionRequest{}, false
	}
	return f.requests[len(f.requests)-1], true
}

func (f *fakeController) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type SessionSuite struct {
	suite.Suite
	clock   *clockwork.FakeClock
	ch      *fakeChannel
	ctrl    *fakeController
	session *Session
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.clock = clockwork.NewFakeClock()
	s.ch = newFakeChannel()
	s.ctrl = &fakeController{}
	s.session = newWithClock(s.ch, s.ctrl, log.NewNop(), s.clock)
}

// playingReply builds a sample reply issued elapsed ago with the given
// authoritative position.
func (s *SessionSuite) reply(elapsed time.Duration, position float64, playing bool) wire.SampleReply {
	return wire.SampleReply{
		Stamp: s.clock.Now().Add(-elapsed).UnixMilli(),
		Time:  position,
		State: playing,
	}
}

func (s *SessionSuite) TestJoinRequiresIdentityAndRoom() {
	s.session.join("", "r1")
	s.session.join("alice", "")

	s.Empty(s.ch.sent())
	s.Equal(Disconnected, s.session.connState)
}

func (s *SessionSuite) TestJoinSendsAnnouncement() {
	s.session.join("alice", "r1")

	sent := s.ch.sent()
	s.Require().Len(sent, 1)
	s.Equal(wire.EventJoin, sent[0].name)

	join := sent[0].payload.(wire.JoinRequest)
	s.Equal("alice", join.Identity)
	s.Equal("r1", join.Room)
	s.Equal(s.clock.Now().UnixMilli(), join.Stamp)
	s.Equal(Joined, s.session.connState)
}

func (s *SessionSuite) TestJoinIsIdempotent() {
	s.session.join("alice", "r1")
	s.session.handleSample(s.reply(0, 10, true))
	first := s.session.ticker

	s.session.join("alice2", "r1")
	s.session.handleSample(s.reply(0, 10, true))

	s.Equal(Joined, s.session.connState)
	s.Equal("alice2", s.session.identity)
	s.Same(first, s.session.ticker, "sampling ticker must not be duplicated")
}

func (s *SessionSuite) TestLatencyEMAConvergence() {
	const sample = 0.3

	s.session.handleSample(s.reply(300*time.Millisecond, 0, true))
	s.InDelta(0.03, s.session.latency.Value(), 1e-9)

	for i := 0; i < 9; i++ {
		s.session.handleSample(s.reply(300*time.Millisecond, 0, true))
	}

	expected := sample * (1 - math.Pow(0.9, 10))
	s.InDelta(expected, s.session.latency.Value(), 1e-9)
}

func (s *SessionSuite) TestNegativeSampleFoldedUnclamped() {
	// reply stamped in the local future: clock skew
	s.session.handleSample(wire.SampleReply{
		Stamp: s.clock.Now().Add(time.Second).UnixMilli(),
		Time:  10,
		State: true,
	})

	s.InDelta(-0.1, s.session.latency.Value(), 1e-9)
}

func (s *SessionSuite) TestPlayingSampleEasesAndResumes() {
	s.session.join("alice", "r1")

	s.session.handleSample(s.reply(0, 105, true))

	req, ok := s.ctrl.lastRequest()
	s.Require().True(ok)
	s.InDelta(105.0, req.target, 1e-9)
	s.Equal(samplingPeriod, req.tolerance)
	s.Equal(1, s.ctrl.playCalls)
	s.NotNil(s.session.ticker)
}

func (s *SessionSuite) TestPausedSampleSnapsAndPauses() {
	s.session.join("alice", "r1")
	s.session.handleSample(s.reply(0, 10, true))

	s.session.handleSample(s.reply(0, 12, false))

	req, _ := s.ctrl.lastRequest()
	s.InDelta(12.0, req.target, 1e-9)
	s.Zero(req.tolerance)
	s.Equal(1, s.ctrl.pauseCalls)
	s.Nil(s.session.ticker)
}

// The connected acknowledgment scenario: join stamped at T, acknowledged
// 2000ms later with a paused room at position 10. The elapsed transit is
// the first latency sample and the position is projected forward by it.
func (s *SessionSuite) TestConnectedReconcilesImmediately() {
	s.session.join("alice", "r1")

	s.session.handleConnected(wire.ConnectedReply{
		Identity: "bob",
		State:    false,
		Time:     10,
		Stamp:    s.clock.Now().Add(-2 * time.Second).UnixMilli(),
	})

	s.InDelta(0.2, s.session.latency.Value(), 1e-9)

	req, ok := s.ctrl.lastRequest()
	s.Require().True(ok)
	s.InDelta(12.0, req.target, 1e-9)
	s.Zero(req.tolerance)
	s.Equal(1, s.ctrl.pauseCalls)
	s.Nil(s.session.ticker)

	// a fresh probe goes out right away
	s.Contains(s.ch.sentNames(), wire.EventTimeGet)
}

func (s *SessionSuite) TestTimeStartProbesImmediately() {
	s.session.join("alice", "r1")

	var started string
	s.session.Subscribe(EventStarted, func(e *eventbus.Event) { started = e.Identity })

	s.session.handleTimeStart(wire.StartNotice{Identity: "bob", Time: 100})

	s.Equal("bob", started)
	s.NotNil(s.session.ticker)
	s.Contains(s.ch.sentNames(), wire.EventTimeGet)
	s.True(s.session.authority.playing)
}

func (s *SessionSuite) TestTimePauseSnapsToAuthorityPosition() {
	s.session.join("alice", "r1")
	s.session.handleSample(s.reply(0, 50, true))

	var paused string
	s.session.Subscribe(EventPaused, func(e *eventbus.Event) { paused = e.Identity })

	s.session.handleTimePause(wire.PauseNotice{Identity: "bob", Time: 55})

	req, _ := s.ctrl.lastRequest()
	s.InDelta(55.0, req.target, 1e-9)
	s.Zero(req.tolerance)
	s.Equal(1, s.ctrl.pauseCalls)
	s.Nil(s.session.ticker)
	s.Equal("bob", paused)
}

func (s *SessionSuite) TestTimeResetAdvancesByLatencyEstimate() {
	s.session.join("alice", "r1")
	// seed the estimate with one 300ms sample: 0.03
	s.session.handleSample(s.reply(300*time.Millisecond, 0, true))

	s.session.handleTimeReset(wire.ResetNotice{Identity: "bob", Time: 60})

	req, _ := s.ctrl.lastRequest()
	s.InDelta(60.03, req.target, 1e-9)
	s.Zero(req.tolerance, "seeks are never eased")
}

func (s *SessionSuite) TestReconnectRejoins() {
	s.session.join("alice", "r1")
	before := len(s.ch.sent())

	s.session.handleEvent(channel.Event{Name: channel.EventConnect})

	sent := s.ch.sent()
	s.Require().Len(sent, before+1)
	s.Equal(wire.EventJoin, sent[before].name)
	s.Equal(Joined, s.session.connState)
}

func (s *SessionSuite) TestConnectWithoutMembershipDoesNotJoin() {
	s.session.handleEvent(channel.Event{Name: channel.EventConnect})

	s.Empty(s.ch.sent())
	s.Equal(Connecting, s.session.connState)
}

func (s *SessionSuite) TestDisconnectStopsSampling() {
	s.session.join("alice", "r1")
	s.session.handleSample(s.reply(0, 10, true))
	s.Require().NotNil(s.session.ticker)

	s.session.handleEvent(channel.Event{Name: channel.EventDisconnect})

	s.Nil(s.session.ticker)
	s.Equal(Disconnected, s.session.connState)
}

func (s *SessionSuite) TestMalformedPayloadDropped() {
	s.session.join("alice", "r1")

	s.session.handleEvent(channel.Event{
		Name: wire.EventTimeGet,
		Data: json.RawMessage(`{"stamp":`),
	})
	s.session.handleEvent(channel.Event{
		Name: wire.EventTimeReset,
		Data: json.RawMessage(`{"time": 3}`),
	})

	s.Zero(s.ctrl.requestCount())
}

func (s *SessionSuite) TestMembershipNotices() {
	var joined, left string
	s.session.Subscribe(EventJoined, func(e *eventbus.Event) { joined = e.Identity })
	s.session.Subscribe(EventLeft, func(e *eventbus.Event) { left = e.Identity })

	s.session.handleEvent(channel.Event{
		Name: wire.EventJoined,
		Data: json.RawMessage(`{"identity": "carol"}`),
	})
	s.session.handleEvent(channel.Event{
		Name: wire.EventLeft,
		Data: json.RawMessage(`{"identity": "dave"}`),
	})

	s.Equal("carol", joined)
	s.Equal("dave", left)
}

func (s *SessionSuite) TestChatMessage() {
	s.session.join("alice", "r1")

	s.session.sendMessage("")
	s.session.sendMessage("hello")

	sent := s.ch.sent()
	s.Require().Len(sent, 2) // join + one chat
	chat := sent[1].payload.(wire.ChatRequest)
	s.Equal("alice", chat.Identity)
	s.Equal("hello", chat.Text)
}

func (s *SessionSuite) TestLocalIntents() {
	s.session.join("alice", "r1")

	s.session.notifyPlay()
	s.NotNil(s.session.ticker, "play intent starts the sampling timer")

	s.session.notifyPause()
	s.Nil(s.session.ticker, "pause intent stops it")

	s.session.notifySeek(33.5)

	names := s.ch.sentNames()
	s.Equal([]string{wire.EventJoin, wire.EventTimeStart, wire.EventTimePause, wire.EventTimeSet}, names)

	set := s.ch.sent()[3].payload.(wire.SetRequest)
	s.InDelta(33.5, set.Time, 1e-9)
}

// Intents before Open apply synchronously; after Open they go through the
// run loop.
func (s *SessionSuite) TestIntentsBeforeAndAfterOpen() {
	s.session.Join("alice", "r1")
	s.Len(s.ch.sent(), 1)
	s.Equal(Joined, s.session.connState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Require().NoError(s.session.Open(ctx))
	defer s.session.Close()

	s.session.Join("alice", "r1")
	s.Eventually(func() bool { return len(s.ch.sent()) == 2 },
		time.Second, time.Millisecond)
}

// Run-loop level test: the ticker drives periodic probing.
func (s *SessionSuite) TestPeriodicSampling() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Require().NoError(s.session.Open(ctx))
	defer s.session.Close()

	s.session.Join("alice", "r1")
	s.Eventually(func() bool { return len(s.ch.sent()) == 1 },
		time.Second, time.Millisecond)

	s.ch.events <- channel.Event{
		Name: wire.EventTimeGet,
		Data: json.RawMessage(`{"stamp": 1, "time": 10, "state": true}`),
	}
	s.Eventually(func() bool { return s.ctrl.requestCount() == 1 },
		time.Second, time.Millisecond)

	s.clock.Advance(samplingPeriod)
	s.Eventually(func() bool {
		names := s.ch.sentNames()
		return len(names) == 2 && names[1] == wire.EventTimeGet
	}, time.Second, time.Millisecond)
}
