// Package relay is the authoritative side of the room sync protocol. It
// keeps one clock per room, answers latency probes, and fans member
// play/pause/seek out to the rest of the room.
package relay

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/mlvzk/watchparty/internal/log"
	syncutil "github.com/mlvzk/watchparty/internal/sync"
	"github.com/mlvzk/watchparty/internal/wire"
)

const (
	pingInterval = 10 * time.Second
	writeTimeout = 3 * time.Second
	bufOutbound  = 32
)

type Config struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// per-connection inbound message budget
	MessageRate  float64 `mapstructure:"message_rate"`
	MessageBurst int     `mapstructure:"message_burst"`
}

func Setup(v *viper.Viper, prefix string) {
	p := func(key string) string { return prefix + "." + key }

	v.SetDefault(p("allowed_origins"), []string{"*"})
	v.SetDefault(p("message_rate"), 20.0)
	v.SetDefault(p("message_burst"), 40)
}

// conn is one member link. identity is owned by the connection's read
// loop; room is read by other connections' broadcasts, hence atomic.
type conn struct {
	id      string
	ws      *websocket.Conn
	out     chan *wire.Envelope
	limiter *rate.Limiter

	room     atomic.Pointer[Room]
	identity string
}

// Server accepts relay connections and dispatches their events. Room state
// lives in the Registry; the server itself only routes.
type Server struct {
	cfg    *Config
	rooms  *Registry
	conns  *syncutil.Map[string, *conn]
	clock  clockwork.Clock
	logger *log.Logger
}

func NewServer(cfg *Config, logger *log.Logger) *Server {
	return newServerWithClock(cfg, logger, clockwork.NewRealClock())
}

func newServerWithClock(cfg *Config, logger *log.Logger, clock clockwork.Clock) *Server {
	return &Server{
		cfg:    cfg,
		rooms:  NewRegistry(clock),
		conns:  syncutil.NewMap[string, *conn](),
		clock:  clock,
		logger: logger,
	}
}

func (s *Server) Rooms() *Registry { return s.rooms }

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("rejected connection", log.Error(err))
		return
	}

	c := &conn{
		id:      uuid.New().String(),
		ws:      ws,
		out:     make(chan *wire.Envelope, bufOutbound),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessageRate), s.cfg.MessageBurst),
	}
	s.conns.Store(c.id, c)
	s.logger.Info("client connected", log.String("connId", c.id))

	s.serve(r.Context(), c)

	s.disconnect(c)
	_ = ws.CloseNow()
}

// serve runs the write pump and read loop until either fails or the request
// context ends.
func (s *Server) serve(ctx context.Context, c *conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		s.writePump(ctx, c)
	}()

	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, c.ws, &env); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("read loop ended",
					log.String("connId", c.id), log.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			s.logger.Warn("throttling client", log.String("connId", c.id))
			continue
		}
		s.dispatch(c, &env)
	}
}

func (s *Server) writePump(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(ctx, c, nil); err != nil {
				return
			}
		case env := <-c.out:
			if err := s.write(ctx, c, env); err != nil {
				return
			}
		}
	}
}

// write sends one envelope, or a ping when env is nil.
func (s *Server) write(ctx context.Context, c *conn, env *wire.Envelope) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if env == nil {
		return c.ws.Ping(wctx)
	}
	return wsjson.Write(wctx, c.ws, env)
}

func (s *Server) dispatch(c *conn, env *wire.Envelope) {
	switch env.Event {
	case wire.EventJoin:
		var req wire.JoinRequest
		if s.bind(c, env, &req) {
			s.handleJoin(c, req)
		}
	case wire.EventMessage:
		var req wire.ChatRequest
		if s.bind(c, env, &req) {
			s.handleMessage(c, req)
		}
	case wire.EventTimeGet:
		var req wire.SampleRequest
		if s.bind(c, env, &req) {
			s.handleTimeGet(c, req)
		}
	case wire.EventTimeStart:
		var req wire.StartRequest
		if s.bind(c, env, &req) {
			s.handleTimeStart(c, req)
		}
	case wire.EventTimePause:
		var req wire.PauseRequest
		if s.bind(c, env, &req) {
			s.handleTimePause(c, req)
		}
	case wire.EventTimeSet:
		var req wire.SetRequest
		if s.bind(c, env, &req) {
			s.handleTimeSet(c, req)
		}
	case wire.EventTimeReset:
		s.handleTimeReset(c)
	default:
		s.logger.Debug("ignoring unknown event",
			log.String("event", env.Event), log.String("connId", c.id))
	}
}

func (s *Server) bind(c *conn, env *wire.Envelope, v any) bool {
	if err := env.Bind(v); err != nil {
		s.logger.Warn("dropping malformed payload",
			log.String("connId", c.id), log.Error(err))
		return false
	}
	return true
}

// handleJoin acknowledges with the room's current authority so the join
// round trip doubles as the joiner's first latency sample, then replays
// retained chat and announces a fresh member to the rest of the room.
func (s *Server) handleJoin(c *conn, req wire.JoinRequest) {
	room := s.rooms.GetOrCreate(req.Room)

	// switching rooms: the old room must not keep a ghost member
	if prev := c.room.Load(); prev != nil && prev != room {
		identity, gone := prev.Leave(c.id)
		if gone {
			s.broadcast(prev, c.id, wire.EventLeft, wire.MemberNotice{Identity: identity})
		}
	}

	fresh := room.Join(c.id, req.Identity)
	c.room.Store(room)
	c.identity = req.Identity

	s.logger.Info("member joined",
		log.String("room", req.Room),
		log.String("identity", req.Identity),
		log.Bool("fresh", fresh))

	pos, running := room.Timer().Snapshot()
	s.send(c, wire.EventConnected, wire.ConnectedReply{
		Identity: room.LastActor(),
		State:    running,
		Time:     pos,
		Stamp:    req.Stamp,
	})

	for _, msg := range room.History() {
		s.send(c, wire.EventMessage, wire.ChatNotice{Message: msg})
	}

	if fresh {
		s.broadcast(room, c.id, wire.EventJoined, wire.MemberNotice{Identity: req.Identity})
	}
}

func (s *Server) handleMessage(c *conn, req wire.ChatRequest) {
	room, ok := s.roomOf(c)
	if !ok {
		return
	}

	msg := wire.ChatMessage{
		ID:       uuid.New().String(),
		Identity: c.identity,
		Text:     req.Text,
		At:       s.clock.Now().UnixMilli(),
	}
	room.AppendMessage(msg)
	s.broadcast(room, "", wire.EventMessage, wire.ChatNotice{Message: msg})
}

// handleTimeGet answers the requester only, echoing its stamp.
func (s *Server) handleTimeGet(c *conn, req wire.SampleRequest) {
	room, ok := s.roomOf(c)
	if !ok {
		return
	}

	pos, running := room.Timer().Snapshot()
	s.send(c, wire.EventTimeGet, wire.SampleReply{
		Stamp: req.Stamp,
		Time:  pos,
		State: running,
	})
}

// handleTimeStart excludes the actor from the broadcast: their playback is
// already running, an echo would only perturb it.
func (s *Server) handleTimeStart(c *conn, _ wire.StartRequest) {
	room, ok := s.roomOf(c)
	if !ok {
		return
	}

	room.Timer().Start()
	room.SetLastActor(c.identity)

	pos := room.Timer().Position()
	s.broadcast(room, c.id, wire.EventTimeStart, wire.StartNotice{
		Identity: c.identity,
		Time:     pos,
	})
}

// handleTimePause includes the actor: everyone settles on the exact pause
// position the room clock recorded.
func (s *Server) handleTimePause(c *conn, _ wire.PauseRequest) {
	room, ok := s.roomOf(c)
	if !ok {
		return
	}

	room.Timer().Pause()
	room.SetLastActor(c.identity)

	pos := room.Timer().Position()
	s.broadcast(room, "", wire.EventTimePause, wire.PauseNotice{
		Identity: c.identity,
		Time:     pos,
	})
}

// handleTimeSet announces a seek as time_reset to the others; the actor's
// player already sits at the target.
func (s *Server) handleTimeSet(c *conn, req wire.SetRequest) {
	room, ok := s.roomOf(c)
	if !ok {
		return
	}

	room.Timer().Set(req.Time)
	room.SetLastActor(c.identity)

	pos := room.Timer().Position()
	s.broadcast(room, c.id, wire.EventTimeReset, wire.ResetNotice{
		Identity: c.identity,
		Time:     pos,
	})
}

// handleTimeReset rewinds the room to zero for everyone.
func (s *Server) handleTimeReset(c *conn) {
	room, ok := s.roomOf(c)
	if !ok {
		return
	}

	room.Timer().Reset()
	room.SetLastActor(c.identity)

	pos := room.Timer().Position()
	s.broadcast(room, "", wire.EventTimeReset, wire.ResetNotice{
		Identity: c.identity,
		Time:     pos,
	})
}

func (s *Server) roomOf(c *conn) (*Room, bool) {
	room := c.room.Load()
	if room == nil {
		s.logger.Warn("event before join", log.String("connId", c.id))
		return nil, false
	}
	return room, true
}

func (s *Server) disconnect(c *conn) {
	s.conns.Delete(c.id)
	s.logger.Info("client disconnected", log.String("connId", c.id))

	room := c.room.Load()
	if room == nil {
		return
	}
	identity, gone := room.Leave(c.id)
	if gone {
		s.broadcast(room, "", wire.EventLeft, wire.MemberNotice{Identity: identity})
	}
}

// broadcast queues an event for every member of the room except excludeID
// (empty means everyone). Slow consumers are dropped-from, not waited on.
func (s *Server) broadcast(room *Room, excludeID, event string, payload any) {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		s.logger.Error("failed to encode broadcast", log.Error(err))
		return
	}

	s.conns.Range(func(id string, c *conn) bool {
		if c.room.Load() != room || id == excludeID {
			return true
		}
		s.enqueue(c, env)
		return true
	})
}

func (s *Server) send(c *conn, event string, payload any) {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		s.logger.Error("failed to encode reply", log.Error(err))
		return
	}
	s.enqueue(c, env)
}

func (s *Server) enqueue(c *conn, env *wire.Envelope) {
	select {
	case c.out <- env:
	default:
		s.logger.Warn("dropping event for slow client",
			log.String("connId", c.id), log.String("event", env.Event))
	}
}
