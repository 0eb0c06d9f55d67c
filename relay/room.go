package relay

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	syncutil "github.com/mlvzk/watchparty/internal/sync"
	"github.com/mlvzk/watchparty/internal/wire"
)

// historySize is how many chat messages a room retains for replay to late
// joiners.
const historySize = 20

// Room tracks membership and the last actor, and owns the room clock. A
// member may hold several connections (tabs); join/leave notices fire only
// on the first and last of them.
type Room struct {
	name  string
	timer *Timer

	mu        sync.Mutex
	conns     map[string]string   // connID -> identity
	members   map[string]int      // identity -> live connection count
	lastActor string
	history   *lru.Cache[string, wire.ChatMessage]
}

func newRoom(name string, clock clockwork.Clock) *Room {
	history, err := lru.New[string, wire.ChatMessage](historySize)
	if err != nil {
		panic(err) // only fails on a non-positive size
	}
	return &Room{
		name:      name,
		timer:     NewTimer(clock, 0),
		conns:     make(map[string]string),
		members:   make(map[string]int),
		lastActor: "system",
		history:   history,
	}
}

func (r *Room) Name() string  { return r.name }
func (r *Room) Timer() *Timer { return r.timer }

// Join registers a connection under an identity. It reports whether this is
// the identity's first live connection.
func (r *Room) Join(connID, identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[connID]; ok {
		if prev == identity {
			return false
		}
		r.dropLocked(connID, prev)
	}
	r.conns[connID] = identity
	r.members[identity]++
	return r.members[identity] == 1
}

// Leave removes a connection. It returns the identity it was registered
// under and whether that identity has no connections left.
func (r *Room) Leave(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return identity, r.dropLocked(connID, identity)
}

func (r *Room) dropLocked(connID, identity string) bool {
	delete(r.conns, connID)
	r.members[identity]--
	if r.members[identity] <= 0 {
		delete(r.members, identity)
		return true
	}
	return false
}

func (r *Room) IdentityOf(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[connID]
}

func (r *Room) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members))
	for identity := range r.members {
		out = append(out, identity)
	}
	return out
}

// LastActor is the member whose play/pause/seek the room clock currently
// reflects; "system" until someone acts.
func (r *Room) LastActor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActor
}

func (r *Room) SetLastActor(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActor = identity
}

func (r *Room) AppendMessage(msg wire.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history.Add(msg.ID, msg)
}

// History returns retained chat messages, oldest first.
func (r *Room) History() []wire.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.Values()
}

// Registry hands out rooms by name, creating them on first reference. Rooms
// are never evicted: an empty room keeps its clock, so a watch can resume
// where it stopped.
type Registry struct {
	rooms *syncutil.Map[string, *Room]
	clock clockwork.Clock
}

func NewRegistry(clock clockwork.Clock) *Registry {
	return &Registry{
		rooms: syncutil.NewMap[string, *Room](),
		clock: clock,
	}
}

func (g *Registry) GetOrCreate(name string) *Room {
	if room, ok := g.rooms.Load(name); ok {
		return room
	}
	room, _ := g.rooms.LoadOrStore(name, newRoom(name, g.clock))
	return room
}

func (g *Registry) Get(name string) (*Room, bool) {
	return g.rooms.Load(name)
}

func (g *Registry) Len() int {
	return g.rooms.Len()
}
