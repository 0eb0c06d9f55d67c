package eventbus

import "sync"

// Event is a named notification dispatched to subscribers. A subscriber may
// call SuppressDefault to tell the publisher to skip whatever default action
// it would otherwise take.
type Event struct {
	Name     string
	Identity string
	Text     string
	Time     float64

	suppressed bool
}

func (e *Event) SuppressDefault() {
	e.suppressed = true
}

func (e *Event) Suppressed() bool {
	return e.suppressed
}

type Handler func(e *Event)

// Bus maps event names to ordered subscriber lists. Publish dispatches to
// subscribers in registration order.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func New() *Bus {
	return &Bus{
		subs: make(map[string][]Handler),
	}
}

func (b *Bus) Subscribe(name string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], h)
}

// Publish dispatches the event and reports whether the default action should
// proceed (false when any subscriber suppressed it).
func (b *Bus) Publish(e *Event) bool {
	b.mu.RLock()
	handlers := b.subs[e.Name]
	// snapshot so subscribers registered during dispatch are not called
	stack := make([]Handler, len(handlers))
	copy(stack, handlers)
	b.mu.RUnlock()

	for _, h := range stack {
		h(e)
	}
	return !e.suppressed
}
