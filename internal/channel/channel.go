// Package channel abstracts the bidirectional link to the relay. The sync
// session consumes Events and never touches the transport directly.
package channel

import (
	"context"
	"encoding/json"
	"io"
)

// Synthetic events emitted by implementations about the link itself. They
// never appear on the wire.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Event is one inbound notification: either a relay message (Name matches a
// wire event, Data holds its payload) or a synthetic link event.
type Event struct {
	Name string
	Data json.RawMessage
}

type Channel interface {
	// Open starts the link. Implementations reconnect on their own and
	// surface EventConnect/EventDisconnect on the Events stream.
	Open(ctx context.Context) error

	// Send queues one event for delivery. It never blocks on the network.
	Send(ctx context.Context, event string, payload any) error

	// Events delivers inbound and synthetic events in arrival order. The
	// stream is closed when the channel shuts down.
	Events() <-chan Event

	io.Closer
}
