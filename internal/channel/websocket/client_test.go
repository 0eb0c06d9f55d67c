package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/mlvzk/watchparty/internal/channel"
	"github.com/mlvzk/watchparty/internal/log"
	"github.com/mlvzk/watchparty/internal/retry"
	"github.com/mlvzk/watchparty/internal/wire"
)

// echoRelay upgrades every request and echoes envelopes back. Connections
// are exposed so tests can kill them to force a reconnect.
type echoRelay struct {
	t     *testing.T
	conns chan *websocket.Conn
}

func (r *echoRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	r.conns <- conn

	ctx := req.Context()
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		if err := wsjson.Write(ctx, conn, &env); err != nil {
			return
		}
	}
}

func newTestClient(t *testing.T) (*Client, *echoRelay, func()) {
	relay := &echoRelay{t: t, conns: make(chan *websocket.Conn, 4)}
	server := httptest.NewServer(relay)

	wsURL := strings.Replace(server.URL, "http", "ws", 1)
	r := retry.New(log.NewNop(), 10*time.Millisecond, 50*time.Millisecond, 5*time.Second)
	client := NewClient(wsURL, r, log.NewTest(t))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, client.Open(ctx))

	return client, relay, func() {
		_ = client.Close()
		cancel()
		server.Close()
	}
}

func waitEvent(t *testing.T, client *Client) channel.Event {
	t.Helper()
	select {
	case ev, ok := <-client.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for channel event")
		return channel.Event{}
	}
}

func TestConnectAndRoundTrip(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	ev := waitEvent(t, client)
	require.Equal(t, channel.EventConnect, ev.Name)

	err := client.Send(context.Background(), wire.EventJoin, wire.JoinRequest{
		Identity: "alice",
		Room:     "r1",
		Stamp:    1234,
	})
	require.NoError(t, err)

	ev = waitEvent(t, client)
	require.Equal(t, wire.EventJoin, ev.Name)

	var join wire.JoinRequest
	require.NoError(t, (&wire.Envelope{Event: ev.Name, Data: ev.Data}).Bind(&join))
	require.Equal(t, "alice", join.Identity)
	require.Equal(t, "r1", join.Room)
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	client, relay, cleanup := newTestClient(t)
	defer cleanup()

	require.Equal(t, channel.EventConnect, waitEvent(t, client).Name)
	conn := <-relay.conns
	_ = conn.CloseNow()

	require.Equal(t, channel.EventDisconnect, waitEvent(t, client).Name)
	require.Equal(t, channel.EventConnect, waitEvent(t, client).Name)
}

func TestSendAfterCloseFails(t *testing.T) {
	client, _, cleanup := newTestClient(t)

	require.Equal(t, channel.EventConnect, waitEvent(t, client).Name)
	cleanup()

	require.Eventually(t, func() bool {
		err := client.Send(context.Background(), wire.EventTimeGet, wire.SampleRequest{Room: "r1", Stamp: 1})
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestOpenTwiceFails(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	require.Error(t, client.Open(context.Background()))
}
