// Package websocket carries relay traffic over a WebSocket, one JSON
// envelope per frame.
package websocket

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mlvzk/watchparty/internal/channel"
	"github.com/mlvzk/watchparty/internal/errors"
	"github.com/mlvzk/watchparty/internal/log"
	"github.com/mlvzk/watchparty/internal/retry"
	"github.com/mlvzk/watchparty/internal/wire"
)

const (
	ErrBufferFull errors.Code = "buffer_full"
	ErrClosed     errors.Code = "channel_closed"
)

const (
	pingInterval = 10 * time.Second
	pingTimeout  = 3 * time.Second
	writeTimeout = 3 * time.Second
	dialTimeout  = 10 * time.Second
	bufOutbound  = 16
	bufInbound   = 32
)

// Client is a channel.Channel over a WebSocket. The link is redialed with
// backoff after any failure; each successful dial surfaces EventConnect so
// the session can re-join its room.
type Client struct {
	url    string
	retry  retry.Retry
	logger *log.Logger

	chIn  chan channel.Event
	chOut chan *wire.Envelope

	ctx       context.Context
	cancel    context.CancelFunc
	opened    atomic.Bool
	closeOnce sync.Once
}

func NewClient(url string, r retry.Retry, logger *log.Logger) *Client {
	return &Client{
		url:    url,
		retry:  r,
		logger: logger,
		chIn:   make(chan channel.Event, bufInbound),
		chOut:  make(chan *wire.Envelope, bufOutbound),
	}
}

func (c *Client) Open(ctx context.Context) error {
	if !c.opened.CompareAndSwap(false, true) {
		return errors.New(ErrClosed, "already opened")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	go c.run()
	return nil
}

func (c *Client) Events() <-chan channel.Event {
	return c.chIn
}

// Send queues an envelope for the write pump. A full buffer is an error
// rather than a stall; the caller's sync state tolerates a lost sample.
func (c *Client) Send(_ context.Context, event string, payload any) error {
	if !c.opened.Load() || c.ctx.Err() != nil {
		return errors.New(ErrClosed, "channel not open")
	}

	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	select {
	case c.chOut <- env:
		return nil
	default:
		return errors.Newf(ErrBufferFull, "dropping %q", event)
	}
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
	})
	return nil
}

func (c *Client) run() {
	defer close(c.chIn)

	for {
		conn, err := c.dial()
		if err != nil {
			// context canceled or retry budget exhausted
			c.logger.Error("giving up on relay link", log.Error(err))
			return
		}

		c.emit(channel.Event{Name: channel.EventConnect})
		err = c.serve(conn)

		if c.ctx.Err() != nil {
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}

		c.logger.Warn("relay link lost, reconnecting", log.Error(err))
		_ = conn.CloseNow()
		c.emit(channel.Event{Name: channel.EventDisconnect})
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := c.retry.Do(c.ctx, func() error {
		ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
		defer cancel()

		var err error
		conn, _, err = websocket.Dial(ctx, c.url, nil)
		return err
	})
	return conn, err
}

// serve runs the write pump and read loop until either fails.
func (c *Client) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	go func() {
		defer cancel()
		if err := c.writePump(ctx, conn); err != nil && ctx.Err() == nil {
			c.logger.Warn("write pump failed", log.Error(err))
		}
	}()

	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		if env.Event == "" {
			c.logger.Debug("ignoring frame without event name")
			continue
		}
		c.emit(channel.Event{Name: env.Event, Data: env.Data})
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return net.ErrClosed
		case <-ticker.C:
			if err := c.ping(ctx, conn); err != nil {
				return err
			}
		case env := <-c.chOut:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, env)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (c *Client) ping(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	return conn.Ping(ctx)
}

func (c *Client) emit(ev channel.Event) {
	select {
	case c.chIn <- ev:
	case <-c.ctx.Done():
	}
}
