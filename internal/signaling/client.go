// Package signaling is the client side of the relay connection. It keeps one
// WebSocket open to the relay, rejoins the room after every reconnect and
// hands decoded messages to the caller.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/syncwatch/internal/protocol"
)

// ErrNotConnected is returned by Send while no relay connection is open.
var ErrNotConnected = errors.New("not connected to relay")

// Status is the relay connectivity shown to the user.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

const (
	defaultBackoff = 2 * time.Second
	writeWait      = 10 * time.Second
)

// Options configures a Client. OnMessage is called from the read loop, one
// message at a time.
type Options struct {
	URL      string
	RoomID   string
	Username string

	// Backoff is the delay between reconnect attempts. Defaults to 2s.
	Backoff time.Duration
	Dialer  *websocket.Dialer

	OnMessage func(protocol.Message)
	OnStatus  func(Status)
	// OnDisconnect runs after an established connection is lost, before the
	// next reconnect attempt.
	OnDisconnect func()
}

// Client is a reconnecting relay connection.
type Client struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex // guards conn and serializes writes
	conn   *websocket.Conn
	status Status
}

func New(opts Options) *Client {
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:   opts,
		log:    slog.Default().With(slog.String("component", "signaling"), slog.String("room", opts.RoomID)),
		status: StatusDisconnected,
	}
}

// Status returns the current connectivity.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()

	if changed && c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

// Send writes one message to the relay.
func (c *Client) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", m.Type(), err)
	}
	return nil
}

// Run connects, joins the room and reads until ctx is cancelled, reconnecting
// after every failure. It always returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	defer c.setStatus(StatusDisconnected)

	for {
		c.setStatus(StatusConnecting)
		err := c.session(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setStatus(StatusDisconnected)
		c.log.Warn("relay connection lost, retrying", slog.Any("err", err), slog.Duration("backoff", c.opts.Backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.Backoff):
		}
	}
}

// session runs one connection from dial to failure.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect()
		}
	}()

	c.setStatus(StatusConnected)
	c.log.Info("connected to relay", slog.String("url", c.opts.URL))

	if err := c.Send(protocol.JoinRoom{RoomID: c.opts.RoomID, Username: c.opts.Username}); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("discarding relay message", slog.Any("err", err))
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}
}
