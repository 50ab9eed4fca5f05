package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/syncwatch/internal/protocol"
)

// client is one WebSocket connection. Outbound frames go through the bounded
// send queue and are written by writePump only.
type client struct {
	id      string
	srv     *Server
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	log     *slog.Logger

	mu       sync.Mutex
	roomID   string
	username string
}

// handleWS upgrades the request and runs the connection pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.Any("err", err))
		return
	}

	id := uuid.NewString()
	c := &client{
		id:      id,
		srv:     s,
		conn:    conn,
		send:    make(chan []byte, s.cfg.WS.SendQueue),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimit.PerSecond), s.cfg.RateLimit.Burst),
		log:     s.log.With(slog.String("participant", id)),
	}
	s.register(c)
	c.log.Debug("connection opened", slog.String("remote", r.RemoteAddr))

	go c.writePump()
	go c.readPump()
}

func (c *client) room() (roomID, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.username
}

func (c *client) setRoom(roomID, username string) {
	c.mu.Lock()
	c.roomID, c.username = roomID, username
	c.mu.Unlock()
}

// enqueue never blocks; a full queue drops the frame.
func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.log.Warn("send queue full, dropping message")
	}
}

func (c *client) readPump() {
	defer c.close()

	ws := c.srv.cfg.WS
	c.conn.SetReadLimit(ws.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(ws.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(ws.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", slog.Any("err", err))
			}
			return
		}
		c.srv.stats.AddIn(len(data))

		if !c.limiter.Allow() {
			c.srv.replyError(c, "rate limit exceeded")
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug("discarding message", slog.Any("err", err))
			c.srv.replyError(c, err.Error())
			continue
		}
		c.srv.route(c, msg)
	}
}

func (c *client) writePump() {
	ws := c.srv.cfg.WS
	ticker := time.NewTicker(ws.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(ws.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("websocket write failed", slog.Any("err", err))
				return
			}
			c.srv.stats.AddOut(len(data))

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(ws.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(ws.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// close is the implicit leave on transport loss. Safe to call multiple times.
func (c *client) close() {
	c.once.Do(func() {
		c.srv.leave(c)
		c.srv.unregister(c)
		close(c.done)
		c.log.Debug("connection closed")
	})
}
