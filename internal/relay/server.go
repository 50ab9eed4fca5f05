// Package relay implements the signaling relay: a WebSocket endpoint that
// keeps room membership in the registry and routes control messages between
// the clients of a room without interpreting negotiation payloads.
package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/1ureka/syncwatch/internal/config"
	"github.com/1ureka/syncwatch/internal/protocol"
	"github.com/1ureka/syncwatch/internal/registry"
	"github.com/1ureka/syncwatch/internal/util"
)

// Server owns the routing table of live connections. Room state lives in the
// registry; the routing table only maps participant ids to connections.
type Server struct {
	cfg    *config.Relay
	reg    *registry.Registry
	stats  *util.Stats
	mirror *mirrorQueue
	backup Mirror
	log    *slog.Logger
	now    func() time.Time

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

type Option func(*Server)

// WithMirror copies room snapshots to m in the background.
func WithMirror(m Mirror) Option {
	return func(s *Server) { s.backup = m }
}

// WithStats counts traffic into stats instead of a private counter.
func WithStats(stats *util.Stats) Option {
	return func(s *Server) { s.stats = stats }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func New(cfg *config.Relay, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		stats:   &util.Stats{},
		log:     slog.Default().With(slog.String("component", "relay")),
		now:     time.Now,
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backup != nil {
		s.mirror = newMirrorQueue(s.backup, s.log)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Registry exposes the room registry, mainly for stats and tests.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Stats exposes the traffic counters.
func (s *Server) Stats() *util.Stats { return s.stats }

// checkOrigin admits non-browser clients, which send no Origin header, and
// browsers from the configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return lo.Contains(s.cfg.HTTP.AllowedOrigins, "*") || lo.Contains(s.cfg.HTTP.AllowedOrigins, origin)
}

// ---------------------------------------------------------------------------
// Routing table
// ---------------------------------------------------------------------------

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.stats.AddConn()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.stats.RemoveConn()
}

func (s *Server) lookup(id string) (*client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

// Close drops every live connection. Hijacked connections are not tracked by
// http.Server, so Shutdown alone leaves them open.
func (s *Server) Close() {
	s.mu.RLock()
	clients := lo.Values(s.clients)
	s.mu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

// broadcast sends m to every member of the room except exclude.
func (s *Server) broadcast(roomID string, m protocol.Message, exclude string) {
	data, err := protocol.Encode(m)
	if err != nil {
		s.log.Error("encode broadcast", slog.String("type", string(m.Type())), slog.Any("err", err))
		return
	}

	for _, p := range s.reg.Members(roomID) {
		if p.ID == exclude {
			continue
		}
		if c, ok := s.lookup(p.ID); ok {
			c.enqueue(data)
		}
	}
}

// sendTo delivers m to a single connection.
func (s *Server) sendTo(c *client, m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		s.log.Error("encode reply", slog.String("type", string(m.Type())), slog.Any("err", err))
		return
	}
	c.enqueue(data)
}

func (s *Server) replyError(c *client, msg string) {
	s.sendTo(c, protocol.Error{Message: msg})
}
