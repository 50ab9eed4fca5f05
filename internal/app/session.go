// Package app contains the top-level orchestration of a watch-party client:
// the relay connection, peer links, playback sync and chat.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/syncwatch/internal/config"
	"github.com/1ureka/syncwatch/internal/peer"
	"github.com/1ureka/syncwatch/internal/playback"
	"github.com/1ureka/syncwatch/internal/protocol"
	"github.com/1ureka/syncwatch/internal/signaling"
	"github.com/1ureka/syncwatch/internal/transport"
)

// ErrEmptyChat is returned when sending a blank chat message.
var ErrEmptyChat = errors.New("empty chat message")

// Player is a playback.Player that reports its own state changes.
type Player interface {
	playback.Player
	OnStateChange(func(playback.State))
}

type EventKind int

const (
	EventStatus EventKind = iota
	EventPeers
	EventChat
	EventNotice
	EventPlayerError
)

// Event is something the user should see.
type Event struct {
	Kind   EventKind
	Status signaling.Status
	Chat   ChatMessage
	Text   string
}

type ChatMessage struct {
	ID        string
	Username  string
	Message   string
	Timestamp time.Time
	Own       bool
}

type Option func(*Session)

// WithDialer replaces the WebRTC dialer.
func WithDialer(d peer.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithHeartbeat overrides the side-channel heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Session) { s.heartbeat = d }
}

// WithRelayBackoff overrides the relay reconnect delay.
func WithRelayBackoff(d time.Duration) Option {
	return func(s *Session) { s.relayBackoff = d }
}

// Session is one client in one room.
type Session struct {
	cfg *config.Client
	log *slog.Logger

	cancel context.CancelFunc // stops the peer transports

	dialer       peer.Dialer
	heartbeat    time.Duration
	relayBackoff time.Duration

	relay  *signaling.Client
	peers  *peer.Manager
	coord  *playback.Coordinator
	player Player

	events chan Event

	mu      sync.Mutex
	history []ChatMessage
}

func NewSession(cfg *config.Client, p Player, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		log:    slog.Default().With(slog.String("component", "session"), slog.String("room", cfg.RoomID)),
		cancel: cancel,
		player: p,
		events: make(chan Event, 64),
	}
	for _, o := range opts {
		o(s)
	}
	if s.dialer == nil {
		s.dialer = transport.NewDialer(ctx, cfg.STUN)
	}

	s.relay = signaling.New(signaling.Options{
		URL:       cfg.ServerURL,
		RoomID:    cfg.RoomID,
		Username:  cfg.Username,
		Backoff:   s.relayBackoff,
		OnMessage: s.handleRelay,
		OnStatus: func(st signaling.Status) {
			s.emit(Event{Kind: EventStatus, Status: st})
		},
		// Peer links cannot renegotiate without the relay.
		OnDisconnect: func() { s.peers.Reset() },
	})
	s.peers = peer.NewManager(peer.Options{
		Dialer:    s.dialer,
		Signaler:  s.relay,
		OnMessage: s.handlePeer,
		OnChange:  func() { s.emit(Event{Kind: EventPeers}) },
	})
	s.coord = playback.NewCoordinator(playback.Options{
		Player:    p,
		Relay:     s.relay,
		Peers:     s.peers,
		Self:      s.peers.Self,
		Heartbeat: s.heartbeat,
		OnPlayerError: func(e *playback.PlayerError) {
			s.emit(Event{Kind: EventPlayerError, Text: "YouTube Player Error: " + e.Cause()})
		},
	})
	p.OnStateChange(s.coord.HandleLocalChange)
	return s
}

// Run keeps the session alive until ctx is cancelled, then tears down every
// peer link.
func (s *Session) Run(ctx context.Context) error {
	defer s.cancel()
	defer s.peers.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.relay.Run(gctx) })
	g.Go(func() error { return s.coord.Run(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Events delivers user-facing events. Events are dropped when the reader
// falls behind.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
	}
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func (s *Session) handleRelay(m protocol.Message) {
	switch m := m.(type) {
	case protocol.RoomState:
		s.peers.HandleRoomState(m)
		s.coord.HandleRemote(m)
		s.emit(Event{Kind: EventNotice, Text: fmt.Sprintf("joined room %s with %d participant(s)", m.RoomID, len(m.Participants))})
	case protocol.UserJoined:
		s.peers.HandleUserJoined(m)
		s.emit(Event{Kind: EventNotice, Text: m.Username + " joined"})
	case protocol.UserLeft:
		s.peers.HandleUserLeft(m)
		s.emit(Event{Kind: EventNotice, Text: m.Username + " left"})
	case protocol.Offer:
		s.peers.HandleOffer(m)
	case protocol.Answer:
		s.peers.HandleAnswer(m)
	case protocol.ICECandidate:
		s.peers.HandleCandidate(m)
	case protocol.VideoChanged, protocol.SyncPlayer, protocol.SeekTo:
		s.coord.HandleRemote(m)
	case protocol.Error:
		s.log.Warn("relay rejected request", slog.String("message", m.Message))
		s.emit(Event{Kind: EventNotice, Text: "relay: " + m.Message})
	default:
		s.log.Debug("ignoring relay message", slog.String("type", string(m.Type())))
	}
}

func (s *Session) handlePeer(peerID string, data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn("discarding side-channel message", slog.String("peer", peerID), slog.Any("err", err))
		return
	}

	switch m := m.(type) {
	case protocol.Chat:
		msg := ChatMessage{
			ID:        m.ID,
			Username:  m.Username,
			Message:   m.Message,
			Timestamp: protocol.FromMillis(m.Timestamp),
		}
		s.appendChat(msg)
		s.emit(Event{Kind: EventChat, Chat: msg})
	case protocol.VideoSync:
		if m.Sender == "" {
			m.Sender = peerID
		}
		s.coord.HandleRemote(m)
	default:
		s.log.Warn("unexpected side-channel message", slog.String("peer", peerID), slog.String("type", string(m.Type())))
	}
}

func (s *Session) appendChat(msg ChatMessage) {
	s.mu.Lock()
	s.history = append(s.history, msg)
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// User actions
// ---------------------------------------------------------------------------

// SendChat records text in the local history and sends it to every open
// side-channel. It returns the number of peers reached.
func (s *Session) SendChat(text string) (ChatMessage, int, error) {
	if strings.TrimSpace(text) == "" {
		return ChatMessage{}, 0, ErrEmptyChat
	}
	now := time.Now()
	m := protocol.Chat{
		ID:        uuid.NewString(),
		Username:  s.cfg.Username,
		Message:   text,
		Timestamp: protocol.Millis(now),
		Sender:    s.peers.Self(),
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return ChatMessage{}, 0, err
	}

	msg := ChatMessage{ID: m.ID, Username: m.Username, Message: text, Timestamp: protocol.FromMillis(m.Timestamp), Own: true}
	s.appendChat(msg)
	return msg, s.peers.Broadcast(data), nil
}

func (s *Session) LoadVideo(raw string) (string, error) { return s.coord.LoadVideo(raw) }
func (s *Session) Play()                                { s.coord.Play() }
func (s *Session) Pause()                               { s.coord.Pause() }
func (s *Session) Seek(seconds float64) error           { return s.coord.Seek(seconds) }

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

func (s *Session) Self() string               { return s.peers.Self() }
func (s *Session) Status() signaling.Status   { return s.relay.Status() }
func (s *Session) Links() []peer.LinkInfo     { return s.peers.Links() }
func (s *Session) Members() map[string]string { return s.peers.Members() }
func (s *Session) Player() playback.State     { return s.player.State() }

// History returns the chat messages in arrival order.
func (s *Session) History() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatMessage(nil), s.history...)
}
