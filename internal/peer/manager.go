// Package peer manages one direct connection per remote room member. It
// negotiates through the relay, recovers failed links with a single delayed
// retry, and broadcasts side-channel messages to every open link.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/syncwatch/internal/protocol"
)

// ErrUnknownPeer is returned when addressing a peer with no open link.
var ErrUnknownPeer = errors.New("unknown peer")

const (
	defaultBackoff = 2 * time.Second
	maxRetries     = 1
)

// Signaler carries negotiation messages to the relay.
type Signaler interface {
	Send(protocol.Message) error
}

// Timer is the handle of a scheduled callback.
type Timer interface {
	Stop() bool
}

type Options struct {
	Dialer   Dialer
	Signaler Signaler

	// Backoff is the delay before retrying a failed link. Defaults to 2s.
	Backoff time.Duration
	// AfterFunc schedules retries. Defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Timer

	// OnMessage receives every side-channel payload.
	OnMessage func(peerID string, data []byte)
	// OnChange runs after any link or membership change.
	OnChange func()
}

// LinkInfo is a read-only view of one link.
type LinkInfo struct {
	PeerID   string
	Username string
	State    ConnState
	Channel  ChannelState
}

type link struct {
	peerID    string
	initiator bool
	conn      Conn // nil while dialing
	state     ConnState
	channel   ChannelState
	answered  bool // initiator: remote answer applied
	attempt   int  // retries spent since the last successful connection
	retrying  bool
	staged    bool              // answerer: offer not yet accepted
	held      []json.RawMessage // local candidates gathered while staged
}

// Manager is safe for concurrent use. Its mutex is never held while calling
// into a Conn, the Dialer or the Signaler.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	self    string
	members map[string]string // peer id -> username, excluding self
	links   map[string]*link
	early   map[string][]json.RawMessage // candidates received before a conn exists
	retries map[string]Timer
}

func NewManager(opts Options) *Manager {
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return &Manager{
		opts:    opts,
		log:     slog.Default().With(slog.String("component", "peer")),
		members: make(map[string]string),
		links:   make(map[string]*link),
		early:   make(map[string][]json.RawMessage),
		retries: make(map[string]Timer),
	}
}

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

// HandleRoomState records the members present when this client joined. The
// newcomer does not initiate: existing members offer to it.
func (m *Manager) HandleRoomState(rs protocol.RoomState) {
	m.mu.Lock()
	var stale []Conn
	if m.self != rs.Self {
		stale = m.resetLocked()
		m.self = rs.Self
	}
	for _, p := range rs.Participants {
		if p.ID != m.self {
			m.members[p.ID] = p.Username
		}
	}
	m.mu.Unlock()

	closeAll(stale)
	m.notify()
}

// HandleUserJoined registers the newcomer and offers to it.
func (m *Manager) HandleUserJoined(u protocol.UserJoined) {
	m.mu.Lock()
	if u.ID == "" || u.ID == m.self {
		m.mu.Unlock()
		return
	}
	m.members[u.ID] = u.Username
	_, linked := m.links[u.ID]
	m.mu.Unlock()

	if !linked {
		m.connect(u.ID, 0)
	}
	m.notify()
}

// HandleUserLeft closes the link to a departed peer and cancels any pending
// retry.
func (m *Manager) HandleUserLeft(u protocol.UserLeft) {
	m.mu.Lock()
	delete(m.members, u.ID)
	delete(m.early, u.ID)
	m.stopRetryLocked(u.ID)
	var conn Conn
	if l, ok := m.links[u.ID]; ok {
		conn = l.conn
		delete(m.links, u.ID)
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.log.Info("peer left", slog.String("peer", u.ID), slog.String("username", u.Username))
	m.notify()
}

// Reset tears down every link and forgets the room. Called when the relay
// connection is lost, since no renegotiation path exists without it.
func (m *Manager) Reset() {
	m.mu.Lock()
	conns := m.resetLocked()
	m.self = ""
	m.mu.Unlock()

	closeAll(conns)
	if len(conns) > 0 {
		m.log.Info("all peer links torn down", slog.Int("links", len(conns)))
	}
	m.notify()
}

// Close is Reset under the conventional name.
func (m *Manager) Close() { m.Reset() }

func (m *Manager) resetLocked() []Conn {
	var conns []Conn
	for id, l := range m.links {
		if l.conn != nil {
			conns = append(conns, l.conn)
		}
		delete(m.links, id)
	}
	for id := range m.retries {
		m.stopRetryLocked(id)
	}
	clear(m.members)
	clear(m.early)
	return conns
}

func (m *Manager) stopRetryLocked(peerID string) {
	if t, ok := m.retries[peerID]; ok {
		t.Stop()
		delete(m.retries, peerID)
	}
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// connect replaces any link to peerID with a new initiating link and sends
// the offer.
func (m *Manager) connect(peerID string, attempt int) {
	l := &link{peerID: peerID, initiator: true, state: ConnNew, channel: ChannelOpening, attempt: attempt}
	old := m.install(l)
	if old != nil {
		old.Close()
	}

	conn, err := m.opts.Dialer.Dial(peerID, true, m.events(l))
	if err != nil {
		m.drop(l, fmt.Errorf("dial: %w", err))
		return
	}
	early, ok := m.bind(l, conn)
	if !ok {
		return
	}

	sdp, err := conn.CreateOffer()
	if err != nil {
		m.drop(l, err)
		return
	}
	m.mu.Lock()
	if m.links[peerID] == l && l.state == ConnNew {
		l.state = ConnConnecting
	}
	m.mu.Unlock()

	m.addCandidates(l, conn, early)
	if err := m.opts.Signaler.Send(protocol.Offer{Target: peerID, SDP: sdp}); err != nil {
		m.drop(l, fmt.Errorf("send offer: %w", err))
		return
	}
	m.log.Debug("offer sent", slog.String("peer", peerID), slog.Int("attempt", attempt))
}

// HandleOffer answers a remote offer. When both sides offered at once, the
// side with the smaller id keeps its own offer. The offer replaces the
// current link only once it has been accepted; a rejected offer is
// discarded and the current link is left alone.
func (m *Manager) HandleOffer(o protocol.Offer) {
	from := o.Sender

	m.mu.Lock()
	self := m.self
	if from == "" || from == self {
		m.mu.Unlock()
		return
	}
	if l, ok := m.links[from]; ok && l.initiator && !l.answered && self < from {
		m.mu.Unlock()
		m.log.Debug("offer collision, keeping ours", slog.String("peer", from))
		return
	}
	m.mu.Unlock()

	l := &link{peerID: from, state: ConnNew, channel: ChannelNone, staged: true}
	conn, err := m.opts.Dialer.Dial(from, false, m.events(l))
	if err != nil {
		m.log.Warn("discarding offer", slog.String("peer", from), slog.Any("err", fmt.Errorf("dial: %w", err)))
		return
	}
	m.mu.Lock()
	l.conn = conn
	m.mu.Unlock()

	answer, err := conn.AcceptOffer(o.SDP)
	if err != nil {
		conn.Close()
		m.log.Warn("discarding malformed offer", slog.String("peer", from), slog.Any("err", err))
		return
	}

	m.mu.Lock()
	if m.self != self {
		m.mu.Unlock()
		conn.Close()
		return
	}
	if _, ok := m.members[from]; !ok {
		m.members[from] = ""
	}
	m.stopRetryLocked(from)
	var old Conn
	if prev, ok := m.links[from]; ok {
		old = prev.conn
		l.attempt = prev.attempt
	}
	l.staged = false
	l.state = ConnConnecting
	m.links[from] = l
	early := m.early[from]
	delete(m.early, from)
	held := l.held
	l.held = nil
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.addCandidates(l, conn, early)

	if err := m.opts.Signaler.Send(protocol.Answer{Target: from, SDP: answer}); err != nil {
		m.drop(l, fmt.Errorf("send answer: %w", err))
		return
	}
	for _, c := range held {
		m.signalCandidate(l, c)
	}
	m.log.Debug("answer sent", slog.String("peer", from))
	m.notify()
}

// HandleAnswer applies the answer to our outstanding offer. A rejected
// answer is discarded and the link keeps waiting for a valid one.
func (m *Manager) HandleAnswer(a protocol.Answer) {
	m.mu.Lock()
	l, ok := m.links[a.Sender]
	if !ok || !l.initiator || l.answered || l.conn == nil {
		m.mu.Unlock()
		m.log.Debug("discarding unexpected answer", slog.String("peer", a.Sender))
		return
	}
	l.answered = true
	conn := l.conn
	m.mu.Unlock()

	if err := conn.AcceptAnswer(a.SDP); err != nil {
		m.mu.Lock()
		if m.links[a.Sender] == l {
			l.answered = false
		}
		m.mu.Unlock()
		m.log.Warn("discarding malformed answer", slog.String("peer", a.Sender), slog.Any("err", err))
	}
}

// HandleCandidate applies a remote candidate, or holds it until a link to
// the sender exists.
func (m *Manager) HandleCandidate(c protocol.ICECandidate) {
	m.mu.Lock()
	l, ok := m.links[c.Sender]
	if !ok || l.conn == nil {
		m.early[c.Sender] = append(m.early[c.Sender], c.Candidate)
		m.mu.Unlock()
		return
	}
	conn := l.conn
	m.mu.Unlock()

	m.addCandidates(l, conn, []json.RawMessage{c.Candidate})
}

func (m *Manager) addCandidates(l *link, conn Conn, cs []json.RawMessage) {
	for _, c := range cs {
		if err := conn.AddCandidate(c); err != nil {
			m.log.Warn("discarding remote candidate", slog.String("peer", l.peerID), slog.Any("err", err))
		}
	}
}

// install makes l the current link for its peer and returns the conn of the
// link it replaced, if any.
func (m *Manager) install(l *link) Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopRetryLocked(l.peerID)
	var old Conn
	if prev, ok := m.links[l.peerID]; ok {
		old = prev.conn
	}
	m.links[l.peerID] = l
	return old
}

// bind attaches conn to l and hands back the candidates held for the peer.
// It closes conn and reports false if l was replaced while dialing.
func (m *Manager) bind(l *link, conn Conn) ([]json.RawMessage, bool) {
	m.mu.Lock()
	if m.links[l.peerID] != l {
		m.mu.Unlock()
		conn.Close()
		return nil, false
	}
	l.conn = conn
	early := m.early[l.peerID]
	delete(m.early, l.peerID)
	m.mu.Unlock()
	return early, true
}

// drop removes l after an unrecoverable error.
func (m *Manager) drop(l *link, err error) {
	m.mu.Lock()
	current := m.links[l.peerID] == l
	if current {
		delete(m.links, l.peerID)
	}
	conn := l.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if current {
		m.log.Warn("peer link dropped", slog.String("peer", l.peerID), slog.Any("err", err))
		m.notify()
	}
}

// ---------------------------------------------------------------------------
// Connection events
// ---------------------------------------------------------------------------

// events binds callbacks to l. Callbacks from a replaced link are ignored.
func (m *Manager) events(l *link) ConnEvents {
	return ConnEvents{
		OnCandidate: func(c json.RawMessage) {
			m.mu.Lock()
			if l.staged {
				l.held = append(l.held, c)
				m.mu.Unlock()
				return
			}
			current := m.links[l.peerID] == l
			m.mu.Unlock()
			if current {
				m.signalCandidate(l, c)
			}
		},
		OnState: func(s ConnState) { m.onState(l, s) },
		OnChannel: func(s ChannelState) {
			m.mu.Lock()
			if m.links[l.peerID] != l {
				m.mu.Unlock()
				return
			}
			l.channel = s
			m.mu.Unlock()
			m.log.Debug("side-channel state", slog.String("peer", l.peerID), slog.String("state", s.String()))
			m.notify()
		},
		OnMessage: func(data []byte) {
			if m.isCurrent(l) && m.opts.OnMessage != nil {
				m.opts.OnMessage(l.peerID, data)
			}
		},
	}
}

func (m *Manager) signalCandidate(l *link, c json.RawMessage) {
	if err := m.opts.Signaler.Send(protocol.ICECandidate{Target: l.peerID, Candidate: c}); err != nil {
		m.log.Debug("send candidate failed", slog.String("peer", l.peerID), slog.Any("err", err))
	}
}

func (m *Manager) isCurrent(l *link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[l.peerID] == l
}

func (m *Manager) onState(l *link, s ConnState) {
	m.mu.Lock()
	if m.links[l.peerID] != l {
		m.mu.Unlock()
		return
	}
	l.state = s

	var giveUp Conn
	switch s {
	case ConnConnected:
		l.attempt = 0
	case ConnFailed:
		switch {
		case l.retrying:
		case l.attempt >= maxRetries:
			delete(m.links, l.peerID)
			giveUp = l.conn
		default:
			l.retrying = true
			m.retries[l.peerID] = m.opts.AfterFunc(m.opts.Backoff, func() { m.retry(l) })
		}
	}
	m.mu.Unlock()

	m.log.Info("peer link state", slog.String("peer", l.peerID), slog.String("state", s.String()))
	if giveUp != nil {
		giveUp.Close()
		m.log.Warn("peer link failed after retry, giving up", slog.String("peer", l.peerID))
	}
	m.notify()
}

// retry runs when the backoff expires. Membership is checked now, not when
// the retry was scheduled, since the peer may have left in between.
func (m *Manager) retry(l *link) {
	m.mu.Lock()
	if m.links[l.peerID] != l {
		m.mu.Unlock()
		return
	}
	delete(m.retries, l.peerID)
	if _, member := m.members[l.peerID]; !member {
		delete(m.links, l.peerID)
		conn := l.conn
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		m.notify()
		return
	}
	attempt := l.attempt + 1
	m.mu.Unlock()

	m.log.Info("retrying peer link", slog.String("peer", l.peerID), slog.Int("attempt", attempt))
	m.connect(l.peerID, attempt)
}

// ---------------------------------------------------------------------------
// Side-channel
// ---------------------------------------------------------------------------

// Broadcast sends data on every open side-channel. A failure on one link is
// logged and does not affect the others. It returns the number of links the
// data was queued on.
func (m *Manager) Broadcast(data []byte) int {
	type target struct {
		id   string
		conn Conn
	}

	m.mu.Lock()
	var targets []target
	for id, l := range m.links {
		if l.conn != nil && l.channel == ChannelOpen {
			targets = append(targets, target{id, l.conn})
		}
	}
	m.mu.Unlock()

	sent := 0
	for _, t := range targets {
		if err := t.conn.Send(data); err != nil {
			m.log.Warn("side-channel send failed", slog.String("peer", t.id), slog.Any("err", err))
			continue
		}
		sent++
	}
	return sent
}

// Send delivers data to one peer's side-channel.
func (m *Manager) Send(peerID string, data []byte) error {
	m.mu.Lock()
	l, ok := m.links[peerID]
	var conn Conn
	if ok && l.channel == ChannelOpen {
		conn = l.conn
	}
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%s: %w", peerID, ErrUnknownPeer)
	}
	return conn.Send(data)
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

// Self returns this client's participant id, empty until joined.
func (m *Manager) Self() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// Members returns the known room members other than this client.
func (m *Manager) Members() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.members))
	for id, name := range m.members {
		out[id] = name
	}
	return out
}

// Links returns every link ordered by peer id.
func (m *Manager) Links() []LinkInfo {
	m.mu.Lock()
	infos := make([]LinkInfo, 0, len(m.links))
	for id, l := range m.links {
		infos = append(infos, LinkInfo{PeerID: id, Username: m.members[id], State: l.state, Channel: l.channel})
	}
	m.mu.Unlock()

	slices.SortFunc(infos, func(a, b LinkInfo) int { return strings.Compare(a.PeerID, b.PeerID) })
	return infos
}

func (m *Manager) notify() {
	if m.opts.OnChange != nil {
		m.opts.OnChange()
	}
}

func closeAll(conns []Conn) {
	for _, c := range conns {
		c.Close()
	}
}
