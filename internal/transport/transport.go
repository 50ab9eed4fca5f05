// Package transport implements peer connections on pion/webrtc: one
// PeerConnection per remote participant carrying an ordered, reliable
// DataChannel for application messages.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/syncwatch/internal/peer"
)

// ChannelLabel is the label of the side-channel DataChannel.
const ChannelLabel = "sync"

var ErrChannelNotOpen = errors.New("side-channel not open")

// Transport wraps a single PeerConnection + DataChannel pair.
//
// The initiator creates the DataChannel before its offer; the other side
// receives it through OnDataChannel. Remote candidates that arrive before
// the remote description are queued and applied once it is set.
type Transport struct {
	pc        *webrtc.PeerConnection
	ev        peer.ConnEvents
	initiator bool
	log       *slog.Logger

	openSignal chan struct{}
	openOnce   sync.Once
	closeOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	sender    *sender
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

var _ peer.Conn = (*Transport)(nil)

// NewTransport creates a Transport. Callbacks in ev are optional.
func NewTransport(ctx context.Context, cfg webrtc.Configuration, peerID string, initiator bool, ev peer.ConnEvents) (*Transport, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	tCtx, tCancel := context.WithCancel(ctx)
	t := &Transport{
		pc:         pc,
		ev:         ev,
		initiator:  initiator,
		log:        slog.Default().With(slog.String("component", "transport"), slog.String("peer", peerID)),
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || t.ev.OnCandidate == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			t.log.Warn("encode local candidate", slog.Any("err", err))
			return
		}
		t.ev.OnCandidate(data)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug("peer connection state", slog.String("state", state.String()))
		if t.ev.OnState != nil {
			t.ev.OnState(mapState(state))
		}
	})

	if initiator {
		ordered := true
		dc, err := pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			tCancel()
			pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		t.attach(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != ChannelLabel {
				t.log.Warn("ignoring unexpected data channel", slog.String("label", dc.Label()))
				return
			}
			t.attach(dc)
		})
	}

	return t, nil
}

// mapState folds pion's states into the link lifecycle. A disconnected ICE
// transport is treated as a failure.
func mapState(s webrtc.PeerConnectionState) peer.ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return peer.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return peer.ConnConnected
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		return peer.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return peer.ConnClosed
	default:
		return peer.ConnNew
	}
}

// attach wires a DataChannel and starts its sender.
func (t *Transport) attach(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.sender = newSender(t.ctx, dc, t.openSignal, t.log, t.sendFailed)
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.openOnce.Do(func() { close(t.openSignal) })
		if t.ev.OnChannel != nil {
			t.ev.OnChannel(peer.ChannelOpen)
		}
	})
	dc.OnClose(func() {
		t.log.Debug("data channel closed")
		if t.ev.OnChannel != nil {
			t.ev.OnChannel(peer.ChannelClosed)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.ev.OnMessage != nil {
			t.ev.OnMessage(msg.Data)
		}
	})
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done returns a channel that is closed when the Transport is shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// sendFailed retires a side-channel that lost a write, so that later sends
// fail instead of queueing.
func (t *Transport) sendFailed(error) {
	if t.ev.OnChannel != nil {
		t.ev.OnChannel(peer.ChannelClosed)
	}
	t.Close()
}

// Close shuts down the DataChannel and PeerConnection. Safe to call multiple
// times.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()

		t.mu.Lock()
		dc := t.dc
		t.mu.Unlock()

		var dcErr error
		if dc != nil {
			dcErr = dc.Close()
		}
		err = errors.Join(dcErr, t.pc.Close())
	})
	return err
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func (t *Transport) CreateOffer() (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (t *Transport) AcceptOffer(sdp string) (string, error) {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	t.flushCandidates()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (t *Transport) AcceptAnswer(sdp string) error {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	t.flushCandidates()
	return nil
}

func (t *Transport) AddCandidate(raw json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	return t.pc.AddICECandidate(init)
}

// flushCandidates applies candidates queued before the remote description.
func (t *Transport) flushCandidates() {
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.log.Warn("apply queued candidate", slog.Any("err", err))
		}
	}
	if len(pending) > 0 {
		t.log.Debug("applied queued candidates", slog.Int("count", len(pending)))
	}
}

// pendingCandidates reports how many remote candidates are still queued.
func (t *Transport) pendingCandidates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send queues data on the side-channel. It fails fast when the channel is
// not open yet or the queue is full. A closed transport refuses all sends.
func (t *Transport) Send(data []byte) error {
	select {
	case <-t.openSignal:
	default:
		return ErrChannelNotOpen
	}

	t.mu.Lock()
	s := t.sender
	t.mu.Unlock()
	return s.send(t.ctx, data)
}

// ---------------------------------------------------------------------------
// Dialer
// ---------------------------------------------------------------------------

// Dialer creates Transports sharing one ICE configuration.
type Dialer struct {
	ctx context.Context
	cfg webrtc.Configuration
}

var _ peer.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer using the given STUN URLs. No TURN servers are
// configured. Transports are shut down when ctx is cancelled.
func NewDialer(ctx context.Context, stun []string) *Dialer {
	cfg := webrtc.Configuration{}
	if len(stun) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stun}}
	}
	return &Dialer{ctx: ctx, cfg: cfg}
}

func (d *Dialer) Dial(peerID string, initiator bool, ev peer.ConnEvents) (peer.Conn, error) {
	return NewTransport(d.ctx, d.cfg, peerID, initiator, ev)
}
