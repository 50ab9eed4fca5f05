// Package playback keeps the local player converged with the room. Remote
// state arrives over the relay and over peer side-channels; local changes are
// reported back unless they were caused by a correction.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/syncwatch/internal/protocol"
)

const (
	// DriftTolerance is the position difference, in seconds, below which a
	// remote position is not applied.
	DriftTolerance = 2.0

	ReportInterval    = 1000 * time.Millisecond
	HeartbeatInterval = 5 * time.Second
)

// Relay carries messages to the signaling relay.
type Relay interface {
	Send(protocol.Message) error
}

// Broadcaster delivers a payload to every open peer side-channel and reports
// how many it reached.
type Broadcaster interface {
	Broadcast(data []byte) int
}

type Options struct {
	Player Player
	Relay  Relay
	Peers  Broadcaster // optional

	// Self returns this client's participant id. Messages carrying it as
	// sender are ignored.
	Self func() string
	// Now defaults to time.Now.
	Now       func() time.Time
	Heartbeat time.Duration

	OnPlayerError func(*PlayerError)
}

// Coordinator is safe for concurrent use. Its mutex guards the suppression
// state and report throttle only; the player is always called without it,
// so players may report changes synchronously.
type Coordinator struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	suppress suppression
	reports  *rate.Limiter
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Self == nil {
		opts.Self = func() string { return "" }
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = HeartbeatInterval
	}
	return &Coordinator{
		opts:    opts,
		log:     slog.Default().With(slog.String("component", "sync")),
		reports: rate.NewLimiter(rate.Every(ReportInterval), 1),
	}
}

// Suppressed reports whether a correction window is open.
func (c *Coordinator) Suppressed() bool {
	now := c.opts.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppress.active(now)
}

// ---------------------------------------------------------------------------
// Remote state
// ---------------------------------------------------------------------------

// target is the remote intent carried by one message. Zero-valued fields the
// message does not carry are flagged absent.
type target struct {
	ref         string
	position    float64
	hasPosition bool
	playing     bool
	hasPlaying  bool
}

type correction struct {
	load       string
	seek       float64
	doSeek     bool
	playing    bool
	setPlaying bool
}

func (c correction) none() bool {
	return c.load == "" && !c.doSeek && !c.setPlaying
}

func (c correction) window() time.Duration {
	if c.load != "" {
		return LoadWindow
	}
	return CorrectionWindow
}

// plan returns the mutations that bring local to t. A load rewinds the
// player, so position and play state are compared against the fresh video.
func plan(local State, t target) correction {
	var c correction
	if t.ref != "" && t.ref != local.VideoRef {
		c.load = t.ref
		local = State{VideoRef: t.ref}
	}
	if t.hasPosition && math.Abs(local.PositionSeconds-t.position) > DriftTolerance {
		c.seek, c.doSeek = t.position, true
	}
	if t.hasPlaying && t.playing != local.IsPlaying {
		c.playing, c.setPlaying = t.playing, true
	}
	return c
}

// HandleRemote applies a message received from the relay or a peer. Periodic
// state is ignored inside a suppression window; explicit actions (video
// change, seek, room catch-up) are applied regardless.
func (c *Coordinator) HandleRemote(m protocol.Message) {
	switch m := m.(type) {
	case protocol.RoomState:
		c.catchUp(m)
	case protocol.VideoChanged:
		if !c.own(m.Sender) {
			c.apply(target{ref: m.VideoRef}, true)
		}
	case protocol.SeekTo:
		if !c.own(m.Sender) {
			c.seekTo(m.PositionSeconds)
		}
	case protocol.SyncPlayer:
		if !c.own(m.Sender) {
			c.apply(target{
				position: m.PositionSeconds, hasPosition: true,
				playing: m.IsPlaying, hasPlaying: true,
			}, false)
		}
	case protocol.VideoSync:
		if !c.own(m.Sender) {
			c.apply(target{
				ref:      m.VideoRef,
				position: m.PositionSeconds, hasPosition: true,
				playing: m.IsPlaying, hasPlaying: true,
			}, false)
		}
	}
}

func (c *Coordinator) own(sender string) bool {
	return sender != "" && sender == c.opts.Self()
}

// catchUp brings a newcomer to the room's recorded state. A playing snapshot
// is advanced by the time elapsed since it was captured.
func (c *Coordinator) catchUp(rs protocol.RoomState) {
	if rs.CurrentVideoRef == "" {
		return
	}
	pb := rs.Playback
	pos := pb.PositionSeconds
	if pb.IsPlaying && pb.Timestamp > 0 {
		if elapsed := c.opts.Now().Sub(protocol.FromMillis(pb.Timestamp)); elapsed > 0 {
			pos += elapsed.Seconds()
		}
	}
	c.apply(target{
		ref:      rs.CurrentVideoRef,
		position: pos, hasPosition: true,
		playing: pb.IsPlaying, hasPlaying: true,
	}, true)
}

// apply corrects the player toward t. It reports whether a correction was
// made.
func (c *Coordinator) apply(t target, explicit bool) bool {
	if !explicit && c.Suppressed() {
		c.log.Debug("remote state ignored during correction")
		return false
	}

	corr := plan(c.opts.Player.State(), t)
	if corr.none() {
		return false
	}

	c.mu.Lock()
	c.suppress.arm(c.opts.Now(), corr.window())
	c.mu.Unlock()

	c.log.Debug("correcting player",
		slog.String("load", corr.load),
		slog.Bool("seek", corr.doSeek),
		slog.Float64("position", corr.seek),
		slog.Bool("setPlaying", corr.setPlaying),
		slog.Bool("playing", corr.playing),
	)

	p := c.opts.Player
	if corr.load != "" {
		if err := p.Load(corr.load); err != nil {
			c.playerError(corr.load, err)
			return false
		}
	}
	if corr.doSeek {
		p.Seek(corr.seek)
	}
	if corr.setPlaying {
		if corr.playing {
			p.Play()
		} else {
			p.Pause()
		}
	}
	return true
}

func (c *Coordinator) seekTo(pos float64) {
	c.mu.Lock()
	c.suppress.arm(c.opts.Now(), CorrectionWindow)
	c.mu.Unlock()
	c.opts.Player.Seek(pos)
}

func (c *Coordinator) playerError(ref string, err error) {
	var pe *PlayerError
	if !errors.As(err, &pe) {
		pe = &PlayerError{Ref: ref}
	}
	c.log.Warn("player rejected video", slog.String("ref", ref), slog.Int("code", pe.Code), slog.String("cause", pe.Cause()))
	if c.opts.OnPlayerError != nil {
		c.opts.OnPlayerError(pe)
	}
}

// ---------------------------------------------------------------------------
// Local state
// ---------------------------------------------------------------------------

// HandleLocalChange is the player's state-change hook. The change is
// reported to the relay unless it is the echo of a correction or another
// report went out less than ReportInterval ago.
func (c *Coordinator) HandleLocalChange(s State) {
	now := c.opts.Now()

	c.mu.Lock()
	if c.suppress.active(now) {
		c.mu.Unlock()
		return
	}
	allowed := c.reports.AllowN(now, 1)
	c.mu.Unlock()
	if !allowed {
		return
	}

	err := c.opts.Relay.Send(protocol.PlayerStateChange{
		PositionSeconds: s.PositionSeconds,
		IsPlaying:       s.IsPlaying,
		Timestamp:       protocol.Millis(now),
	})
	if err != nil {
		c.log.Debug("state report not sent", slog.Any("err", err))
	}
}

// LoadVideo resolves raw and loads it locally, then announces it to the
// room. Nothing is sent when the reference is rejected.
func (c *Coordinator) LoadVideo(raw string) (string, error) {
	ref, err := ParseVideoRef(raw)
	if err != nil {
		return "", err
	}
	if err := c.opts.Player.Load(ref); err != nil {
		c.playerError(ref, err)
		return "", err
	}
	if err := c.opts.Relay.Send(protocol.VideoChange{VideoRef: ref}); err != nil {
		return ref, err
	}
	return ref, nil
}

// Play and Pause act on the player; the resulting change is reported
// through HandleLocalChange.
func (c *Coordinator) Play()  { c.opts.Player.Play() }
func (c *Coordinator) Pause() { c.opts.Player.Pause() }

// Seek moves the player and tells the room to follow.
func (c *Coordinator) Seek(seconds float64) error {
	c.opts.Player.Seek(seconds)
	return c.opts.Relay.Send(protocol.SeekTo{PositionSeconds: seconds})
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

// Run broadcasts the heartbeat until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.heartbeat()
		}
	}
}

// heartbeat sends the player state to every open side-channel while playing
// outside a correction window. It reports whether a heartbeat was sent.
func (c *Coordinator) heartbeat() bool {
	if c.opts.Peers == nil || c.Suppressed() {
		return false
	}
	s := c.opts.Player.State()
	if !s.IsPlaying {
		return false
	}

	data, err := protocol.Encode(protocol.VideoSync{
		VideoRef:        s.VideoRef,
		PositionSeconds: s.PositionSeconds,
		IsPlaying:       true,
		Timestamp:       protocol.Millis(c.opts.Now()),
		Sender:          c.opts.Self(),
	})
	if err != nil {
		c.log.Warn("encode heartbeat", slog.Any("err", err))
		return false
	}
	n := c.opts.Peers.Broadcast(data)
	c.log.Debug("heartbeat", slog.Float64("position", s.PositionSeconds), slog.Int("peers", n))
	return true
}
