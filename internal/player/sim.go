// Package player provides a headless player that advances a virtual playhead
// with the wall clock. It stands in for an embedded video player in the CLI
// client and in tests.
package player

import (
	"log/slog"
	"sync"
	"time"

	"github.com/1ureka/syncwatch/internal/playback"
)

type Option func(*Sim)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sim) { s.now = now }
}

// WithRejected makes Load fail for ref with the given player error code.
func WithRejected(ref string, code int) Option {
	return func(s *Sim) { s.rejected[ref] = code }
}

// Sim implements playback.Player.
type Sim struct {
	now      func() time.Time
	rejected map[string]int

	mu       sync.Mutex
	ref      string
	base     float64 // position at anchor
	anchor   time.Time
	playing  bool
	onChange func(playback.State)
}

var _ playback.Player = (*Sim)(nil)

func New(opts ...Option) *Sim {
	s := &Sim{now: time.Now, rejected: make(map[string]int)}
	for _, o := range opts {
		o(s)
	}
	s.anchor = s.now()
	return s
}

// OnStateChange registers the hook called after every change.
func (s *Sim) OnStateChange(f func(playback.State)) {
	s.mu.Lock()
	s.onChange = f
	s.mu.Unlock()
}

func (s *Sim) Load(ref string) error {
	if code, ok := s.rejected[ref]; ok {
		return &playback.PlayerError{Code: code, Ref: ref}
	}
	s.mutate(func(now time.Time) {
		s.ref = ref
		s.base = 0
		s.anchor = now
		s.playing = false
	})
	slog.Debug("player loaded", slog.String("ref", ref))
	return nil
}

func (s *Sim) Seek(seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	s.mutate(func(now time.Time) {
		s.base = seconds
		s.anchor = now
	})
}

func (s *Sim) Play() {
	s.mutate(func(now time.Time) {
		if s.playing || s.ref == "" {
			return
		}
		s.anchor = now
		s.playing = true
	})
}

func (s *Sim) Pause() {
	s.mutate(func(now time.Time) {
		if !s.playing {
			return
		}
		s.base = s.positionLocked(now)
		s.anchor = now
		s.playing = false
	})
}

func (s *Sim) State() playback.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(s.now())
}

// mutate applies f and fires the change hook without holding the lock.
func (s *Sim) mutate(f func(now time.Time)) {
	s.mu.Lock()
	now := s.now()
	f(now)
	st := s.stateLocked(now)
	hook := s.onChange
	s.mu.Unlock()

	if hook != nil {
		hook(st)
	}
}

func (s *Sim) stateLocked(now time.Time) playback.State {
	return playback.State{
		VideoRef:        s.ref,
		PositionSeconds: s.positionLocked(now),
		IsPlaying:       s.playing,
	}
}

func (s *Sim) positionLocked(now time.Time) float64 {
	if !s.playing {
		return s.base
	}
	return s.base + now.Sub(s.anchor).Seconds()
}
