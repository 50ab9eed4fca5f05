// Package registry keeps the authoritative in-memory state of every room:
// its participants, the current video reference and the last known playback
// snapshot.
//
// Each room is guarded by its own mutex. The registry-wide lock only covers
// the room map, so operations on different rooms never wait for each other.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
)

// Participant is one connection inside a room. ID is unique per connection,
// so a client that reconnects becomes a new participant.
type Participant struct {
	ID       string
	Username string
	JoinedAt time.Time
}

// Snapshot is the last reported playback state of a room.
type Snapshot struct {
	PositionSeconds float64
	IsPlaying       bool
	CapturedAt      time.Time
}

// RoomSnapshot is a consistent copy of a room taken under its lock.
type RoomSnapshot struct {
	ID           string
	Participants []Participant
	VideoRef     string
	Playback     Snapshot
}

type room struct {
	id           string
	mu           sync.Mutex
	participants []Participant // insertion order
	videoRef     string
	playback     Snapshot

	// closed is set once the last participant leaves. A closed room is never
	// mutated again; the next join creates a fresh one.
	closed atomic.Bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func New() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// ---------------------------------------------------------------------------
// Room map
// ---------------------------------------------------------------------------

func (r *Registry) get(roomID string) (*room, bool) {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok || rm.closed.Load() {
		return nil, false
	}
	return rm, true
}

func (r *Registry) getOrCreate(roomID string) *room {
	if rm, ok := r.get(roomID); ok {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[roomID]; ok && !rm.closed.Load() {
		return rm
	}
	rm := &room{id: roomID}
	r.rooms[roomID] = rm
	return rm
}

// remove deletes the map entry only if it still points at rm; a newer room
// with the same id may already have replaced it.
func (r *Registry) remove(rm *room) {
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Join adds p to the room, creating the room on first use. A participant
// whose ID is already present is not added twice. Two participants with the
// same username are distinct.
func (r *Registry) Join(roomID string, p Participant) RoomSnapshot {
	for {
		rm := r.getOrCreate(roomID)

		rm.mu.Lock()
		if rm.closed.Load() {
			// Lost a race with the last leave; retry against a fresh room.
			rm.mu.Unlock()
			continue
		}
		if !slices.ContainsFunc(rm.participants, func(q Participant) bool { return q.ID == p.ID }) {
			rm.participants = append(rm.participants, p)
		}
		snap := rm.snapshot()
		rm.mu.Unlock()
		return snap
	}
}

// Leave removes a participant and returns it together with the number of
// participants left. The room is deleted when it becomes empty.
func (r *Registry) Leave(roomID, participantID string) (Participant, int, error) {
	rm, ok := r.get(roomID)
	if !ok {
		return Participant{}, 0, fmt.Errorf("leave %q: %w", roomID, ErrRoomNotFound)
	}

	rm.mu.Lock()
	if rm.closed.Load() {
		rm.mu.Unlock()
		return Participant{}, 0, fmt.Errorf("leave %q: %w", roomID, ErrRoomNotFound)
	}
	idx := slices.IndexFunc(rm.participants, func(q Participant) bool { return q.ID == participantID })
	if idx < 0 {
		rm.mu.Unlock()
		return Participant{}, 0, fmt.Errorf("leave %q/%s: %w", roomID, participantID, ErrParticipantNotFound)
	}
	left := rm.participants[idx]
	rm.participants = slices.Delete(rm.participants, idx, idx+1)
	remaining := len(rm.participants)
	if remaining == 0 {
		rm.closed.Store(true)
	}
	rm.mu.Unlock()

	if remaining == 0 {
		r.remove(rm)
	}
	return left, remaining, nil
}

// UpdateVideo replaces the room's current video reference.
func (r *Registry) UpdateVideo(roomID, videoRef string) error {
	return r.withRoom(roomID, func(rm *room) {
		rm.videoRef = videoRef
	})
}

// UpdatePlayback stores s unless it was captured strictly before the stored
// snapshot. The returned bool reports whether s was applied.
func (r *Registry) UpdatePlayback(roomID string, s Snapshot) (bool, error) {
	var applied bool
	err := r.withRoom(roomID, func(rm *room) {
		if s.CapturedAt.Before(rm.playback.CapturedAt) {
			return
		}
		rm.playback = s
		applied = true
	})
	return applied, err
}

// Lookup returns a copy of the room.
func (r *Registry) Lookup(roomID string) (RoomSnapshot, error) {
	var snap RoomSnapshot
	err := r.withRoom(roomID, func(rm *room) {
		snap = rm.snapshot()
	})
	return snap, err
}

// Members returns the room's participants in join order, or nil if the room
// does not exist.
func (r *Registry) Members(roomID string) []Participant {
	var members []Participant
	_ = r.withRoom(roomID, func(rm *room) {
		members = slices.Clone(rm.participants)
	})
	return members
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) withRoom(roomID string, fn func(*room)) error {
	rm, ok := r.get(roomID)
	if !ok {
		return fmt.Errorf("%q: %w", roomID, ErrRoomNotFound)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed.Load() {
		return fmt.Errorf("%q: %w", roomID, ErrRoomNotFound)
	}
	fn(rm)
	return nil
}

// snapshot must be called with rm.mu held.
func (rm *room) snapshot() RoomSnapshot {
	return RoomSnapshot{
		ID:           rm.id,
		Participants: slices.Clone(rm.participants),
		VideoRef:     rm.videoRef,
		Playback:     rm.playback,
	}
}
