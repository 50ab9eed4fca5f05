package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/1ureka/syncwatch/internal/protocol"
	"github.com/1ureka/syncwatch/internal/registry"
)

// RoomView is the diagnostics shape of a room, also used as the mirrored
// record.
type RoomView struct {
	RoomID          string                 `json:"roomId"`
	Participants    []protocol.Participant `json:"participants"`
	CurrentVideoRef string                 `json:"currentVideoRef"`
	Playback        protocol.Playback      `json:"playbackSnapshot"`
}

func viewOf(snap registry.RoomSnapshot) RoomView {
	return RoomView{
		RoomID:          snap.ID,
		Participants:    participantsToWire(snap.Participants),
		CurrentVideoRef: snap.VideoRef,
		Playback:        playbackToWire(snap.Playback),
	}
}

// Mirror stores room views outside the process so that diagnostics lookups
// can answer for rooms held by another relay instance. It is never on the
// message path: writes are queued and applied by a background worker.
type Mirror interface {
	Save(ctx context.Context, v RoomView) error
	Delete(ctx context.Context, roomID string) error
	// Load returns registry.ErrRoomNotFound when no record exists.
	Load(ctx context.Context, roomID string) (RoomView, error)
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisMirror keeps one JSON record per room with a TTL, so records of a
// crashed relay expire on their own.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisMirror(rdb *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{rdb: rdb, ttl: ttl}
}

func roomKey(roomID string) string { return "syncwatch:room:" + roomID }

func (m *RedisMirror) Save(ctx context.Context, v RoomView) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, roomKey(v.RoomID), data, m.ttl).Err()
}

func (m *RedisMirror) Delete(ctx context.Context, roomID string) error {
	return m.rdb.Del(ctx, roomKey(roomID)).Err()
}

func (m *RedisMirror) Load(ctx context.Context, roomID string) (RoomView, error) {
	data, err := m.rdb.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return RoomView{}, fmt.Errorf("%q: %w", roomID, registry.ErrRoomNotFound)
	}
	if err != nil {
		return RoomView{}, err
	}

	var v RoomView
	if err := json.Unmarshal(data, &v); err != nil {
		return RoomView{}, fmt.Errorf("decode mirrored room %q: %w", roomID, err)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Background queue
// ---------------------------------------------------------------------------

const (
	mirrorQueueSize = 256
	mirrorTimeout   = 2 * time.Second
)

// mirrorOp is a save when view is set, a delete otherwise.
type mirrorOp struct {
	roomID string
	view   *RoomView
}

// mirrorQueue serializes mirror writes on one worker. A nil *mirrorQueue is
// a valid no-op.
type mirrorQueue struct {
	backend Mirror
	ops     chan mirrorOp
	log     *slog.Logger
}

func newMirrorQueue(m Mirror, log *slog.Logger) *mirrorQueue {
	return &mirrorQueue{backend: m, ops: make(chan mirrorOp, mirrorQueueSize), log: log}
}

func (q *mirrorQueue) save(reg *registry.Registry, roomID string) {
	if q == nil {
		return
	}
	snap, err := reg.Lookup(roomID)
	if err != nil {
		q.push(mirrorOp{roomID: roomID})
		return
	}
	v := viewOf(snap)
	q.push(mirrorOp{roomID: roomID, view: &v})
}

func (q *mirrorQueue) delete(roomID string) {
	if q == nil {
		return
	}
	q.push(mirrorOp{roomID: roomID})
}

func (q *mirrorQueue) push(op mirrorOp) {
	select {
	case q.ops <- op:
	default:
		q.log.Warn("mirror queue full, dropping update", slog.String("room", op.roomID))
	}
}

// run applies queued operations until ctx is cancelled.
func (q *mirrorQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-q.ops:
			q.apply(ctx, op)
		}
	}
}

func (q *mirrorQueue) apply(ctx context.Context, op mirrorOp) {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	var err error
	if op.view != nil {
		err = q.backend.Save(ctx, *op.view)
	} else {
		err = q.backend.Delete(ctx, op.roomID)
	}
	if err != nil {
		q.log.Warn("mirror write failed", slog.String("room", op.roomID), slog.Any("err", err))
	}
}

// RunMirror drives the background mirror worker until ctx is cancelled. It
// returns immediately when no mirror is configured.
func (s *Server) RunMirror(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	s.mirror.run(ctx)
	return nil
}
