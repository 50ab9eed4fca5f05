package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/1ureka/syncwatch/internal/playback"
	"github.com/1ureka/syncwatch/internal/protocol"
	"github.com/1ureka/syncwatch/internal/registry"
)

// route applies one decoded message from c. Only join, leave, video and
// playback changes touch the registry; everything else is forwarded.
func (s *Server) route(c *client, msg protocol.Message) {
	s.stats.AddMessage()

	switch m := msg.(type) {
	case protocol.JoinRoom:
		s.join(c, m)
		return
	case protocol.LeaveRoom:
		s.leave(c)
		return
	}

	roomID, _ := c.room()
	if roomID == "" {
		s.replyError(c, "join a room first")
		return
	}

	switch m := msg.(type) {
	case protocol.Offer:
		s.forward(c, roomID, m.Target, protocol.Offer{Sender: c.id, SDP: m.SDP})
	case protocol.Answer:
		s.forward(c, roomID, m.Target, protocol.Answer{Sender: c.id, SDP: m.SDP})
	case protocol.ICECandidate:
		s.forward(c, roomID, m.Target, protocol.ICECandidate{Sender: c.id, Candidate: m.Candidate})

	case protocol.VideoChange:
		s.changeVideo(c, roomID, m)
	case protocol.PlayerStateChange:
		s.changePlayback(c, roomID, m)
	case protocol.SeekTo:
		s.broadcast(roomID, protocol.SeekTo{PositionSeconds: m.PositionSeconds, Sender: c.id}, c.id)

	default:
		s.replyError(c, fmt.Sprintf("unexpected message type %q", msg.Type()))
	}
}

func (s *Server) join(c *client, m protocol.JoinRoom) {
	roomID := strings.TrimSpace(m.RoomID)
	username := strings.TrimSpace(m.Username)

	if current, _ := c.room(); current != "" {
		s.leave(c)
	}

	snap := s.reg.Join(roomID, registry.Participant{
		ID:       c.id,
		Username: username,
		JoinedAt: s.now(),
	})
	c.setRoom(roomID, username)

	// The reply goes out before the announcement so that the newcomer knows
	// its own id before any offer addressed to it can arrive.
	s.sendTo(c, roomStateFor(c.id, snap))
	s.broadcast(roomID, protocol.UserJoined{ID: c.id, Username: username}, c.id)
	s.mirror.save(s.reg, roomID)

	c.log.Info("joined room",
		slog.String("room", roomID),
		slog.String("username", username),
		slog.Int("participants", len(snap.Participants)))
}

// leave removes c from its room, if any, and announces the departure.
func (s *Server) leave(c *client) {
	roomID, username := c.room()
	if roomID == "" {
		return
	}
	c.setRoom("", "")

	_, remaining, err := s.reg.Leave(roomID, c.id)
	if err != nil {
		c.log.Warn("leave failed", slog.String("room", roomID), slog.Any("err", err))
		return
	}

	if remaining == 0 {
		s.mirror.delete(roomID)
		c.log.Info("left room, room closed", slog.String("room", roomID))
		return
	}
	s.broadcast(roomID, protocol.UserLeft{ID: c.id, Username: username}, c.id)
	s.mirror.save(s.reg, roomID)
	c.log.Info("left room", slog.String("room", roomID), slog.Int("participants", remaining))
}

// forward delivers a negotiation message to target only, and only when the
// target is a member of the sender's room.
func (s *Server) forward(c *client, roomID, target string, out protocol.Message) {
	dst, ok := s.lookup(target)
	if ok {
		dstRoom, _ := dst.room()
		ok = dstRoom == roomID && target != c.id
	}
	if !ok {
		s.replyError(c, fmt.Sprintf("target %q is not in the room", target))
		return
	}
	s.sendTo(dst, out)
}

func (s *Server) changeVideo(c *client, roomID string, m protocol.VideoChange) {
	ref, err := playback.ParseVideoRef(m.VideoRef)
	if err != nil {
		s.replyError(c, err.Error())
		return
	}
	if err := s.reg.UpdateVideo(roomID, ref); err != nil {
		s.replyRegistryError(c, err)
		return
	}

	s.broadcast(roomID, protocol.VideoChanged{VideoRef: ref, Sender: c.id}, c.id)
	s.mirror.save(s.reg, roomID)
	c.log.Info("video changed", slog.String("room", roomID), slog.String("ref", ref))
}

func (s *Server) changePlayback(c *client, roomID string, m protocol.PlayerStateChange) {
	captured := protocol.FromMillis(m.Timestamp)
	if captured.IsZero() {
		captured = s.now()
	}

	applied, err := s.reg.UpdatePlayback(roomID, registry.Snapshot{
		PositionSeconds: m.PositionSeconds,
		IsPlaying:       m.IsPlaying,
		CapturedAt:      captured,
	})
	if err != nil {
		s.replyRegistryError(c, err)
		return
	}
	if !applied {
		c.log.Debug("stale playback update ignored", slog.String("room", roomID))
		return
	}

	s.broadcast(roomID, protocol.SyncPlayer{
		PositionSeconds: m.PositionSeconds,
		IsPlaying:       m.IsPlaying,
		Timestamp:       protocol.Millis(captured),
		Sender:          c.id,
	}, c.id)
	s.mirror.save(s.reg, roomID)
}

func (s *Server) replyRegistryError(c *client, err error) {
	if errors.Is(err, registry.ErrRoomNotFound) {
		s.replyError(c, registry.ErrRoomNotFound.Error())
		return
	}
	c.log.Error("registry update failed", slog.Any("err", err))
	s.replyError(c, "internal error")
}

// ---------------------------------------------------------------------------
// Wire views
// ---------------------------------------------------------------------------

func participantsToWire(ps []registry.Participant) []protocol.Participant {
	return lo.Map(ps, func(p registry.Participant, _ int) protocol.Participant {
		return protocol.Participant{ID: p.ID, Username: p.Username, JoinedAt: protocol.Millis(p.JoinedAt)}
	})
}

func playbackToWire(p registry.Snapshot) protocol.Playback {
	return protocol.Playback{
		PositionSeconds: p.PositionSeconds,
		IsPlaying:       p.IsPlaying,
		Timestamp:       protocol.Millis(p.CapturedAt),
	}
}

func roomStateFor(self string, snap registry.RoomSnapshot) protocol.RoomState {
	return protocol.RoomState{
		Self:            self,
		RoomID:          snap.ID,
		Participants:    participantsToWire(snap.Participants),
		CurrentVideoRef: snap.VideoRef,
		Playback:        playbackToWire(snap.Playback),
	}
}
