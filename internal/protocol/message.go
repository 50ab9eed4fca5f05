// Package protocol defines the messages exchanged with the relay and over
// peer side-channels. Every message is a member of a closed set of types and
// is decoded exactly once, at the transport boundary.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType is the wire tag of a message.
type MessageType string

// Client -> relay.
const (
	TypeJoinRoom          MessageType = "join-room"
	TypeLeaveRoom         MessageType = "leave-room"
	TypeVideoChange       MessageType = "video-change"
	TypePlayerStateChange MessageType = "player-state-change"
)

// Relay -> client.
const (
	TypeRoomState    MessageType = "room-state"
	TypeUserJoined   MessageType = "user-joined"
	TypeUserLeft     MessageType = "user-left"
	TypeVideoChanged MessageType = "video-changed"
	TypeSyncPlayer   MessageType = "sync-player"
	TypeError        MessageType = "error"
)

// Both directions. Negotiation messages carry Target on the way in and
// Sender on the way out.
const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeSeekTo       MessageType = "seek-to"
)

// Peer side-channel only.
const (
	TypeChat      MessageType = "chat"
	TypeVideoSync MessageType = "video-sync"
)

// Message is implemented only by the types in this package.
type Message interface {
	Type() MessageType
	isMessage()
}

// Participant is the wire form of a room member.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	JoinedAt int64  `json:"joinedAt,omitempty"` // unix ms
}

// Playback is the wire form of a playback snapshot.
type Playback struct {
	PositionSeconds float64 `json:"positionSeconds"`
	IsPlaying       bool    `json:"isPlaying"`
	Timestamp       int64   `json:"timestamp"` // unix ms, capture time
}

type JoinRoom struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type LeaveRoom struct{}

// RoomState is the reply to a join. Self is the connection identifier the
// relay assigned to the receiver.
type RoomState struct {
	Self            string        `json:"self"`
	RoomID          string        `json:"roomId"`
	Participants    []Participant `json:"participants"`
	CurrentVideoRef string        `json:"currentVideoRef,omitempty"`
	Playback        Playback      `json:"playbackSnapshot"`
}

type UserJoined struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type UserLeft struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Offer struct {
	Target string `json:"target,omitempty"`
	Sender string `json:"sender,omitempty"`
	SDP    string `json:"sdp"`
}

type Answer struct {
	Target string `json:"target,omitempty"`
	Sender string `json:"sender,omitempty"`
	SDP    string `json:"sdp"`
}

// ICECandidate carries a JSON-encoded ICECandidateInit, forwarded verbatim.
type ICECandidate struct {
	Target    string          `json:"target,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

type VideoChange struct {
	VideoRef string `json:"videoRef"`
}

type VideoChanged struct {
	VideoRef string `json:"videoRef"`
	Sender   string `json:"sender,omitempty"`
}

type PlayerStateChange struct {
	PositionSeconds float64 `json:"positionSeconds"`
	IsPlaying       bool    `json:"isPlaying"`
	Timestamp       int64   `json:"timestamp"`
}

type SyncPlayer struct {
	PositionSeconds float64 `json:"positionSeconds"`
	IsPlaying       bool    `json:"isPlaying"`
	Timestamp       int64   `json:"timestamp"`
	Sender          string  `json:"sender,omitempty"`
}

type SeekTo struct {
	PositionSeconds float64 `json:"positionSeconds"`
	Sender          string  `json:"sender,omitempty"`
}

type Error struct {
	Message string `json:"message"`
}

type Chat struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender,omitempty"`
}

// VideoSync is the side-channel heartbeat. VideoRef lets peers converge on
// the reference as well as the position.
type VideoSync struct {
	VideoRef        string  `json:"videoRef,omitempty"`
	PositionSeconds float64 `json:"positionSeconds"`
	IsPlaying       bool    `json:"isPlaying"`
	Timestamp       int64   `json:"timestamp"`
	Sender          string  `json:"sender,omitempty"`
}

func (JoinRoom) Type() MessageType          { return TypeJoinRoom }
func (LeaveRoom) Type() MessageType         { return TypeLeaveRoom }
func (RoomState) Type() MessageType         { return TypeRoomState }
func (UserJoined) Type() MessageType        { return TypeUserJoined }
func (UserLeft) Type() MessageType          { return TypeUserLeft }
func (Offer) Type() MessageType             { return TypeOffer }
func (Answer) Type() MessageType            { return TypeAnswer }
func (ICECandidate) Type() MessageType      { return TypeICECandidate }
func (VideoChange) Type() MessageType       { return TypeVideoChange }
func (VideoChanged) Type() MessageType      { return TypeVideoChanged }
func (PlayerStateChange) Type() MessageType { return TypePlayerStateChange }
func (SyncPlayer) Type() MessageType        { return TypeSyncPlayer }
func (SeekTo) Type() MessageType            { return TypeSeekTo }
func (Error) Type() MessageType             { return TypeError }
func (Chat) Type() MessageType              { return TypeChat }
func (VideoSync) Type() MessageType         { return TypeVideoSync }

func (JoinRoom) isMessage()          {}
func (LeaveRoom) isMessage()         {}
func (RoomState) isMessage()         {}
func (UserJoined) isMessage()        {}
func (UserLeft) isMessage()          {}
func (Offer) isMessage()             {}
func (Answer) isMessage()            {}
func (ICECandidate) isMessage()      {}
func (VideoChange) isMessage()       {}
func (VideoChanged) isMessage()      {}
func (PlayerStateChange) isMessage() {}
func (SyncPlayer) isMessage()        {}
func (SeekTo) isMessage()            {}
func (Error) isMessage()             {}
func (Chat) isMessage()              {}
func (VideoSync) isMessage()         {}

// Millis converts t to unix milliseconds; the zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
