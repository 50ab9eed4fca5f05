package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed is returned for payloads that are not a valid envelope or
	// whose fields fail validation.
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownType is returned for envelopes carrying an unrecognized tag.
	ErrUnknownType = errors.New("unknown message type")
)

// envelope is the JSON frame of every message: {"type": ..., "payload": {...}}.
type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type decoder func(json.RawMessage) (Message, error)

var decoders = map[MessageType]decoder{
	TypeJoinRoom:          decodeAs[JoinRoom],
	TypeLeaveRoom:         decodeAs[LeaveRoom],
	TypeRoomState:         decodeAs[RoomState],
	TypeUserJoined:        decodeAs[UserJoined],
	TypeUserLeft:          decodeAs[UserLeft],
	TypeOffer:             decodeAs[Offer],
	TypeAnswer:            decodeAs[Answer],
	TypeICECandidate:      decodeAs[ICECandidate],
	TypeVideoChange:       decodeAs[VideoChange],
	TypeVideoChanged:      decodeAs[VideoChanged],
	TypePlayerStateChange: decodeAs[PlayerStateChange],
	TypeSyncPlayer:        decodeAs[SyncPlayer],
	TypeSeekTo:            decodeAs[SeekTo],
	TypeError:             decodeAs[Error],
	TypeChat:              decodeAs[Chat],
	TypeVideoSync:         decodeAs[VideoSync],
}

// validator is implemented by messages with required fields.
type validator interface {
	validate() error
}

// Encode serializes a message into its envelope.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return json.Marshal(envelope{Type: m.Type(), Payload: payload})
}

// Decode parses an envelope into the concrete message value it carries.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	dec, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	msg, err := dec(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	if v, ok := msg.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
	}
	return msg, nil
}

func decodeAs[T Message](payload json.RawMessage) (Message, error) {
	var m T
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m JoinRoom) validate() error {
	if strings.TrimSpace(m.RoomID) == "" {
		return errors.New("roomId is required")
	}
	if strings.TrimSpace(m.Username) == "" {
		return errors.New("username is required")
	}
	return nil
}

func (m Offer) validate() error {
	if m.SDP == "" {
		return errors.New("sdp is required")
	}
	return nil
}

func (m Answer) validate() error {
	if m.SDP == "" {
		return errors.New("sdp is required")
	}
	return nil
}

func (m ICECandidate) validate() error {
	if len(m.Candidate) == 0 || string(m.Candidate) == "null" {
		return errors.New("candidate is required")
	}
	return nil
}

func (m PlayerStateChange) validate() error {
	if m.PositionSeconds < 0 {
		return errors.New("negative position")
	}
	return nil
}

func (m SeekTo) validate() error {
	if m.PositionSeconds < 0 {
		return errors.New("negative position")
	}
	return nil
}

func (m Chat) validate() error {
	if strings.TrimSpace(m.Message) == "" {
		return errors.New("empty chat message")
	}
	return nil
}
