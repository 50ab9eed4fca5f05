package peer

import "encoding/json"

// ConnState is the lifecycle of the direct connection to one peer.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// ChannelState is the lifecycle of the side-channel carried by a connection.
type ChannelState int

const (
	ChannelNone ChannelState = iota
	ChannelOpening
	ChannelOpen
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelNone:
		return "none"
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

// ConnEvents are the callbacks a Conn reports through. They may run on any
// goroutine and must not block.
type ConnEvents struct {
	// OnCandidate receives each locally gathered network candidate, encoded
	// as JSON, ready to be sent to the peer.
	OnCandidate func(candidate json.RawMessage)
	OnState     func(ConnState)
	OnChannel   func(ChannelState)
	OnMessage   func(data []byte)
}

// Conn is one direct connection with an ordered, reliable side-channel.
// The initiating side creates the channel; the other side accepts it.
type Conn interface {
	// CreateOffer applies and returns a local offer. Initiator only.
	CreateOffer() (sdp string, err error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(sdp string) (answer string, err error)
	// AcceptAnswer applies the remote answer to an offer.
	AcceptAnswer(sdp string) error
	// AddCandidate applies a remote candidate. Candidates received before
	// the remote description are held until it is applied.
	AddCandidate(candidate json.RawMessage) error
	// Send queues data on the side-channel.
	Send(data []byte) error
	Close() error
}

// Dialer creates connections.
type Dialer interface {
	Dial(peerID string, initiator bool, ev ConnEvents) (Conn, error)
}
