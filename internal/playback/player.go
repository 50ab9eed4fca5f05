package playback

import "fmt"

// State is what a player reports about itself.
type State struct {
	VideoRef        string
	PositionSeconds float64
	IsPlaying       bool
}

// Player is the local media player the coordinator drives. Implementations
// call the coordinator's HandleLocalChange after every state change, whether
// the change came from the user or from the coordinator itself.
type Player interface {
	// Load replaces the current video and rewinds to 0, paused. It returns a
	// *PlayerError when the player rejects the reference.
	Load(ref string) error
	Seek(seconds float64)
	Play()
	Pause()
	State() State
}

// Player error codes, as reported by the embedded player.
const (
	CodeInvalidID   = 2
	CodeHTML5       = 5
	CodeNotFound    = 100
	CodeNotAllowed  = 101
	CodeNotAllowed2 = 150
)

var playerErrorText = map[int]string{
	CodeInvalidID:   "Invalid video ID",
	CodeHTML5:       "Video cannot be played in an HTML5 player",
	CodeNotFound:    "Video not found or is private",
	CodeNotAllowed:  "Video is not available in your country",
	CodeNotAllowed2: "Video is not available in your country",
}

// PlayerError is a playback rejection for one video reference. It only
// concerns the local user.
type PlayerError struct {
	Code int
	Ref  string
}

// Cause returns the human-readable reason for the code.
func (e *PlayerError) Cause() string {
	if s, ok := playerErrorText[e.Code]; ok {
		return s
	}
	return "Unknown error occurred"
}

func (e *PlayerError) Error() string {
	return fmt.Sprintf("player error %d for %q: %s", e.Code, e.Ref, e.Cause())
}
