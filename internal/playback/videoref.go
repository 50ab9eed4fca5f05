package playback

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnrecognizedVideoRef is returned for input that matches no known link
// form and is not a bare identifier.
var ErrUnrecognizedVideoRef = errors.New("unrecognized video reference")

// videoRefPatterns are tried in order; the first match wins.
var videoRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`youtube\.com/watch\?v=([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`youtu\.be/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`youtube\.com/embed/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`youtube\.com/v/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`youtube\.com/watch\?.*&v=([a-zA-Z0-9_-]{11})`),
}

var bareVideoID = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)

// ParseVideoRef resolves a user-supplied link or identifier into the
// canonical 11-character video identifier.
func ParseVideoRef(raw string) (string, error) {
	for _, re := range videoRefPatterns {
		if m := re.FindStringSubmatch(raw); m != nil {
			return m[1], nil
		}
	}

	if trimmed := strings.TrimSpace(raw); bareVideoID.MatchString(trimmed) {
		return trimmed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnrecognizedVideoRef, raw)
}
