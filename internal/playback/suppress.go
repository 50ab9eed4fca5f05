package playback

import "time"

// Suppression windows armed before the coordinator mutates the player.
const (
	CorrectionWindow = 500 * time.Millisecond
	LoadWindow       = 1000 * time.Millisecond
)

// suppression is idle until armed, then suppressing until a deadline. It is
// checked against the clock on every event; nothing fires when it expires.
type suppression struct {
	until time.Time
}

// arm extends the deadline to now+d. A shorter window never cuts a longer
// one short.
func (s *suppression) arm(now time.Time, d time.Duration) {
	if t := now.Add(d); t.After(s.until) {
		s.until = t
	}
}

func (s *suppression) active(now time.Time) bool {
	return now.Before(s.until)
}
