package util

import (
	"strings"
	"testing"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{1024 * 1024 * 5, " 5.0 MiB"},
	}

	for _, tc := range testCases {
		got := formatBytes(tc.in)
		if got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("formatBytes(%v) has width %d, want 8", tc.in, len(got))
		}
	}
}

func TestStatsSample(t *testing.T) {
	var s Stats
	s.AddConn()
	s.AddConn()
	s.RemoveConn()
	s.AddMessage()
	s.AddIn(100)
	s.AddOut(250)

	cur := takeSample(&s, 3)
	if cur.active != 1 || cur.messages != 1 || cur.rooms != 3 {
		t.Errorf("sample = %+v", cur)
	}
	if !cur.changedFrom(sample{}) {
		t.Error("sample should differ from the zero sample")
	}
	if cur.changedFrom(cur) {
		t.Error("identical samples reported as changed")
	}

	line := formatStats(cur, sample{})
	if !strings.Contains(line, "Rooms:   3") || !strings.Contains(line, "Conns:   1") {
		t.Errorf("unexpected stats line %q", line)
	}
}
