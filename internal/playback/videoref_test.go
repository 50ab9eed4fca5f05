package playback

import (
	"errors"
	"testing"
)

func TestParseVideoRef(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{"watch link", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"short link", "https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"embed link", "https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"bare id", "dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"bare id with spaces", "  dQw4w9WgXcQ\n", "dQw4w9WgXcQ"},
		{"legacy v path", "http://youtube.com/v/dQw4w9WgXcQ?version=3", "dQw4w9WgXcQ"},
		{"v not first", "https://www.youtube.com/watch?list=PL123&v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"short link with time", "https://youtu.be/dQw4w9WgXcQ?t=42", "dQw4w9WgXcQ"},
		{"mobile host", "https://m.youtube.com/watch?v=dQw4w9WgXcQ&feature=share", "dQw4w9WgXcQ"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseVideoRef(tc.in)
			if err != nil {
				t.Fatalf("ParseVideoRef(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("ParseVideoRef(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseVideoRefRejects(t *testing.T) {
	for _, in := range []string{
		"not a url",
		"",
		"https://vimeo.com/12345678",
		"dQw4w9WgXc",   // 10 characters
		"dQw4w9WgXcQQ", // 12 characters
		"https://www.youtube.com/watch?v=short",
	} {
		if got, err := ParseVideoRef(in); !errors.Is(err, ErrUnrecognizedVideoRef) {
			t.Errorf("ParseVideoRef(%q) = %q, %v; want ErrUnrecognizedVideoRef", in, got, err)
		}
	}
}
