package share

import (
	"net/url"
	"strings"
	"testing"

	"github.com/audiolibrelab/lambro/internal/catalog"
)

func TestVideoID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtube.com/watch?v=dQw4w9WgXcQ&t=42", "dQw4w9WgXcQ"},
		{"https://music.youtube.com/watch?v=dQw4w9WgXcQ&list=RD", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"dQw4w9WgXcQ", "dQw4w9WgXcQ"},
	}
	for _, tt := range tests {
		got, err := VideoID(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("VideoID(%q) = %q, %v", tt.in, got, err)
		}
	}

	for _, bad := range []string{"", "https://vimeo.com/123", "https://youtube.com/watch?v=short", "not a url"} {
		if _, err := VideoID(bad); err == nil {
			t.Errorf("VideoID(%q) should fail", bad)
		}
	}
}

func TestBuildAndParse(t *testing.T) {
	c := catalog.Default()
	session := NewSessionID()

	link, err := Build("https://lambro.example/", "https://youtu.be/dQw4w9WgXcQ", catalog.FrequencySpec{Hz: 528}, session)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	u, _ := url.Parse(link)
	if u.Query().Get("yt") != "dQw4w9WgXcQ" || u.Query().Get("freq") != "528" || u.Query().Get("session") != session {
		t.Errorf("unexpected link %s", link)
	}

	parsed, err := Parse(link, c)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.SourceURL != "https://www.youtube.com/watch?v=dQw4w9WgXcQ" || parsed.Frequency.Hz != 528 || parsed.Frequency.Label != "Miracle" {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestBuildDefaultFrequency(t *testing.T) {
	link, err := Build("https://lambro.example", "dQw4w9WgXcQ", catalog.Sentinel, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(link, "freq=default") || strings.Contains(link, "session=") {
		t.Errorf("link = %s", link)
	}
}

func TestParseRejectsBadLinks(t *testing.T) {
	c := catalog.Default()
	tests := []string{
		"https://lambro.example/?freq=528",
		"https://lambro.example/?yt=dQw4w9WgXcQ&freq=432",
		"https://lambro.example/?yt=dQw4w9WgXcQ&freq=loud",
		"https://lambro.example/?yt=bad&freq=528",
		"https://lambro.example/?yt=dQw4w9WgXcQ&session=nope",
	}
	for _, link := range tests {
		if _, err := Parse(link, c); err == nil {
			t.Errorf("Parse(%q) should fail", link)
		}
	}
}

func TestParseMissingFrequencyIsOriginal(t *testing.T) {
	l, err := Parse("https://lambro.example/?yt=dQw4w9WgXcQ", catalog.Default())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !l.Frequency.IsDefault() {
		t.Errorf("frequency = %+v, want sentinel", l.Frequency)
	}
}
