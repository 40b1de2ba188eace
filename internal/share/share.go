// Package share encodes and decodes shareable session links of the form
// <base>?yt=<videoId>&freq=<hz|default>&session=<uuid>.
package share

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/audiolibrelab/lambro/internal/catalog"
)

const (
	ParamVideo     = "yt"
	ParamFrequency = "freq"
	ParamSession   = "session"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Link is a decoded share link.
type Link struct {
	VideoID   string                `json:"video_id"`
	SourceURL string                `json:"source_url"`
	Frequency catalog.FrequencySpec `json:"frequency"`
	SessionID string                `json:"session_id,omitempty"`
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// WatchURL reconstructs the canonical source URL for a video id.
func WatchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

// VideoID extracts the 11 character id from a YouTube URL or a bare id.
func VideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if videoIDPattern.MatchString(raw) {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("not a YouTube URL: %q", raw)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/shorts/"), strings.HasPrefix(u.Path, "/embed/"), strings.HasPrefix(u.Path, "/live/"):
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) >= 2 {
				id = parts[1]
			}
		}
	default:
		return "", fmt.Errorf("not a YouTube URL: %q", raw)
	}

	if !videoIDPattern.MatchString(id) {
		return "", fmt.Errorf("no video id in %q", raw)
	}
	return id, nil
}

// Build encodes a share link. sessionID may be empty.
func Build(base, sourceURL string, spec catalog.FrequencySpec, sessionID string) (string, error) {
	id, err := VideoID(sourceURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid share base URL %q", base)
	}

	q := u.Query()
	q.Set(ParamVideo, id)
	q.Set(ParamFrequency, spec.Param())
	if sessionID != "" {
		q.Set(ParamSession, sessionID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Parse decodes a share link against the catalog. A missing freq means the
// original audio; a freq outside the catalog is rejected.
func Parse(link string, c *catalog.Catalog) (Link, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return Link{}, fmt.Errorf("invalid share link: %w", err)
	}
	return FromQuery(u.Query(), c)
}

// FromQuery decodes share parameters from an already parsed query.
func FromQuery(q url.Values, c *catalog.Catalog) (Link, error) {
	id := q.Get(ParamVideo)
	if id == "" {
		return Link{}, fmt.Errorf("share link has no %q parameter", ParamVideo)
	}
	if !videoIDPattern.MatchString(id) {
		return Link{}, fmt.Errorf("invalid video id %q", id)
	}

	spec, err := c.Parse(q.Get(ParamFrequency))
	if err != nil {
		return Link{}, fmt.Errorf("invalid share frequency: %w", err)
	}

	session := q.Get(ParamSession)
	if session != "" {
		if _, err := uuid.Parse(session); err != nil {
			return Link{}, fmt.Errorf("invalid session id %q: %w", session, err)
		}
	}

	return Link{
		VideoID:   id,
		SourceURL: WatchURL(id),
		Frequency: spec,
		SessionID: session,
	}, nil
}
