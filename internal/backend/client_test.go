package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func TestGetAudioInfo(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/get_audio_info" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["url"] != "https://youtube.com/watch?v=abc" {
			t.Errorf("url = %q", body["url"])
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"audio_stream_url":"s3://x","title":"T","duration":200}`)
	})

	info, err := c.GetAudioInfo(context.Background(), "https://youtube.com/watch?v=abc")
	if err != nil {
		t.Fatalf("GetAudioInfo: %v", err)
	}
	if info.AudioStreamURL != "s3://x" || info.Title != "T" || info.Duration != 200 {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestGetAudioInfoFloatDuration(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"audio_stream_url":"s3://x","title":"T","duration":12.5,"thumbnail_url":"http://img"}`)
	})

	info, err := c.GetAudioInfo(context.Background(), "u")
	if err != nil {
		t.Fatalf("GetAudioInfo: %v", err)
	}
	if info.Duration != 12.5 || info.ThumbnailURL != "http://img" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestGetAudioInfoMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>oops</html>`},
		{"missing stream url", `{"title":"T","duration":3}`},
		{"bad duration", `{"audio_stream_url":"s3://x","duration":-4}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			})
			_, err := c.GetAudioInfo(context.Background(), "u")
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("err = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestAPIErrorDetail(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		detail string
	}{
		{"detail", `{"detail":"Could not extract audio"}`, "Could not extract audio"},
		{"proxy error", `{"error":"upstream down"}`, "upstream down"},
		{"no body", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, tt.body)
			})
			_, err := c.GetAudioInfo(context.Background(), "u")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.Status != http.StatusBadRequest || apiErr.Detail != tt.detail {
				t.Errorf("got %+v", apiErr)
			}
			if tt.detail != "" && err.Error() != tt.detail {
				t.Errorf("Error() = %q, want verbatim detail", err.Error())
			}
		})
	}
}

func TestProcessAudioSendsNullForOriginal(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(raw), `"target_frequency":null`) {
			t.Errorf("body %s should carry a null target_frequency", raw)
		}
		if strings.Contains(string(raw), "playback_rate") {
			t.Errorf("body %s should omit an unset playback_rate", raw)
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write([]byte("RIFF"))
	})

	p, err := c.ProcessAudio(context.Background(), ProcessRequest{AudioStreamURL: "s3://x"})
	if err != nil {
		t.Fatalf("ProcessAudio: %v", err)
	}
	if string(p.Data) != "RIFF" || p.Extension() != "wav" {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestProcessAudioSendsTuning(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req ProcessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.TargetFrequency == nil || *req.TargetFrequency != 528 {
			t.Errorf("target_frequency = %v, want 528", req.TargetFrequency)
		}
		if req.PlaybackRate != 1.2 || !req.AIPreset {
			t.Errorf("unexpected tuning %+v", req)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte{0xff, 0xfb})
	})

	hz := 528.0
	p, err := c.ProcessAudio(context.Background(), ProcessRequest{
		AudioStreamURL:  "s3://x",
		TargetFrequency: &hz,
		PlaybackRate:    1.2,
		AIPreset:        true,
	})
	if err != nil {
		t.Fatalf("ProcessAudio: %v", err)
	}
	if p.Extension() != "mp3" {
		t.Errorf("Extension = %s, want mp3", p.Extension())
	}
}

func TestProcessAudioRejectsNonAudio(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	})

	_, err := c.ProcessAudio(context.Background(), ProcessRequest{AudioStreamURL: "s3://x"})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestProcessAudioServerError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"detail":"rubberband failed"}`)
	})

	_, err := c.ProcessAudio(context.Background(), ProcessRequest{AudioStreamURL: "s3://x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Detail != "rubberband failed" {
		t.Errorf("err = %v", err)
	}
}

func TestKeepAlive(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/keep-alive" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, `{"status":"alive"}`)
	})

	status, err := c.KeepAlive(context.Background())
	if err != nil {
		t.Fatalf("KeepAlive: %v", err)
	}
	if status["status"] != "alive" {
		t.Errorf("status = %v", status)
	}
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).GetAudioInfo(context.Background(), "u")
	if err == nil {
		t.Fatal("expected a network error")
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Errorf("network failure should not be an APIError: %v", err)
	}
}
