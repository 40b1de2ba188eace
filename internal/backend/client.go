package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"
)

// ErrMalformedResponse is returned when a success response does not match the
// expected schema. It is never coerced into a default track.
var ErrMalformedResponse = errors.New("malformed response from audio backend")

// APIError is a non-success response from the backend. Detail carries the
// server-supplied message verbatim when one was present.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("audio backend returned HTTP %d", e.Status)
}

// AudioInfo is the resolved source metadata.
type AudioInfo struct {
	AudioStreamURL string  `json:"audio_stream_url"`
	Title          string  `json:"title"`
	Duration       float64 `json:"duration"`
	ThumbnailURL   string  `json:"thumbnail_url,omitempty"`
}

// DurationValue returns Duration as a time.Duration.
func (a AudioInfo) DurationValue() time.Duration {
	return time.Duration(a.Duration * float64(time.Second))
}

// ProcessRequest is the render request body. TargetFrequency is nil for the
// original audio and is sent as JSON null.
type ProcessRequest struct {
	AudioStreamURL  string   `json:"audio_stream_url"`
	TargetFrequency *float64 `json:"target_frequency"`
	PlaybackRate    float64  `json:"playback_rate,omitempty"`
	AIPreset        bool     `json:"ai_preset,omitempty"`
}

// Payload is a rendered audio body.
type Payload struct {
	Data        []byte
	ContentType string
}

// Extension guesses a file extension from the payload content type.
func (p Payload) Extension() string {
	mediaType, _, err := mime.ParseMediaType(p.ContentType)
	if err != nil {
		return "wav"
	}
	switch mediaType {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/flac", "audio/x-flac":
		return "flac"
	case "audio/ogg":
		return "ogg"
	default:
		return "wav"
	}
}

// Client talks to the retune HTTP backend.
type Client struct {
	baseURL string
	http    *http.Client
	trace   bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithTrace dumps requests and responses at debug level.
func WithTrace(enabled bool) Option {
	return func(c *Client) { c.trace = enabled }
}

// New creates a backend client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetAudioInfo resolves a media URL into a stream URL and display metadata.
func (c *Client) GetAudioInfo(ctx context.Context, url string) (AudioInfo, error) {
	resp, err := c.postJSON(ctx, "/get_audio_info", map[string]string{"url": url})
	if err != nil {
		return AudioInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return AudioInfo{}, decodeAPIError(resp)
	}

	var raw struct {
		AudioStreamURL string      `json:"audio_stream_url"`
		Title          string      `json:"title"`
		Duration       json.Number `json:"duration"`
		ThumbnailURL   string      `json:"thumbnail_url"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return AudioInfo{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if raw.AudioStreamURL == "" {
		return AudioInfo{}, fmt.Errorf("%w: missing audio_stream_url", ErrMalformedResponse)
	}

	info := AudioInfo{
		AudioStreamURL: raw.AudioStreamURL,
		Title:          raw.Title,
		ThumbnailURL:   raw.ThumbnailURL,
	}
	if raw.Duration != "" {
		d, err := raw.Duration.Float64()
		if err != nil || d < 0 {
			return AudioInfo{}, fmt.Errorf("%w: invalid duration %q", ErrMalformedResponse, raw.Duration)
		}
		info.Duration = d
	}

	slog.Debug("Resolved audio info", "title", info.Title, "duration", info.Duration)
	return info, nil
}

// ProcessAudio requests a rendered artifact. The whole body is read before
// returning so the caller owns the bytes.
func (c *Client) ProcessAudio(ctx context.Context, req ProcessRequest) (Payload, error) {
	resp, err := c.postJSON(ctx, "/process_audio", req)
	if err != nil {
		return Payload{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Payload{}, decodeAPIError(resp)
	}

	contentType := resp.Header.Get("Content-Type")
	if !isAudioContent(contentType) {
		return Payload{}, fmt.Errorf("%w: unexpected content type %q", ErrMalformedResponse, contentType)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Payload{}, fmt.Errorf("error reading audio payload: %w", err)
	}
	if len(data) == 0 {
		return Payload{}, fmt.Errorf("%w: empty audio payload", ErrMalformedResponse)
	}
	return Payload{Data: data, ContentType: contentType}, nil
}

// KeepAlive pings the backend liveness endpoint.
func (c *Client) KeepAlive(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/keep-alive", nil)
	if err != nil {
		return nil, fmt.Errorf("error creating keep-alive request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(resp)
	}

	status := make(map[string]any)
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return status, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.trace {
		if dump, err := httputil.DumpRequestOut(req, true); err == nil {
			slog.Debug("Backend request", "dump", string(dump))
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}

	slog.Debug("Backend response", "path", req.URL.Path, "status", resp.StatusCode, "elapsed", time.Since(start))
	if c.trace {
		if dump, err := httputil.DumpResponse(resp, false); err == nil {
			slog.Debug("Backend response headers", "dump", string(dump))
		}
	}
	return resp, nil
}

// decodeAPIError reads {detail} or {error} from a failed response.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(body) == 0 {
		return apiErr
	}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return apiErr
	}

	switch {
	case len(payload.Detail) > 0:
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			apiErr.Detail = s
		} else {
			// FastAPI validation errors come back as a list
			apiErr.Detail = string(payload.Detail)
		}
	case payload.Error != "":
		apiErr.Detail = payload.Error
	}
	return apiErr
}

func isAudioContent(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "audio/") || mediaType == "application/octet-stream"
}
