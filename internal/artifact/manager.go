// Package artifact owns the single live rendered audio file of a session.
//
// A Manager hands out at most one live Artifact at a time. Installing a new
// artifact releases the previous one in the same step, and Close releases
// whatever is left regardless of in-flight renders.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ErrReleased is returned when opening an artifact that has already been released.
var ErrReleased = errors.New("artifact has been released")

// Artifact is a playable rendered file.
type Artifact struct {
	ObjectURL   string `json:"object_url"`
	Path        string `json:"path"`
	Generation  uint64 `json:"generation"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Extension returns the file extension without the dot.
func (a *Artifact) Extension() string {
	return strings.TrimPrefix(filepath.Ext(a.Path), ".")
}

// Stats counts lifecycle events.
type Stats struct {
	Installs int `json:"installs"`
	Releases int `json:"releases"`
	Live     int `json:"live"`
}

// Manager stores artifacts on an afero filesystem.
type Manager struct {
	fs        afero.Fs
	dir       string
	sessionID string

	mu      sync.Mutex
	current *Artifact
	live    map[string]bool
	stats   Stats
	closed  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithSessionID sets the file name prefix. Defaults to a random UUID.
func WithSessionID(id string) Option {
	return func(m *Manager) { m.sessionID = id }
}

// NewManager creates a manager writing under dir on fs.
func NewManager(fs afero.Fs, dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		fs:        fs,
		dir:       dir,
		sessionID: uuid.NewString(),
		live:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	return m, nil
}

// NewOsManager is NewManager on the real filesystem.
func NewOsManager(dir string, opts ...Option) (*Manager, error) {
	return NewManager(afero.NewOsFs(), dir, opts...)
}

// Install stores data as the session's artifact for generation gen. The
// previously installed artifact is released before Install returns. If the
// write fails the previous artifact stays live.
func (m *Manager) Install(data []byte, contentType, ext string, gen uint64) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("artifact manager is closed")
	}
	if ext == "" {
		ext = "wav"
	}

	path := filepath.Join(m.dir, fmt.Sprintf("%s-%d.%s", m.sessionID, gen, ext))
	if err := afero.WriteFile(m.fs, path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}

	if m.current != nil && m.current.Path != path {
		m.releaseLocked(m.current)
	}

	a := &Artifact{
		ObjectURL:   (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(),
		Path:        path,
		Generation:  gen,
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	if !m.live[path] {
		m.live[path] = true
		m.stats.Live++
	}
	m.stats.Installs++
	m.current = a

	slog.Debug("Installed artifact", "path", path, "generation", gen, "bytes", len(data))
	return a, nil
}

// Release frees a. Releasing nil or an already released artifact is a no-op.
func (m *Manager) Release(a *Artifact) {
	if a == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(a)
}

func (m *Manager) releaseLocked(a *Artifact) {
	if !m.live[a.Path] {
		return
	}
	if err := m.fs.Remove(a.Path); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
		slog.Warn("Failed to remove artifact", "path", a.Path, "error", err)
	}
	delete(m.live, a.Path)
	m.stats.Live--
	m.stats.Releases++
	if m.current != nil && m.current.Path == a.Path {
		m.current = nil
	}
	slog.Debug("Released artifact", "path", a.Path, "generation", a.Generation)
}

// Current returns the live artifact, if any.
func (m *Manager) Current() *Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Stats returns a snapshot of the lifecycle counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Open opens a live artifact for reading.
func (m *Manager) Open(a *Artifact) (afero.File, error) {
	if a == nil {
		return nil, ErrReleased
	}
	m.mu.Lock()
	live := m.live[a.Path]
	m.mu.Unlock()
	if !live {
		return nil, ErrReleased
	}
	return m.fs.Open(a.Path)
}

// CopyTo writes the artifact contents to w.
func (m *Manager) CopyTo(a *Artifact, w io.Writer) (int64, error) {
	f, err := m.Open(a)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

// Close releases the current artifact and refuses further installs.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.releaseLocked(m.current)
	}
	m.closed = true
	return nil
}
