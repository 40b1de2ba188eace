package play

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrNothingLoaded = errors.New("no audio loaded")

// Transport plays the installed artifact.
type Transport interface {
	Load(path string, duration time.Duration) error
	Play() error
	Pause() error
	Seek(pos time.Duration) error
	Position() time.Duration
	Duration() time.Duration
	Playing() bool
	Close() error
}

// DefaultPlayers is the lookup order when no player is preferred.
var DefaultPlayers = []string{"mpv", "ffplay", "vlc"}

type CommandFunc func(name string, args ...string) *exec.Cmd

type Option func(*ExecPlayer)

// WithPreferred tries name before the default players. "auto" and "" keep the default order.
func WithPreferred(name string) Option {
	return func(p *ExecPlayer) {
		if name != "" && name != "auto" {
			p.preferred = name
		}
	}
}

func WithLookPath(fn func(string) (string, error)) Option {
	return func(p *ExecPlayer) { p.lookPath = fn }
}

func WithCommand(fn CommandFunc) Option {
	return func(p *ExecPlayer) { p.command = fn }
}

// ExecPlayer drives an external audio player. Pausing stops the process and
// remembers the position; playing again restarts it at that offset.
type ExecPlayer struct {
	preferred string
	lookPath  func(string) (string, error)
	command   CommandFunc

	mu        sync.Mutex
	path      string
	duration  time.Duration
	offset    time.Duration
	startedAt time.Time
	cmd       *exec.Cmd
}

func New(opts ...Option) *ExecPlayer {
	p := &ExecPlayer{
		lookPath: exec.LookPath,
		command:  exec.Command,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load stops any playback and selects a new file. duration may be zero when unknown.
func (p *ExecPlayer) Load(path string, duration time.Duration) error {
	if path == "" {
		return ErrNothingLoaded
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.path = path
	p.duration = duration
	p.offset = 0
	return nil
}

func (p *ExecPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.path == "" {
		return ErrNothingLoaded
	}
	if p.cmd != nil {
		return nil
	}
	if p.duration > 0 && p.offset >= p.duration {
		p.offset = 0
	}
	return p.startLocked()
}

func (p *ExecPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return nil
	}
	p.offset = p.positionLocked()
	p.stopLocked()
	return nil
}

// Seek clamps pos to [0, duration] and restarts the player if it was playing.
func (p *ExecPlayer) Seek(pos time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.path == "" {
		return ErrNothingLoaded
	}
	p.offset = p.clamp(pos)
	if p.cmd == nil {
		return nil
	}
	p.stopLocked()
	return p.startLocked()
}

func (p *ExecPlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *ExecPlayer) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

func (p *ExecPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}

func (p *ExecPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.path = ""
	p.offset = 0
	return nil
}

func (p *ExecPlayer) startLocked() error {
	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	cmd := p.command(player, playerArgs(player, p.path, p.offset)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	slog.Debug("Playback started", "player", player, "file", p.path, "offset", p.offset)

	p.cmd = cmd
	p.startedAt = time.Now()
	go p.wait(cmd)
	return nil
}

// wait reaps the process. A player that exits on its own has reached the end.
func (p *ExecPlayer) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != cmd {
		return
	}
	if err != nil {
		slog.Debug("Player exited with error", "error", err)
		p.offset = p.positionLocked()
	} else {
		p.offset = p.duration
	}
	p.cmd = nil
}

func (p *ExecPlayer) stopLocked() {
	if p.cmd == nil {
		return
	}
	cmd := p.cmd
	p.cmd = nil
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func (p *ExecPlayer) positionLocked() time.Duration {
	if p.cmd == nil {
		return p.offset
	}
	return p.clamp(p.offset + time.Since(p.startedAt))
}

func (p *ExecPlayer) clamp(pos time.Duration) time.Duration {
	if pos < 0 {
		return 0
	}
	if p.duration > 0 && pos > p.duration {
		return p.duration
	}
	return pos
}

func (p *ExecPlayer) candidates() []string {
	if p.preferred == "" {
		return DefaultPlayers
	}
	players := []string{p.preferred}
	for _, name := range DefaultPlayers {
		if name != p.preferred {
			players = append(players, name)
		}
	}
	return players
}

func (p *ExecPlayer) findAudioPlayer() (string, error) {
	players := p.candidates()
	for _, player := range players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}

func playerArgs(player, path string, offset time.Duration) []string {
	start := strconv.FormatFloat(offset.Seconds(), 'f', 3, 64)
	switch player {
	case "mpv":
		return []string{"--no-video", "--really-quiet", "--start=" + start, path}
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "quiet", "-ss", start, path}
	case "vlc":
		return []string{"-I", "dummy", "--play-and-exit", "--start-time=" + start, path}
	default:
		return []string{path}
	}
}
