package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/audiolibrelab/lambro/internal/artifact"
	"github.com/audiolibrelab/lambro/internal/backend"
	"github.com/audiolibrelab/lambro/internal/catalog"
	"github.com/audiolibrelab/lambro/internal/config"
	"github.com/audiolibrelab/lambro/internal/dial"
	"github.com/audiolibrelab/lambro/internal/play"
	"github.com/audiolibrelab/lambro/internal/session"
	"github.com/audiolibrelab/lambro/internal/share"
	"github.com/audiolibrelab/lambro/internal/store"
	"github.com/audiolibrelab/lambro/internal/theme"
)

// ErrNoArtifact is returned by playback and save operations before the first render.
var ErrNoArtifact = errors.New("nothing has been rendered yet")

// Service represents the core lambro service interface
type Service interface {
	// Session operations
	Controller() *session.Controller
	Submit(url string) error
	OpenShareLink(link share.Link) error
	WaitSettled(ctx context.Context) (session.Snapshot, error)
	Subscribe(fn session.Observer)

	// Playback operations
	Play() error
	Pause() error
	TogglePlayback() error
	SeekBy(delta time.Duration) error
	PlaybackStatus() PlaybackStatus

	// Artifact operations
	OpenArtifact() (*artifact.Artifact, afero.File, error)
	Save(dir string) (string, error)
	ShareLink() (string, error)

	// Pipeline operations
	RunPipeline(ctx context.Context, url string, tuning session.Tuning, steps string, outDir string) error

	// History and preset operations
	ListHistory(ctx context.Context, limit int) ([]store.HistoryEntry, error)
	ClearHistory(ctx context.Context) error
	SavePreset(ctx context.Context, name string, spec catalog.FrequencySpec) error
	ListPresets(ctx context.Context) ([]store.Preset, error)
	DeletePreset(ctx context.Context, name string) error
	ApplyPreset(ctx context.Context, name string) (catalog.FrequencySpec, error)

	// Backend operations
	Ping(ctx context.Context) (map[string]any, error)
	RunKeepAlive(ctx context.Context)

	// Information operations
	GetConfig() *config.Config
	GetLastError() string
	SessionID() string

	Close() error
}

// PlaybackStatus describes the transport.
type PlaybackStatus struct {
	Loaded     bool          `json:"loaded"`
	Playing    bool          `json:"playing"`
	Position   time.Duration `json:"position"`
	Duration   time.Duration `json:"duration"`
	Generation uint64        `json:"generation"`
}

type Option func(*options)

type options struct {
	fs        afero.Fs
	transport play.Transport
	applier   theme.Applier
	scheduler session.Scheduler
}

// WithFs stores artifacts and saved files on fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

func WithTransport(t play.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithThemeApplier receives every theme change of the pending tuning.
func WithThemeApplier(a theme.Applier) Option {
	return func(o *options) { o.applier = a }
}

func WithScheduler(s session.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

var _ Service = (*LambroService)(nil)

// LambroService is the main service implementation
type LambroService struct {
	cfg       *config.Config
	sessionID string
	fs        afero.Fs
	client    *backend.Client
	artifacts *artifact.Manager
	store     *store.Store
	transport play.Transport
	ctrl      *session.Controller

	mu          sync.Mutex
	changed     chan struct{}
	last        session.Snapshot
	subscribers []session.Observer
	loadedGen   uint64

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New wires the backend client, artifact manager, store, transport and
// session controller from cfg.
func New(cfg *config.Config, opts ...Option) (*LambroService, error) {
	o := options{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &LambroService{
		cfg:       cfg,
		sessionID: share.NewSessionID(),
		fs:        o.fs,
		changed:   make(chan struct{}),
	}

	s.client = backend.New(cfg.Backend.URL,
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithTrace(os.Getenv("LAMBRO_TRACE_HTTP") == "1"))

	artifacts, err := artifact.NewManager(o.fs, cfg.Storage.CacheDirectory, artifact.WithSessionID(s.sessionID))
	if err != nil {
		return nil, err
	}
	s.artifacts = artifacts

	db, err := store.Open(cfg.Storage.Database)
	if err != nil {
		return nil, err
	}
	s.store = db

	s.transport = o.transport
	if s.transport == nil {
		s.transport = play.New(play.WithPreferred(cfg.Player.Preferred))
	}

	cat := catalog.Default()
	quantizer, err := dial.ForCatalog(cat, dial.WithRadius(cfg.Dial.Radius), dial.WithTolerance(cfg.Dial.Tolerance))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("invalid dial configuration: %w", err)
	}

	ctrlOpts := []session.Option{
		session.WithCatalog(cat),
		session.WithQuantizer(quantizer),
		session.WithThemes(theme.NewSynchronizer(theme.Default(), o.applier)),
		session.WithObserver(s.onSnapshot),
		session.WithDefaultTuning(session.Tuning{
			PlaybackRate: cfg.Render.PlaybackRate,
			AIPreset:     cfg.Render.AIPreset,
		}),
	}
	if o.scheduler != nil {
		ctrlOpts = append(ctrlOpts, session.WithScheduler(o.scheduler))
	}

	ctrl, err := session.New(s.client, s.client, artifacts, ctrlOpts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ctrl = ctrl
	s.last = ctrl.Snapshot()

	slog.Debug("Service created", "session_id", s.sessionID, "backend", cfg.Backend.URL, "cache", cfg.Storage.CacheDirectory)
	return s, nil
}

func (s *LambroService) Controller() *session.Controller {
	return s.ctrl
}

func (s *LambroService) SessionID() string {
	return s.sessionID
}

func (s *LambroService) GetConfig() *config.Config {
	return s.cfg
}

// Subscribe registers fn for every controller snapshot. Like the controller's
// own observer, fn must not call back into the controller synchronously.
func (s *LambroService) Subscribe(fn session.Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Submit starts a new session for url.
func (s *LambroService) Submit(url string) error {
	s.clearLastError()
	err := s.ctrl.SubmitURL(url)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to submit URL: %v", err))
	}
	return err
}

// OpenShareLink starts a session whose first render already uses the
// link's frequency.
func (s *LambroService) OpenShareLink(link share.Link) error {
	s.clearLastError()
	initial := session.Tuning{
		Frequency:    link.Frequency,
		PlaybackRate: s.cfg.Render.PlaybackRate,
		AIPreset:     s.cfg.Render.AIPreset,
	}
	err := s.ctrl.SubmitURL(link.SourceURL, session.WithInitialTuning(initial))
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to open share link: %v", err))
	}
	return err
}

// WaitSettled blocks until the session is neither resolving nor rendering
// and the transport has caught up with the resulting snapshot.
func (s *LambroService) WaitSettled(ctx context.Context) (session.Snapshot, error) {
	for {
		s.mu.Lock()
		ch := s.changed
		snap := s.last
		s.mu.Unlock()

		if !snap.Phase.Busy() {
			return snap, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// onSnapshot runs under the controller's notification lock. It must not call
// back into the controller synchronously.
func (s *LambroService) onSnapshot(snap session.Snapshot) {
	s.mu.Lock()
	loaded := s.loadedGen
	s.mu.Unlock()

	switch {
	case snap.Artifact != nil && snap.Artifact.Generation != loaded:
		s.loadArtifact(snap)
	case snap.Artifact == nil && loaded != 0:
		s.transport.Close()
		s.mu.Lock()
		s.loadedGen = 0
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.last = snap
	close(s.changed)
	s.changed = make(chan struct{})
	subscribers := append([]session.Observer(nil), s.subscribers...)
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(snap)
	}
}

func (s *LambroService) loadArtifact(snap session.Snapshot) {
	a := snap.Artifact
	duration := s.artifactDuration(snap)

	s.mu.Lock()
	s.loadedGen = a.Generation
	s.mu.Unlock()

	if err := s.transport.Load(a.Path, duration); err != nil {
		go s.reportLoadFailure(snap.Generation, fmt.Errorf("failed to load audio: %w", err))
		return
	}

	entry := store.HistoryEntry{
		URL:       snap.SourceURL,
		Frequency: snap.Committed.Frequency.TargetFrequency(),
	}
	if snap.Source != nil {
		entry.Title = snap.Source.Title
	}
	if _, err := s.store.AddHistory(context.Background(), entry); err != nil {
		slog.Warn("Failed to record history", "error", err)
	}
}

// reportLoadFailure surfaces err unless a newer submit, commit or retry has
// superseded gen.
func (s *LambroService) reportLoadFailure(gen uint64, err error) {
	if cur := s.ctrl.Snapshot().Generation; cur != gen {
		slog.Debug("Dropping stale load failure", "generation", gen, "current", cur, "error", err)
		return
	}
	s.ctrl.ReportPlaybackFailure(err)
}

// artifactDuration prefers the decoded length and falls back to the source
// duration scaled by the tempo.
func (s *LambroService) artifactDuration(snap session.Snapshot) time.Duration {
	info, err := s.artifacts.Probe(snap.Artifact)
	if err == nil {
		return info.Duration
	}
	slog.Debug("Artifact probe failed", "error", err)
	if snap.Source == nil || snap.Source.Duration <= 0 {
		return 0
	}
	rate := snap.Committed.PlaybackRate
	if rate <= 0 {
		rate = session.DefaultPlaybackRate
	}
	return time.Duration(snap.Source.Duration / rate * float64(time.Second))
}

// Play starts the transport. Failures are surfaced on the session without
// changing its phase.
func (s *LambroService) Play() error {
	if s.ctrl.Snapshot().Artifact == nil {
		return ErrNoArtifact
	}
	if err := s.transport.Play(); err != nil {
		s.ctrl.ReportPlaybackFailure(err)
		return err
	}
	return nil
}

func (s *LambroService) Pause() error {
	if err := s.transport.Pause(); err != nil {
		s.ctrl.ReportPlaybackFailure(err)
		return err
	}
	return nil
}

func (s *LambroService) TogglePlayback() error {
	if s.transport.Playing() {
		return s.Pause()
	}
	return s.Play()
}

// SeekBy moves the playhead by delta, clamped to the artifact.
func (s *LambroService) SeekBy(delta time.Duration) error {
	if s.ctrl.Snapshot().Artifact == nil {
		return ErrNoArtifact
	}
	if err := s.transport.Seek(s.transport.Position() + delta); err != nil {
		s.ctrl.ReportPlaybackFailure(err)
		return err
	}
	return nil
}

func (s *LambroService) PlaybackStatus() PlaybackStatus {
	s.mu.Lock()
	gen := s.loadedGen
	s.mu.Unlock()
	return PlaybackStatus{
		Loaded:     gen != 0,
		Playing:    s.transport.Playing(),
		Position:   s.transport.Position(),
		Duration:   s.transport.Duration(),
		Generation: gen,
	}
}

// OpenArtifact opens the live artifact for reading. The caller closes the file.
func (s *LambroService) OpenArtifact() (*artifact.Artifact, afero.File, error) {
	a := s.ctrl.Snapshot().Artifact
	if a == nil {
		return nil, nil, ErrNoArtifact
	}
	f, err := s.artifacts.Open(a)
	if err != nil {
		return nil, nil, err
	}
	return a, f, nil
}

// Save copies the live artifact into dir as <title>_<frequency>hz.<ext>.
func (s *LambroService) Save(dir string) (string, error) {
	snap := s.ctrl.Snapshot()
	if snap.Artifact == nil {
		return "", ErrNoArtifact
	}

	title := "lambro"
	if snap.Source != nil && snap.Source.Title != "" {
		title = snap.Source.Title
	}
	name := SaveFileName(title, snap.Committed.Frequency, snap.Artifact.Extension())
	if dir == "" {
		dir = "."
	}
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, name)
	out, err := s.fs.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer out.Close()

	if _, err := s.artifacts.CopyTo(snap.Artifact, out); err != nil {
		return "", fmt.Errorf("failed to save artifact: %w", err)
	}
	slog.Info("Saved artifact", "path", path)
	return path, nil
}

// ShareLink encodes the current source and committed frequency.
func (s *LambroService) ShareLink() (string, error) {
	snap := s.ctrl.Snapshot()
	if snap.SourceURL == "" {
		return "", fmt.Errorf("no source to share")
	}
	return share.Build(s.cfg.Share.BaseURL, snap.SourceURL, snap.Committed.Frequency, s.sessionID)
}

// ValidatePipeline checks a pipeline string: r=resolve, t=tune, s=save,
// p=play. It must start with r and use each step at most once.
func ValidatePipeline(steps string) error {
	if steps == "" {
		return fmt.Errorf("pipeline cannot be empty")
	}
	seen := make(map[rune]bool)
	for i, step := range steps {
		switch step {
		case 'r', 't', 's', 'p':
		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: r=resolve, t=tune, s=save, p=play)", step)
		}
		if seen[step] {
			return fmt.Errorf("pipeline step '%c' repeated", step)
		}
		seen[step] = true
		if i == 0 && step != 'r' {
			return fmt.Errorf("pipeline must start with 'r' (resolve)")
		}
	}
	return nil
}

// RunPipeline executes a sequence of operations (r=resolve, t=tune, s=save, p=play)
func (s *LambroService) RunPipeline(ctx context.Context, url string, tuning session.Tuning, steps string, outDir string) error {
	if err := ValidatePipeline(steps); err != nil {
		return err
	}

	for _, step := range steps {
		switch step {
		case 'r':
			var opts []session.SubmitOption
			if strings.ContainsRune(steps, 't') {
				opts = append(opts, session.WithInitialTuning(tuning))
			}
			if err := s.ctrl.SubmitURL(url, opts...); err != nil {
				return s.pipelineError("resolve", err)
			}
			if err := s.settle(ctx, "resolve"); err != nil {
				return err
			}
		case 't':
			if err := s.tune(tuning); err != nil {
				return s.pipelineError("tune", err)
			}
			if err := s.settle(ctx, "tune"); err != nil {
				return err
			}
		case 's':
			path, err := s.Save(outDir)
			if err != nil {
				return s.pipelineError("save", err)
			}
			slog.Info("Saved artifact", "path", path)
		case 'p':
			if err := s.playToEnd(ctx); err != nil {
				return s.pipelineError("play", err)
			}
		}
	}
	return nil
}

func (s *LambroService) tune(t session.Tuning) error {
	if err := s.ctrl.SetPendingFrequency(t.Frequency); err != nil {
		return err
	}
	if err := s.ctrl.SetPendingRate(t.PlaybackRate); err != nil {
		return err
	}
	if err := s.ctrl.SetPendingAIPreset(t.AIPreset); err != nil {
		return err
	}
	return s.ctrl.Commit()
}

func (s *LambroService) settle(ctx context.Context, step string) error {
	snap, err := s.WaitSettled(ctx)
	if err != nil {
		return s.pipelineError(step, err)
	}
	if snap.Phase == session.PhaseFailed && snap.Error != nil {
		return s.pipelineError(step, errors.New(snap.Error.Message))
	}
	return nil
}

func (s *LambroService) playToEnd(ctx context.Context) error {
	if err := s.Play(); err != nil {
		return err
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for s.transport.Playing() {
		select {
		case <-ctx.Done():
			s.transport.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *LambroService) pipelineError(step string, err error) error {
	wrapped := fmt.Errorf("pipeline %s failed: %w", step, err)
	s.setLastError(wrapped.Error())
	return wrapped
}

func (s *LambroService) ListHistory(ctx context.Context, limit int) ([]store.HistoryEntry, error) {
	return s.store.ListHistory(ctx, limit)
}

func (s *LambroService) ClearHistory(ctx context.Context) error {
	return s.store.ClearHistory(ctx)
}

// SavePreset stores spec under name. spec must be in the catalog.
func (s *LambroService) SavePreset(ctx context.Context, name string, spec catalog.FrequencySpec) error {
	if !s.ctrl.Catalog().Contains(spec) {
		return fmt.Errorf("%s is not a catalog frequency", spec)
	}
	return s.store.SavePreset(ctx, store.Preset{Name: name, Frequency: spec.TargetFrequency()})
}

func (s *LambroService) ListPresets(ctx context.Context) ([]store.Preset, error) {
	return s.store.ListPresets(ctx)
}

func (s *LambroService) DeletePreset(ctx context.Context, name string) error {
	return s.store.DeletePreset(ctx, name)
}

// ApplyPreset stages the preset's frequency as pending. Nothing is rendered
// until the user commits.
func (s *LambroService) ApplyPreset(ctx context.Context, name string) (catalog.FrequencySpec, error) {
	p, err := s.store.GetPreset(ctx, name)
	if err != nil {
		return catalog.FrequencySpec{}, err
	}

	spec := s.ctrl.Catalog().Sentinel()
	if p.Frequency != nil {
		var ok bool
		spec, ok = s.ctrl.Catalog().Lookup(*p.Frequency)
		if !ok {
			return catalog.FrequencySpec{}, fmt.Errorf("preset %q refers to %g Hz which is not in the catalog", name, *p.Frequency)
		}
	}
	if err := s.ctrl.SetPendingFrequency(spec); err != nil {
		return catalog.FrequencySpec{}, err
	}
	return spec, nil
}

// Ping calls the backend keep-alive endpoint.
func (s *LambroService) Ping(ctx context.Context) (map[string]any, error) {
	status, err := s.client.KeepAlive(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Keep-alive failed: %v", err))
		return nil, err
	}
	return status, nil
}

// RunKeepAlive pings the backend every backend.keep_alive_interval until ctx
// is done. A zero interval disables it.
func (s *LambroService) RunKeepAlive(ctx context.Context) {
	interval := s.cfg.Backend.KeepAliveInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if _, err := s.Ping(pingCtx); err != nil {
				slog.Warn("Backend keep-alive failed", "error", err)
			} else {
				slog.Debug("Backend keep-alive ok")
			}
			cancel()
		}
	}
}

// Close tears down the session, the transport and the store.
func (s *LambroService) Close() error {
	s.ctrl.Close()
	s.transport.Close()
	s.artifacts.Close()
	return s.store.Close()
}

// SaveFileName builds <title>_<hz|original>hz.<ext>.
func SaveFileName(title string, spec catalog.FrequencySpec, ext string) string {
	name := cleanFileName(title)
	if name == "" {
		name = "lambro"
	}
	freq := "original"
	if !spec.IsDefault() {
		freq = strconv.FormatFloat(spec.Hz, 'f', -1, 64)
	}
	return fmt.Sprintf("%s_%shz.%s", name, freq, ext)
}

// GetLastError returns the last error message (thread-safe)
func (s *LambroService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *LambroService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *LambroService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

func cleanFileName(name string) string {
	// Remove special characters and replace spaces with underscores
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}
