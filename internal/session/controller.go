// Package session implements the retune session state machine.
//
// The controller sequences resolve and render calls, owns the single live
// artifact through an ArtifactStore, and keeps the theme in step with the
// pending tuning. Pending changes never reach the network; only Commit,
// Retry and SubmitURL do.
//
// Every network call captures the generation current when it was issued.
// Responses from an older generation are dropped without touching state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/audiolibrelab/lambro/internal/artifact"
	"github.com/audiolibrelab/lambro/internal/backend"
	"github.com/audiolibrelab/lambro/internal/catalog"
	"github.com/audiolibrelab/lambro/internal/dial"
	"github.com/audiolibrelab/lambro/internal/theme"
)

// Resolver turns a media URL into a stream URL and metadata.
type Resolver interface {
	GetAudioInfo(ctx context.Context, url string) (backend.AudioInfo, error)
}

// Renderer produces a tuned audio payload.
type Renderer interface {
	ProcessAudio(ctx context.Context, req backend.ProcessRequest) (backend.Payload, error)
}

// ArtifactStore owns artifact resources. *artifact.Manager implements it.
type ArtifactStore interface {
	Install(data []byte, contentType, ext string, gen uint64) (*artifact.Artifact, error)
	Release(a *artifact.Artifact)
}

// Scheduler runs a network task. The default runs it on a new goroutine.
type Scheduler func(task func())

// Observer receives a snapshot after every state change. Observers must
// not call back into the controller.
type Observer func(Snapshot)

// Controller is the session state machine.
type Controller struct {
	catalog   *catalog.Catalog
	quantizer *dial.Quantizer
	themes    *theme.Synchronizer
	resolver  Resolver
	renderer  Renderer
	artifacts ArtifactStore
	schedule  Scheduler
	observer  Observer
	defaults  Tuning

	ctx    context.Context
	cancel context.CancelFunc

	notifyMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	sourceURL  string
	source     *Source
	committed  Tuning
	pending    Tuning
	generation uint64
	phase      Phase
	artifact   *artifact.Artifact
	lastErr    *ErrorInfo
}

// Option configures a Controller.
type Option func(*Controller)

// WithCatalog replaces the default Solfeggio catalog.
func WithCatalog(c *catalog.Catalog) Option {
	return func(ctl *Controller) { ctl.catalog = c }
}

// WithQuantizer sets the dial geometry. It must have one step per catalog entry.
func WithQuantizer(q *dial.Quantizer) Option {
	return func(ctl *Controller) { ctl.quantizer = q }
}

// WithThemes sets the theme synchronizer.
func WithThemes(s *theme.Synchronizer) Option {
	return func(ctl *Controller) { ctl.themes = s }
}

// WithScheduler overrides how network tasks are run.
func WithScheduler(s Scheduler) Option {
	return func(ctl *Controller) { ctl.schedule = s }
}

// WithObserver registers the state change callback.
func WithObserver(o Observer) Option {
	return func(ctl *Controller) { ctl.observer = o }
}

// WithDefaultTuning sets the tuning a new submission resets to. The
// frequency is always forced to the catalog sentinel.
func WithDefaultTuning(t Tuning) Option {
	return func(ctl *Controller) { ctl.defaults = t }
}

// New creates a controller in the Idle phase.
func New(resolver Resolver, renderer Renderer, artifacts ArtifactStore, opts ...Option) (*Controller, error) {
	c := &Controller{
		catalog:   catalog.Default(),
		resolver:  resolver,
		renderer:  renderer,
		artifacts: artifacts,
		schedule:  func(task func()) { go task() },
		defaults:  DefaultTuning(),
		phase:     PhaseIdle,
	}
	for _, opt := range opts {
		opt(c)
	}

	if resolver == nil || renderer == nil || artifacts == nil {
		return nil, fmt.Errorf("session requires a resolver, a renderer and an artifact store")
	}
	if c.quantizer == nil {
		q, err := dial.ForCatalog(c.catalog)
		if err != nil {
			return nil, err
		}
		c.quantizer = q
	}
	if c.quantizer.Steps() != c.catalog.Len() {
		return nil, fmt.Errorf("dial has %d steps but catalog has %d entries", c.quantizer.Steps(), c.catalog.Len())
	}
	if c.themes == nil {
		c.themes = theme.NewSynchronizer(theme.Default(), nil)
	}

	rate, err := NormalizeRate(c.defaults.PlaybackRate)
	if err != nil {
		return nil, fmt.Errorf("invalid default tuning: %w", err)
	}
	c.defaults.PlaybackRate = rate
	c.defaults.Frequency = c.catalog.Sentinel()

	c.committed = c.defaults
	c.pending = c.defaults
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.themes.Reset()
	return c, nil
}

// Catalog returns the frequency catalog in use.
func (c *Controller) Catalog() *catalog.Catalog {
	return c.catalog
}

// Quantizer returns the dial geometry in use.
func (c *Controller) Quantizer() *dial.Quantizer {
	return c.quantizer
}

// SubmitOption customizes a submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	initial *Tuning
}

// WithInitialTuning commits t as part of the submission, so the automatic
// render after resolve uses it. Used for share-link bootstrap.
func WithInitialTuning(t Tuning) SubmitOption {
	return func(o *submitOptions) { o.initial = &t }
}

// SubmitURL tears down the current session and starts resolving url. A blank
// url is rejected locally without touching the running session.
func (c *Controller) SubmitURL(url string, opts ...SubmitOption) error {
	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}

	url = strings.TrimSpace(url)
	if url == "" {
		return c.validationFailure(fmt.Errorf("%w: please enter a URL", ErrValidation))
	}

	tuning := c.defaults
	if so.initial != nil {
		t, err := c.canonical(*so.initial)
		if err != nil {
			return c.validationFailure(err)
		}
		tuning = t
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.teardownLocked()
	c.generation++
	gen := c.generation
	c.sourceURL = url
	c.source = nil
	c.committed = tuning
	c.pending = tuning
	c.phase = PhaseResolving
	c.lastErr = nil
	c.mu.Unlock()

	slog.Info("Submitting source", "url", url, "generation", gen)
	c.themes.Apply(tuning.Frequency)
	c.notify()

	c.schedule(func() { c.resolve(gen, url) })
	return nil
}

// SetPendingFrequency stages spec without rendering. The theme follows
// immediately.
func (c *Controller) SetPendingFrequency(spec catalog.FrequencySpec) error {
	if !c.catalog.Contains(spec) {
		return fmt.Errorf("%w: %s is not in the catalog", ErrValidation, spec)
	}
	return c.updatePending(func(t *Tuning) error {
		t.Frequency = c.catalog.ByIndex(c.catalog.IndexOf(spec))
		return nil
	})
}

// SetPendingIndex stages the catalog entry at index (wrapping).
func (c *Controller) SetPendingIndex(index int) error {
	return c.SetPendingFrequency(c.catalog.ByIndex(index))
}

// Step moves the pending frequency one dial position.
func (c *Controller) Step(dir dial.Direction) error {
	return c.updatePending(func(t *Tuning) error {
		next := c.quantizer.Step(c.catalog.IndexOf(t.Frequency), dir)
		t.Frequency = c.catalog.ByIndex(next)
		return nil
	})
}

// SetPendingAngle snaps a raw dial angle in degrees.
func (c *Controller) SetPendingAngle(deg float64) error {
	idx, _ := c.quantizer.Quantize(deg)
	return c.SetPendingIndex(idx)
}

// Pointer handles a pointer offset from the dial centre. Out-of-radius
// pointers are ignored and reported as false.
func (c *Controller) Pointer(dx, dy float64) (bool, error) {
	idx, _, ok := c.quantizer.Pointer(dx, dy)
	if !ok {
		return false, nil
	}
	return true, c.SetPendingIndex(idx)
}

// SetPendingRate stages a tempo change.
func (c *Controller) SetPendingRate(rate float64) error {
	r, err := NormalizeRate(rate)
	if err != nil {
		return err
	}
	return c.updatePending(func(t *Tuning) error {
		t.PlaybackRate = r
		return nil
	})
}

// NudgePendingRate moves the tempo by delta, clamped to the valid range.
func (c *Controller) NudgePendingRate(delta float64) error {
	return c.updatePending(func(t *Tuning) error {
		r := t.PlaybackRate + delta
		if r < MinPlaybackRate {
			r = MinPlaybackRate
		}
		if r > MaxPlaybackRate {
			r = MaxPlaybackRate
		}
		norm, err := NormalizeRate(r)
		if err != nil {
			return err
		}
		t.PlaybackRate = norm
		return nil
	})
}

// SetPendingAIPreset stages the AI preset flag.
func (c *Controller) SetPendingAIPreset(on bool) error {
	return c.updatePending(func(t *Tuning) error {
		t.AIPreset = on
		return nil
	})
}

func (c *Controller) updatePending(mutate func(*Tuning) error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	next := c.pending
	if err := mutate(&next); err != nil {
		c.mu.Unlock()
		return err
	}
	changed := !next.Equal(c.pending)
	c.pending = next
	c.mu.Unlock()

	c.themes.Apply(next.Frequency)
	if changed {
		slog.Debug("Pending tuning changed", "frequency", next.Frequency.Param(), "rate", next.PlaybackRate, "ai", next.AIPreset)
		c.notify()
	}
	return nil
}

// Commit promotes the pending tuning and starts a render. Committing an
// unchanged tuning is a no-op.
func (c *Controller) Commit() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.pending.Equal(c.committed) {
		c.mu.Unlock()
		return nil
	}
	if c.source == nil || (c.phase != PhaseReady && c.phase != PhaseFailed) {
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("%w: phase is %s", ErrCommitNotAllowed, phase)
	}

	c.committed = c.pending
	c.generation++
	gen := c.generation
	c.phase = PhaseRendering
	c.lastErr = nil
	req := c.requestLocked()
	freq := c.committed.Frequency.Param()
	c.mu.Unlock()

	slog.Info("Committing tuning", "frequency", freq, "generation", gen)
	c.notify()
	c.schedule(func() { c.render(gen, req) })
	return nil
}

// Retry repeats the stage that failed: the render of the committed tuning
// when a source is resolved, otherwise the resolve of the submitted URL.
func (c *Controller) Retry() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != PhaseFailed {
		c.mu.Unlock()
		return ErrNothingToRetry
	}

	c.generation++
	gen := c.generation
	c.lastErr = nil

	if c.source == nil {
		url := c.sourceURL
		c.phase = PhaseResolving
		c.mu.Unlock()

		slog.Info("Retrying resolve", "url", url, "generation", gen)
		c.notify()
		c.schedule(func() { c.resolve(gen, url) })
		return nil
	}

	c.phase = PhaseRendering
	req := c.requestLocked()
	c.mu.Unlock()

	slog.Info("Retrying render", "generation", gen)
	c.notify()
	c.schedule(func() { c.render(gen, req) })
	return nil
}

// DismissError clears the surfaced error. The phase is unchanged.
func (c *Controller) DismissError() {
	c.mu.Lock()
	had := c.lastErr != nil
	c.lastErr = nil
	c.mu.Unlock()
	if had {
		c.notify()
	}
}

// ReportPlaybackFailure surfaces a transport error without changing phase.
func (c *Controller) ReportPlaybackFailure(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lastErr = &ErrorInfo{Kind: KindPlayback, Message: err.Error()}
	c.mu.Unlock()

	slog.Warn("Playback failed", "error", err)
	c.notify()
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Close tears the session down. The live artifact is released even when a
// render is still in flight; its eventual response is dropped.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.teardownLocked()
	c.generation++
	c.phase = PhaseIdle
	c.mu.Unlock()

	c.cancel()
	slog.Debug("Session closed")
	return nil
}

func (c *Controller) resolve(gen uint64, url string) {
	info, err := c.resolver.GetAudioInfo(c.ctx, url)

	c.mu.Lock()
	if c.staleLocked(gen) {
		c.mu.Unlock()
		slog.Debug("Discarding stale resolve response", "generation", gen)
		return
	}
	if err != nil {
		c.phase = PhaseFailed
		c.lastErr = &ErrorInfo{Kind: KindResolve, Message: describe(err)}
		c.mu.Unlock()

		slog.Error("Resolve failed", "url", url, "error", err)
		c.notify()
		return
	}

	c.source = &Source{
		URL:            url,
		AudioStreamURL: info.AudioStreamURL,
		Title:          info.Title,
		Duration:       info.Duration,
		ThumbnailURL:   info.ThumbnailURL,
	}
	c.phase = PhaseRendering
	req := c.requestLocked()
	c.mu.Unlock()

	slog.Info("Source resolved", "title", info.Title, "duration", info.Duration, "generation", gen)
	c.notify()
	c.render(gen, req)
}

func (c *Controller) render(gen uint64, req backend.ProcessRequest) {
	payload, err := c.renderer.ProcessAudio(c.ctx, req)

	c.mu.Lock()
	if c.staleLocked(gen) {
		c.mu.Unlock()
		slog.Debug("Discarding stale render response", "generation", gen)
		return
	}
	if err != nil {
		c.phase = PhaseFailed
		c.lastErr = &ErrorInfo{Kind: KindRender, Message: describe(err)}
		c.mu.Unlock()

		slog.Error("Render failed", "generation", gen, "error", err)
		c.notify()
		return
	}

	a, err := c.artifacts.Install(payload.Data, payload.ContentType, payload.Extension(), gen)
	if err != nil {
		c.phase = PhaseFailed
		c.lastErr = &ErrorInfo{Kind: KindRender, Message: err.Error()}
		c.mu.Unlock()

		slog.Error("Failed to install artifact", "generation", gen, "error", err)
		c.notify()
		return
	}
	c.artifact = a
	c.phase = PhaseReady
	c.lastErr = nil
	c.mu.Unlock()

	slog.Info("Artifact ready", "path", a.Path, "generation", gen)
	c.notify()
}

func (c *Controller) staleLocked(gen uint64) bool {
	return c.closed || gen != c.generation
}

func (c *Controller) teardownLocked() {
	if c.artifact != nil {
		c.artifacts.Release(c.artifact)
		c.artifact = nil
	}
}

func (c *Controller) requestLocked() backend.ProcessRequest {
	req := backend.ProcessRequest{
		AudioStreamURL:  c.source.AudioStreamURL,
		TargetFrequency: c.committed.Frequency.TargetFrequency(),
		AIPreset:        c.committed.AIPreset,
	}
	if c.committed.PlaybackRate != DefaultPlaybackRate {
		req.PlaybackRate = c.committed.PlaybackRate
	}
	return req
}

func (c *Controller) canonical(t Tuning) (Tuning, error) {
	if !c.catalog.Contains(t.Frequency) {
		return Tuning{}, fmt.Errorf("%w: %s is not in the catalog", ErrValidation, t.Frequency)
	}
	t.Frequency = c.catalog.ByIndex(c.catalog.IndexOf(t.Frequency))
	if t.PlaybackRate == 0 {
		t.PlaybackRate = c.defaults.PlaybackRate
	}
	rate, err := NormalizeRate(t.PlaybackRate)
	if err != nil {
		return Tuning{}, err
	}
	t.PlaybackRate = rate
	return t, nil
}

func (c *Controller) validationFailure(err error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.lastErr = &ErrorInfo{Kind: KindValidation, Message: describe(err)}
	c.mu.Unlock()
	c.notify()
	return err
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		SourceURL:  c.sourceURL,
		Committed:  c.committed,
		Pending:    c.pending,
		Generation: c.generation,
		Phase:      c.phase,
		Artifact:   c.artifact,
		Dial:       c.quantizer.StateFor(c.catalog.IndexOf(c.committed.Frequency), c.catalog.IndexOf(c.pending.Frequency)),
		Theme:      c.pending.Frequency.Key(),
	}
	if c.source != nil {
		src := *c.source
		s.Source = &src
	}
	if c.lastErr != nil {
		e := *c.lastErr
		s.Error = &e
	}
	return s
}

func (c *Controller) notify() {
	if c.observer == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.observer(c.Snapshot())
}

// describe turns an error into the message shown to the user. Backend
// details are passed through verbatim.
func describe(err error) string {
	var apiErr *backend.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Error()
	case errors.Is(err, backend.ErrMalformedResponse):
		return "The audio service returned an unexpected response."
	case errors.Is(err, ErrValidation):
		return strings.TrimPrefix(err.Error(), ErrValidation.Error()+": ")
	default:
		return err.Error()
	}
}
