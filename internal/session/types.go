package session

import (
	"errors"
	"fmt"
	"math"

	"github.com/audiolibrelab/lambro/internal/artifact"
	"github.com/audiolibrelab/lambro/internal/catalog"
	"github.com/audiolibrelab/lambro/internal/dial"
)

// Phase is the controller's pipeline state
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseResolving Phase = "RESOLVING_SOURCE"
	PhaseRendering Phase = "RENDERING_ARTIFACT"
	PhaseReady     Phase = "READY"
	PhaseFailed    Phase = "FAILED"
)

// Busy reports whether a network stage is in flight.
func (p Phase) Busy() bool {
	return p == PhaseResolving || p == PhaseRendering
}

// ErrorKind classifies user-facing errors.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindResolve    ErrorKind = "resolve"
	KindRender     ErrorKind = "render"
	KindPlayback   ErrorKind = "playback"
)

// ErrorInfo is the dismissable error shown to the user.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e ErrorInfo) String() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

var (
	// ErrValidation marks local input errors. No network call is made.
	ErrValidation = errors.New("invalid input")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session is closed")
	// ErrCommitNotAllowed is returned when commit is requested outside Ready/Failed
	// or before a source has been resolved.
	ErrCommitNotAllowed = errors.New("commit not allowed in current phase")
	// ErrNothingToRetry is returned by Retry when the session has not failed.
	ErrNothingToRetry = errors.New("nothing to retry")
)

const (
	MinPlaybackRate     = 0.5
	MaxPlaybackRate     = 2.0
	PlaybackRateStep    = 0.1
	DefaultPlaybackRate = 1.0
)

// Tuning is the full render request a user can stage and commit.
type Tuning struct {
	Frequency    catalog.FrequencySpec `json:"frequency"`
	PlaybackRate float64               `json:"playback_rate"`
	AIPreset     bool                  `json:"ai_preset"`
}

// DefaultTuning is the original audio at normal speed.
func DefaultTuning() Tuning {
	return Tuning{Frequency: catalog.Sentinel, PlaybackRate: DefaultPlaybackRate}
}

// Equal compares all fields, frequencies by value.
func (t Tuning) Equal(o Tuning) bool {
	return t.Frequency.Equal(o.Frequency) &&
		math.Abs(t.PlaybackRate-o.PlaybackRate) < 1e-9 &&
		t.AIPreset == o.AIPreset
}

// NormalizeRate snaps a tempo to the 0.1 grid and checks its range.
func NormalizeRate(rate float64) (float64, error) {
	if math.IsNaN(rate) || rate < MinPlaybackRate-1e-9 || rate > MaxPlaybackRate+1e-9 {
		return 0, fmt.Errorf("%w: playback rate %v outside [%.1f, %.1f]", ErrValidation, rate, MinPlaybackRate, MaxPlaybackRate)
	}
	return math.Round(rate*10) / 10, nil
}

// Source is the resolved media metadata.
type Source struct {
	URL            string  `json:"url"`
	AudioStreamURL string  `json:"audio_stream_url"`
	Title          string  `json:"title"`
	Duration       float64 `json:"duration"`
	ThumbnailURL   string  `json:"thumbnail_url,omitempty"`
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	SourceURL  string             `json:"source_url"`
	Source     *Source            `json:"source,omitempty"`
	Committed  Tuning             `json:"committed"`
	Pending    Tuning             `json:"pending"`
	Generation uint64             `json:"generation"`
	Phase      Phase              `json:"phase"`
	Artifact   *artifact.Artifact `json:"artifact,omitempty"`
	Error      *ErrorInfo         `json:"error,omitempty"`
	Dial       dial.State         `json:"dial"`
	Theme      string             `json:"theme"`
}

// Dirty reports whether the pending tuning differs from the committed one.
func (s Snapshot) Dirty() bool {
	return !s.Pending.Equal(s.Committed)
}

// CanCommit mirrors the rules enforced by Commit.
func (s Snapshot) CanCommit() bool {
	return s.Dirty() && s.Source != nil && (s.Phase == PhaseReady || s.Phase == PhaseFailed)
}
