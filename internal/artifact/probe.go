package artifact

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/gopxl/beep/v2/wav"
	"github.com/spf13/afero"
)

// Info describes a decoded artifact.
type Info struct {
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Duration   time.Duration `json:"duration"`
}

// Probe decodes the header of a WAV artifact. Other formats return an error,
// callers treat that as "unknown" rather than a failure.
func (m *Manager) Probe(a *Artifact) (Info, error) {
	if a.Extension() != "wav" {
		return Info{}, fmt.Errorf("cannot probe %s artifacts", a.Extension())
	}

	f, err := m.Open(a)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	return probeWAV(f)
}

// ProbeFile decodes the header of a WAV file outside the cache, such as a
// saved artifact.
func ProbeFile(fs afero.Fs, path string) (Info, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".wav" {
		return Info{}, fmt.Errorf("cannot probe %s files", ext)
	}
	f, err := fs.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	return probeWAV(f)
}

func probeWAV(r io.Reader) (Info, error) {
	streamer, format, err := wav.Decode(r)
	if err != nil {
		return Info{}, fmt.Errorf("failed to decode wav artifact: %w", err)
	}
	defer streamer.Close()

	return Info{
		SampleRate: int(format.SampleRate),
		Channels:   format.NumChannels,
		Duration:   format.SampleRate.D(streamer.Len()),
	}, nil
}
