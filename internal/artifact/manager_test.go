package artifact

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func newTestManager(t *testing.T) (*Manager, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	m, err := NewManager(fs, "/cache", WithSessionID("sess"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, fs
}

func TestInstallReleasesPrevious(t *testing.T) {
	m, fs := newTestManager(t)

	a1, err := m.Install([]byte("one"), "audio/wav", "wav", 1)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if a1.Path != "/cache/sess-1.wav" || !strings.HasPrefix(a1.ObjectURL, "file://") {
		t.Errorf("unexpected artifact %+v", a1)
	}

	a2, err := m.Install([]byte("two"), "audio/wav", "wav", 2)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	if ok, _ := afero.Exists(fs, a1.Path); ok {
		t.Error("previous artifact file should be removed")
	}
	if ok, _ := afero.Exists(fs, a2.Path); !ok {
		t.Error("new artifact file should exist")
	}
	if m.Current() != a2 {
		t.Error("Current should be the newest artifact")
	}

	s := m.Stats()
	if s.Installs != 2 || s.Releases != 1 || s.Live != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	a, _ := m.Install([]byte("x"), "audio/wav", "wav", 1)
	m.Release(a)
	m.Release(a)
	m.Release(nil)

	s := m.Stats()
	if s.Releases != 1 || s.Live != 0 {
		t.Errorf("stats = %+v", s)
	}
	if m.Current() != nil {
		t.Error("Current should be nil after release")
	}
	if _, err := m.Open(a); !errors.Is(err, ErrReleased) {
		t.Errorf("Open after release = %v, want ErrReleased", err)
	}
}

func TestNeverMoreThanOneLive(t *testing.T) {
	m, _ := newTestManager(t)

	for gen := uint64(1); gen <= 20; gen++ {
		if _, err := m.Install([]byte("x"), "audio/wav", "wav", gen); err != nil {
			t.Fatalf("Install: %v", err)
		}
		s := m.Stats()
		if s.Live > 1 {
			t.Fatalf("gen %d: %d live artifacts", gen, s.Live)
		}
		if s.Releases < s.Installs-1 {
			t.Fatalf("gen %d: releases %d < installs-1 %d", gen, s.Releases, s.Installs-1)
		}
	}

	m.Close()
	s := m.Stats()
	if s.Live != 0 || s.Releases < s.Installs {
		t.Errorf("after Close stats = %+v", s)
	}
}

func TestInstallAfterCloseFails(t *testing.T) {
	m, _ := newTestManager(t)
	m.Close()
	if _, err := m.Install([]byte("x"), "audio/wav", "wav", 1); err == nil {
		t.Error("expected error installing into a closed manager")
	}
}

func TestInstallFailureKeepsPrevious(t *testing.T) {
	base := afero.NewMemMapFs()
	m, err := NewManager(base, "/cache", WithSessionID("sess"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	a1, _ := m.Install([]byte("one"), "audio/wav", "wav", 1)

	m.fs = afero.NewReadOnlyFs(base)
	if _, err := m.Install([]byte("two"), "audio/wav", "wav", 2); err == nil {
		t.Fatal("expected write error on a read-only fs")
	}
	if m.Current() != a1 {
		t.Error("failed install should leave the previous artifact live")
	}
}

func TestCopyTo(t *testing.T) {
	m, _ := newTestManager(t)
	a, _ := m.Install([]byte("payload"), "audio/wav", "wav", 1)

	var buf bytes.Buffer
	n, err := m.CopyTo(a, &buf)
	if err != nil || n != 7 || buf.String() != "payload" {
		t.Errorf("CopyTo = %d, %v, %q", n, err, buf.String())
	}
}

func TestProbeWav(t *testing.T) {
	m, _ := newTestManager(t)
	a, err := m.Install(pcmWav(8000, 1, 8000), "audio/wav", "wav", 1)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	info, err := m.Probe(a)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.SampleRate != 8000 || info.Channels != 1 || info.Duration != time.Second {
		t.Errorf("info = %+v", info)
	}
}

func TestProbeRejectsNonWav(t *testing.T) {
	m, _ := newTestManager(t)
	a, _ := m.Install([]byte{0xff, 0xfb}, "audio/mpeg", "mp3", 1)
	if _, err := m.Probe(a); err == nil {
		t.Error("expected error probing mp3")
	}
}

func TestProbeFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/out/Song_528hz.wav", pcmWav(16000, 2, 8000), 0644)

	info, err := ProbeFile(fs, "/out/Song_528hz.wav")
	if err != nil {
		t.Fatalf("ProbeFile: %v", err)
	}
	if info.SampleRate != 16000 || info.Channels != 2 || info.Duration != 500*time.Millisecond {
		t.Errorf("info = %+v", info)
	}
	if _, err := ProbeFile(fs, "/out/Song.mp3"); err == nil {
		t.Error("expected error probing mp3")
	}
}

// pcmWav builds a silent 16-bit PCM file.
func pcmWav(rate, channels, frames int) []byte {
	dataLen := frames * channels * 2
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+dataLen))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint16(channels))
	binary.Write(&b, binary.LittleEndian, uint32(rate))
	binary.Write(&b, binary.LittleEndian, uint32(rate*channels*2))
	binary.Write(&b, binary.LittleEndian, uint16(channels*2))
	binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(dataLen))
	b.Write(make([]byte, dataLen))
	return b.Bytes()
}
