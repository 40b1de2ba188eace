package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/audiolibrelab/lambro/internal/config"
	"github.com/audiolibrelab/lambro/internal/service"
	"github.com/audiolibrelab/lambro/internal/session"
)

type testEnv struct {
	svc     *service.LambroService
	handler http.Handler
	renders *atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	renders := &atomic.Int32{}
	mux := http.NewServeMux()
	mux.HandleFunc("/get_audio_info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"audio_stream_url": "https://cdn.example/stream",
			"title":            "Test Song",
			"duration":         1.5,
		})
	})
	mux.HandleFunc("/process_audio", func(w http.ResponseWriter, r *http.Request) {
		renders.Add(1)
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(silentWav())
	})
	backend := httptest.NewServer(mux)
	t.Cleanup(backend.Close)

	cfg := config.Default()
	cfg.Backend.URL = backend.URL
	cfg.Storage.CacheDirectory = "/cache"
	cfg.Storage.Database = filepath.Join(t.TempDir(), "lambro.db")

	svc, err := service.New(cfg, service.WithFs(afero.NewMemMapFs()))
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	return &testEnv{svc: svc, handler: New(svc, "0").Handler(), renders: renders}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.svc.WaitSettled(ctx); err != nil {
		t.Fatalf("WaitSettled: %v", err)
	}
}

func (e *testEnv) status(t *testing.T) StatusResponse {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d", rec.Code)
	}
	var st StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

func TestSubmitAndStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/submit", SubmitRequest{URL: "https://youtu.be/dQw4w9WgXcQ"})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit code %d: %s", rec.Code, rec.Body)
	}
	env.settle(t)

	st := env.status(t)
	if st.Phase != string(session.PhaseReady) {
		t.Fatalf("phase = %s", st.Phase)
	}
	if st.Message != "Test Song" || st.Theme.Key != "default" {
		t.Errorf("message %q theme %q", st.Message, st.Theme.Key)
	}
	if st.Artifact == nil || !strings.HasPrefix(st.Artifact.URL, "/api/artifact") {
		t.Errorf("artifact = %+v", st.Artifact)
	}
	if st.Theme.Vars["--theme-accent"] == "" {
		t.Error("theme vars missing accent")
	}
}

func TestSubmitBlankURL(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/submit", SubmitRequest{URL: "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
	st := env.status(t)
	if st.Phase != string(session.PhaseIdle) || st.Session.Error == nil || st.Session.Error.Kind != session.KindValidation {
		t.Errorf("status = %+v", st)
	}
}

func TestPendingThenCommit(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/submit", SubmitRequest{URL: "https://youtu.be/dQw4w9WgXcQ"})
	env.settle(t)

	freq := "528"
	rec := env.do(t, http.MethodPost, "/api/pending", PendingRequest{Frequency: &freq})
	if rec.Code != http.StatusOK {
		t.Fatalf("pending code %d: %s", rec.Code, rec.Body)
	}
	st := env.status(t)
	if st.Session.Pending.Frequency.Hz != 528 || !st.Session.Committed.Frequency.IsDefault() {
		t.Errorf("pending %v committed %v", st.Session.Pending.Frequency, st.Session.Committed.Frequency)
	}
	if !st.Dirty || !st.CanCommit || st.Theme.Key != "528" {
		t.Errorf("dirty %v can_commit %v theme %s", st.Dirty, st.CanCommit, st.Theme.Key)
	}
	if env.renders.Load() != 1 {
		t.Errorf("staging must not render, renders = %d", env.renders.Load())
	}

	if rec := env.do(t, http.MethodPost, "/api/commit", nil); rec.Code != http.StatusOK {
		t.Fatalf("commit code %d: %s", rec.Code, rec.Body)
	}
	env.settle(t)
	st = env.status(t)
	if st.Session.Committed.Frequency.Hz != 528 || st.Dirty {
		t.Errorf("after commit: %+v", st.Session.Committed)
	}
	if env.renders.Load() != 2 {
		t.Errorf("renders = %d, want 2", env.renders.Load())
	}
}

func TestPendingStepAndPointer(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/api/pending", PendingRequest{Step: "prev"})
	if st := env.status(t); st.Session.Pending.Frequency.Hz != 963 {
		t.Errorf("prev from original should wrap to 963, got %v", st.Session.Pending.Frequency)
	}

	// Straight up is index 0; far outside the radius is ignored.
	dx, dy := 0.0, -90.0
	env.do(t, http.MethodPost, "/api/pending", PendingRequest{PointerX: &dx, PointerY: &dy})
	if st := env.status(t); !st.Session.Pending.Frequency.IsDefault() {
		t.Errorf("pointer at top should select original, got %v", st.Session.Pending.Frequency)
	}
	far := -500.0
	env.do(t, http.MethodPost, "/api/pending", PendingRequest{Step: "next"})
	env.do(t, http.MethodPost, "/api/pending", PendingRequest{PointerX: &dx, PointerY: &far})
	if st := env.status(t); st.Session.Pending.Frequency.Hz != 174 {
		t.Errorf("out-of-radius pointer changed pending to %v", st.Session.Pending.Frequency)
	}

	if rec := env.do(t, http.MethodPost, "/api/pending", PendingRequest{Step: "sideways"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad step code = %d", rec.Code)
	}
	bad := "432"
	if rec := env.do(t, http.MethodPost, "/api/pending", PendingRequest{Frequency: &bad}); rec.Code != http.StatusBadRequest {
		t.Errorf("off-catalog frequency code = %d", rec.Code)
	}
}

func TestCommitAndRetryConflicts(t *testing.T) {
	env := newTestEnv(t)

	freq := "528"
	env.do(t, http.MethodPost, "/api/pending", PendingRequest{Frequency: &freq})
	if rec := env.do(t, http.MethodPost, "/api/commit", nil); rec.Code != http.StatusConflict {
		t.Errorf("commit without source code = %d, want 409", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/retry", nil); rec.Code != http.StatusConflict {
		t.Errorf("retry without failure code = %d, want 409", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/commit", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET commit code = %d, want 405", rec.Code)
	}
}

func TestArtifactStreaming(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/api/artifact", nil); rec.Code != http.StatusNotFound {
		t.Errorf("artifact before render code = %d, want 404", rec.Code)
	}

	env.do(t, http.MethodPost, "/api/submit", SubmitRequest{URL: "https://youtu.be/dQw4w9WgXcQ"})
	env.settle(t)

	req := httptest.NewRequest(http.MethodGet, "/api/artifact", nil)
	req.Header.Set("Range", "bytes=0-3")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("range code = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "RIFF" {
		t.Errorf("range body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("content type = %q", ct)
	}
}

func TestIndexBootstrapsShareLink(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/?yt=dQw4w9WgXcQ&freq=528", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<title>lambro</title>") {
		t.Fatalf("index code %d", rec.Code)
	}
	env.settle(t)

	st := env.status(t)
	if st.Session.Committed.Frequency.Hz != 528 || st.Session.SourceURL != "https://www.youtube.com/watch?v=dQw4w9WgXcQ" {
		t.Errorf("bootstrap session = %+v", st.Session)
	}
	if env.renders.Load() != 1 {
		t.Errorf("share bootstrap renders = %d, want 1", env.renders.Load())
	}

	if rec := env.do(t, http.MethodGet, "/?yt=dQw4w9WgXcQ&freq=432", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad share link code = %d, want 400", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown path code = %d", rec.Code)
	}
}

func TestFrequencies(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/frequencies", nil)

	var body struct {
		Frequencies []FrequencyInfo `json:"frequencies"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Frequencies) != 10 {
		t.Fatalf("got %d frequencies", len(body.Frequencies))
	}
	if body.Frequencies[0].Param != "default" || body.Frequencies[0].Angle != -90 {
		t.Errorf("first = %+v", body.Frequencies[0])
	}
	if body.Frequencies[5].Hz != 528 || body.Frequencies[5].Angle != 90 {
		t.Errorf("528 = %+v", body.Frequencies[5])
	}
}

func TestPlaybackWithoutArtifact(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodPost, "/api/playback", PlaybackRequest{Action: "play"}); rec.Code != http.StatusConflict {
		t.Errorf("play code = %d, want 409", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/playback", PlaybackRequest{Action: "rewind"}); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action code = %d, want 400", rec.Code)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{512: "512 B", 2048: "2.0 KB", 5 * 1024 * 1024: "5.0 MB"}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %s, want %s", in, got, want)
		}
	}
}

// silentWav is 4000 frames of 8 kHz mono 16-bit silence.
func silentWav() []byte {
	const frames = 4000
	dataLen := frames * 2
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+dataLen))
	b.WriteString("WAVEfmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint32(8000))
	binary.Write(&b, binary.LittleEndian, uint32(16000))
	binary.Write(&b, binary.LittleEndian, uint16(2))
	binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(dataLen))
	b.Write(make([]byte, dataLen))
	return b.Bytes()
}
