package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/audiolibrelab/lambro/internal/catalog"
	"github.com/audiolibrelab/lambro/internal/dial"
	"github.com/audiolibrelab/lambro/internal/service"
	"github.com/audiolibrelab/lambro/internal/session"
	"github.com/audiolibrelab/lambro/internal/share"
	"github.com/audiolibrelab/lambro/internal/theme"
)

//go:embed static/index.html
var indexHTML []byte

// Server is the local HTTP control surface for a retune session
type Server struct {
	service service.Service
	themes  *theme.Table
	port    string
	mux     *http.ServeMux
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Phase     string                 `json:"phase"`
	Message   string                 `json:"message,omitempty"`
	Session   session.Snapshot       `json:"session"`
	Dirty     bool                   `json:"dirty"`
	CanCommit bool                   `json:"can_commit"`
	Theme     ThemeInfo              `json:"theme"`
	Playback  service.PlaybackStatus `json:"playback"`
	Artifact  *ArtifactInfo          `json:"artifact,omitempty"`
	Profile   string                 `json:"profile"`
}

// ThemeInfo carries the pending theme as CSS custom properties
type ThemeInfo struct {
	Key  string            `json:"key"`
	Vars map[string]string `json:"vars"`
}

// ArtifactInfo describes the live artifact for the UI
type ArtifactInfo struct {
	URL       string `json:"url"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	Type      string `json:"content_type"`
}

// FrequencyInfo is one dial position
type FrequencyInfo struct {
	Index int     `json:"index"`
	Label string  `json:"label"`
	Hz    float64 `json:"hz"`
	Param string  `json:"param"`
	Angle float64 `json:"angle"`
}

type SubmitRequest struct {
	URL string `json:"url"`
}

// PendingRequest stages one or more pending changes. Fields are applied in
// declaration order; absent fields are ignored.
type PendingRequest struct {
	Frequency    *string  `json:"frequency,omitempty"`
	Step         string   `json:"step,omitempty"`
	Angle        *float64 `json:"angle,omitempty"`
	PointerX     *float64 `json:"dx,omitempty"`
	PointerY     *float64 `json:"dy,omitempty"`
	PlaybackRate *float64 `json:"playback_rate,omitempty"`
	RateDelta    *float64 `json:"rate_delta,omitempty"`
	AIPreset     *bool    `json:"ai_preset,omitempty"`
}

type PlaybackRequest struct {
	Action       string  `json:"action"`
	DeltaSeconds float64 `json:"delta_seconds,omitempty"`
}

// New creates a new web server instance around svc
func New(svc service.Service, port string) *Server {
	s := &Server{
		service: svc,
		themes:  theme.Default(),
		port:    port,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/api/submit", s.handleSubmit)
	s.mux.HandleFunc("/api/pending", s.handlePending)
	s.mux.HandleFunc("/api/commit", s.handleCommit)
	s.mux.HandleFunc("/api/retry", s.handleRetry)
	s.mux.HandleFunc("/api/dismiss", s.handleDismiss)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/artifact", s.handleArtifact)
	s.mux.HandleFunc("/api/frequencies", s.handleFrequencies)
	s.mux.HandleFunc("/api/playback", s.handlePlayback)
	s.mux.HandleFunc("/api/share", s.handleShare)
	s.mux.HandleFunc("/api/history", s.handleHistory)
	s.mux.HandleFunc("/api/presets", s.handlePresets)
}

// Handler exposes the routes, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled. The backend keep-alive runs alongside.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.service.RunKeepAlive(ctx)

	localIP := getLocalIP()
	slog.Info("Starting lambro control server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("Shutting down control server")
		return srv.Shutdown(shutdownCtx)
	}
}

// handleIndex serves the web UI. A share link query (?yt=&freq=) bootstraps
// the session before the page loads.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if q.Get(share.ParamVideo) != "" {
		link, err := share.FromQuery(q, s.service.Controller().Catalog())
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid share link: %v", err), http.StatusBadRequest)
			return
		}
		slog.Info("Opening share link", "video_id", link.VideoID, "frequency", link.Frequency.Param())
		if err := s.service.OpenShareLink(link); err != nil {
			http.Error(w, fmt.Sprintf("Failed to open share link: %v", err), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(indexHTML)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON body", "operation", "submit")
		return
	}

	slog.Debug("Submit request received", "url", req.URL)
	if err := s.service.Submit(req.URL); err != nil {
		s.sendSessionError(w, err, "submit")
		return
	}
	s.sendSnapshot(w)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req PendingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON body", "operation", "pending")
		return
	}

	if err := s.applyPending(req); err != nil {
		s.sendSessionError(w, err, "pending")
		return
	}
	s.sendSnapshot(w)
}

func (s *Server) applyPending(req PendingRequest) error {
	ctrl := s.service.Controller()

	if req.Frequency != nil {
		spec, err := ctrl.Catalog().Parse(*req.Frequency)
		if err != nil {
			return fmt.Errorf("%w: %v", session.ErrValidation, err)
		}
		if err := ctrl.SetPendingFrequency(spec); err != nil {
			return err
		}
	}
	switch req.Step {
	case "":
	case "next":
		if err := ctrl.Step(dial.Next); err != nil {
			return err
		}
	case "prev":
		if err := ctrl.Step(dial.Prev); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: step must be 'next' or 'prev'", session.ErrValidation)
	}
	if req.Angle != nil {
		if err := ctrl.SetPendingAngle(*req.Angle); err != nil {
			return err
		}
	}
	if req.PointerX != nil && req.PointerY != nil {
		if _, err := ctrl.Pointer(*req.PointerX, *req.PointerY); err != nil {
			return err
		}
	}
	if req.PlaybackRate != nil {
		if err := ctrl.SetPendingRate(*req.PlaybackRate); err != nil {
			return err
		}
	}
	if req.RateDelta != nil {
		if err := ctrl.NudgePendingRate(*req.RateDelta); err != nil {
			return err
		}
	}
	if req.AIPreset != nil {
		if err := ctrl.SetPendingAIPreset(*req.AIPreset); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.service.Controller().Commit(); err != nil {
		s.sendSessionError(w, err, "commit")
		return
	}
	s.sendSnapshot(w)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.service.Controller().Retry(); err != nil {
		s.sendSessionError(w, err, "retry")
		return
	}
	s.sendSnapshot(w)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	s.service.Controller().DismissError()
	s.sendSnapshot(w)
}

// handleStatus returns the session snapshot with its theme and playback state
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}

	snap := s.service.Controller().Snapshot()
	bundle := s.themes.For(snap.Pending.Frequency)

	response := StatusResponse{
		Phase:     string(snap.Phase),
		Message:   s.generateStatusMessage(snap),
		Session:   snap,
		Dirty:     snap.Dirty(),
		CanCommit: snap.CanCommit(),
		Theme:     ThemeInfo{Key: bundle.Key, Vars: bundle.CSSVars()},
		Playback:  s.service.PlaybackStatus(),
		Profile:   s.service.GetConfig().Profile,
	}
	if snap.Artifact != nil {
		response.Artifact = &ArtifactInfo{
			URL:       "/api/artifact?gen=" + strconv.FormatUint(snap.Artifact.Generation, 10),
			Size:      snap.Artifact.Size,
			SizeHuman: formatBytes(snap.Artifact.Size),
			Type:      snap.Artifact.ContentType,
		}
	}

	sendJSON(w, http.StatusOK, response)
}

// handleArtifact streams the live artifact with range support
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a, file, err := s.service.OpenArtifact()
	if err != nil {
		http.Error(w, "No audio rendered yet", http.StatusNotFound)
		return
	}
	defer file.Close()

	modTime := time.Time{}
	if info, err := file.Stat(); err == nil {
		modTime = info.ModTime()
	}
	if a.ContentType != "" {
		w.Header().Set("Content-Type", a.ContentType)
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, "lambro."+a.Extension(), modTime, file)
}

func (s *Server) handleFrequencies(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	ctrl := s.service.Controller()
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"frequencies": frequencyInfos(ctrl.Catalog(), ctrl.Quantizer()),
	})
}

func frequencyInfos(c *catalog.Catalog, q *dial.Quantizer) []FrequencyInfo {
	infos := make([]FrequencyInfo, 0, c.Len())
	for i, spec := range c.All() {
		infos = append(infos, FrequencyInfo{
			Index: i,
			Label: spec.Label,
			Hz:    spec.Hz,
			Param: spec.Param(),
			Angle: q.Angle(i),
		})
	}
	return infos
}

func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req PlaybackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON body", "operation", "playback")
		return
	}

	var err error
	switch req.Action {
	case "play":
		err = s.service.Play()
	case "pause":
		err = s.service.Pause()
	case "toggle":
		err = s.service.TogglePlayback()
	case "seek":
		err = s.service.SeekBy(time.Duration(req.DeltaSeconds * float64(time.Second)))
	default:
		s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Unknown playback action '%s'", req.Action), "operation", "playback")
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrNoArtifact) {
			status = http.StatusConflict
		}
		s.sendErrorResponse(w, status, err.Error(), "operation", "playback", "action", req.Action)
		return
	}
	sendJSON(w, http.StatusOK, s.service.PlaybackStatus())
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	link, err := s.service.ShareLink()
	if err != nil {
		s.sendErrorResponse(w, http.StatusConflict, err.Error(), "operation", "share")
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"success": true, "link": link})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendErrorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer", "operation", "history")
			return
		}
		limit = n
	}
	entries, err := s.service.ListHistory(r.Context(), limit)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "history")
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	presets, err := s.service.ListPresets(r.Context())
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "presets")
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"presets": presets})
}

func (s *Server) generateStatusMessage(snap session.Snapshot) string {
	switch snap.Phase {
	case session.PhaseIdle:
		return "Paste a YouTube link to begin"
	case session.PhaseResolving:
		return "Fetching audio information"
	case session.PhaseRendering:
		if snap.Committed.Frequency.IsDefault() {
			return "Preparing original audio"
		}
		return fmt.Sprintf("Retuning to %s", snap.Committed.Frequency)
	case session.PhaseReady:
		if snap.Source != nil && snap.Source.Title != "" {
			return snap.Source.Title
		}
		return "Ready"
	case session.PhaseFailed:
		if snap.Error != nil {
			return snap.Error.Message
		}
		if errorDetails := s.service.GetLastError(); errorDetails != "" {
			return errorDetails
		}
		return "An error occurred during the operation"
	default:
		return ""
	}
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	sendJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

func (s *Server) sendSnapshot(w http.ResponseWriter) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"session": s.service.Controller().Snapshot(),
	})
}

// sendSessionError maps controller errors onto HTTP status codes
func (s *Server) sendSessionError(w http.ResponseWriter, err error, operation string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrCommitNotAllowed), errors.Is(err, session.ErrNothingToRetry):
		status = http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		status = http.StatusGone
	}
	s.sendErrorResponse(w, status, err.Error(), "operation", operation)
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	sendJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func sendJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
