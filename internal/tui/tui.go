// Package tui is the terminal front end: a URL prompt, a frequency dial that
// follows the mouse and arrow keys, and playback controls for the rendered
// artifact.
package tui

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/audiolibrelab/lambro/internal/catalog"
	"github.com/audiolibrelab/lambro/internal/dial"
	"github.com/audiolibrelab/lambro/internal/service"
	"github.com/audiolibrelab/lambro/internal/session"
)

const (
	seekStep    = 10 * time.Second
	refreshRate = 250 * time.Millisecond
)

type snapshotMsg session.Snapshot

type tickMsg time.Time

// feed hands controller snapshots to the program. Only the newest snapshot
// is kept, so the observer never blocks on a busy event loop.
type feed struct {
	mu     sync.Mutex
	latest session.Snapshot
	signal chan struct{}
}

func newFeed() *feed {
	return &feed{signal: make(chan struct{}, 1)}
}

func (f *feed) push(s session.Snapshot) {
	f.mu.Lock()
	f.latest = s
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *feed) wait() tea.Cmd {
	return func() tea.Msg {
		<-f.signal
		f.mu.Lock()
		defer f.mu.Unlock()
		return snapshotMsg(f.latest)
	}
}

// Model is the bubbletea model hosting one session.
type Model struct {
	svc    service.Service
	styles *Styles
	cat    *catalog.Catalog
	dial   *dial.Quantizer
	feed   *feed

	input    textinput.Model
	snap     session.Snapshot
	playback service.PlaybackStatus
	notice   string
	width    int
	dragging bool
}

// New builds a model for svc. styles should be the applier the service's
// theme synchronizer was created with; nil falls back to static styles.
func New(svc service.Service, styles *Styles) (Model, error) {
	if styles == nil {
		styles = NewStyles()
	}
	ctrl := svc.Controller()
	q, err := dial.ForCatalog(ctrl.Catalog(), dial.WithRadius(dialRadius), dial.WithTolerance(dialTolerance))
	if err != nil {
		return Model{}, err
	}

	ti := textinput.New()
	ti.Placeholder = "https://www.youtube.com/watch?v=..."
	ti.Prompt = "URL: "
	ti.CharLimit = 512
	ti.Width = 60
	ti.Focus()

	f := newFeed()
	svc.Subscribe(f.push)

	return Model{
		svc:    svc,
		styles: styles,
		cat:    ctrl.Catalog(),
		dial:   q,
		feed:   f,
		input:  ti,
		snap:   ctrl.Snapshot(),
	}, nil
}

// Run starts the interactive program. A non-empty url prefills the input
// for a session the caller has already started.
func Run(svc service.Service, styles *Styles, url string) error {
	m, err := New(svc, styles)
	if err != nil {
		return err
	}
	if url != "" {
		m.input.SetValue(url)
		m.input.Blur()
	}

	slog.Debug("Starting terminal UI", "session", svc.SessionID())
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err = p.Run()
	return err
}

func tick() tea.Cmd {
	return tea.Tick(refreshRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.feed.wait(), tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.snap = session.Snapshot(msg)
		return m, m.feed.wait()

	case tickMsg:
		m.playback = m.svc.PlaybackStatus()
		return m, tick()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.MouseMsg:
		return m.handleMouse(msg), nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.input.Focused() {
			return m.updateInput(msg)
		}
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.notice = ""
		if err := m.svc.Submit(m.input.Value()); err == nil {
			m.input.Blur()
		}
		return m, nil
	case "esc", "tab":
		m.input.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	ctrl := m.svc.Controller()
	var err error

	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "tab", "u":
		m.input.Focus()
		return m, textinput.Blink
	case "left", "h":
		err = ctrl.Step(dial.Prev)
	case "right", "l":
		err = ctrl.Step(dial.Next)
	case "enter":
		err = ctrl.Commit()
	case "r":
		err = ctrl.Retry()
	case "esc":
		ctrl.DismissError()
		m.notice = ""
	case " ", "space":
		err = m.svc.TogglePlayback()
	case "[":
		err = m.svc.SeekBy(-seekStep)
	case "]":
		err = m.svc.SeekBy(seekStep)
	case "+", "=":
		err = ctrl.NudgePendingRate(session.PlaybackRateStep)
	case "-":
		err = ctrl.NudgePendingRate(-session.PlaybackRateStep)
	case "a":
		err = ctrl.SetPendingAIPreset(!m.snap.Pending.AIPreset)
	case "s":
		link, lerr := m.svc.ShareLink()
		err = lerr
		if lerr == nil {
			m.notice = "Share: " + link
		}
	case "w":
		path, serr := m.svc.Save(".")
		err = serr
		if serr == nil {
			m.notice = "Saved " + path
		}
	}

	if err != nil {
		m.notice = m.noticeFor(err)
	}
	m.playback = m.svc.PlaybackStatus()
	return m, nil
}

// handleMouse steers the pending frequency while the left button is held.
func (m Model) handleMouse(msg tea.MouseMsg) Model {
	switch msg.Action {
	case tea.MouseActionPress:
		if msg.Button != tea.MouseButtonLeft {
			return m
		}
		m.dragging = true
	case tea.MouseActionMotion:
		if !m.dragging {
			return m
		}
	case tea.MouseActionRelease:
		m.dragging = false
		return m
	}

	dx, dy := cellToPointer(msg.X, msg.Y)
	idx, _, ok := m.dial.Pointer(dx, dy)
	if !ok {
		return m
	}
	if err := m.svc.Controller().SetPendingIndex(idx); err != nil {
		m.notice = m.noticeFor(err)
	}
	return m
}

func (m Model) noticeFor(err error) string {
	switch {
	case errors.Is(err, session.ErrCommitNotAllowed):
		return commitRefusal(m.svc.Controller().Snapshot())
	case errors.Is(err, session.ErrNothingToRetry):
		return "Nothing to retry"
	case errors.Is(err, service.ErrNoArtifact):
		return "No rendered audio yet"
	}
	return err.Error()
}

// commitRefusal explains why a commit was refused in snap.
func commitRefusal(snap session.Snapshot) string {
	switch snap.Phase {
	case session.PhaseResolving:
		return "Wait for the link to resolve"
	case session.PhaseRendering:
		return "Wait for the current render to finish"
	}
	if snap.Source == nil {
		return "Submit a link before committing"
	}
	return "Nothing to commit yet"
}

func (m Model) View() string {
	p := m.styles.palette()

	header := p.title.Render("lambro") + "  " + m.phaseBadge(p)
	lines := []string{
		header,
		m.input.View(),
		m.statusLine(p),
		"",
	}

	committed := m.cat.IndexOf(m.snap.Committed.Frequency)
	pending := m.cat.IndexOf(m.snap.Pending.Frequency)
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		renderDial(dialGrid(m.dial, committed, pending), p),
		"    ",
		m.frequencyList(p, committed, pending),
	)
	lines = append(lines, body, "", m.tuningLine(p), m.playbackLine(p))
	if m.notice != "" {
		lines = append(lines, p.text.Render(m.notice))
	}
	lines = append(lines, "", p.muted.Render(
		"←/→ dial • enter commit • r retry • space play • [/] seek • +/- tempo • a ai • s share • w save • tab url • q quit"))

	return strings.Join(lines, "\n")
}

func (m Model) phaseBadge(p palette) string {
	label := string(m.snap.Phase)
	if m.snap.Phase.Busy() {
		return p.accent.Render(label + "…")
	}
	if m.snap.Phase == session.PhaseFailed {
		return p.err.Render(label)
	}
	return p.muted.Render(label)
}

// statusLine shows the error if there is one, else the source title.
func (m Model) statusLine(p palette) string {
	if m.snap.Error != nil {
		const hint = "  (esc to dismiss, r to retry)"
		return p.err.Render(truncate(m.snap.Error.String(), m.width-len(hint))) + p.muted.Render(hint)
	}
	if m.snap.Source != nil {
		return p.text.Render(truncate(m.snap.Source.Title, m.width))
	}
	return p.muted.Render("Paste a link and press enter")
}

func (m Model) frequencyList(p palette, committed, pending int) string {
	var b strings.Builder
	for i, spec := range m.cat.All() {
		marker := "  "
		style := p.muted
		switch {
		case i == pending && i == committed:
			marker, style = "▸✓", p.accent
		case i == pending:
			marker, style = "▸ ", p.accent
		case i == committed:
			marker, style = " ✓", p.text
		}
		name := spec.String()
		if !spec.IsDefault() && spec.Label != "" {
			name = fmt.Sprintf("%-7s %s", name, spec.Label)
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(style.Render(marker + " " + name))
	}
	return p.border.Render(b.String())
}

func (m Model) tuningLine(p palette) string {
	t := m.snap.Pending
	ai := "off"
	if t.AIPreset {
		ai = "on"
	}
	line := fmt.Sprintf("Frequency %s • tempo %.1fx • AI preset %s", t.Frequency, t.PlaybackRate, ai)
	if m.snap.Dirty() {
		return p.text.Render(line) + "  " + p.button.Render("enter to apply")
	}
	return p.text.Render(line)
}

func (m Model) playbackLine(p palette) string {
	if !m.playback.Loaded {
		return p.muted.Render("No audio loaded")
	}
	state := "⏸"
	if m.playback.Playing {
		state = "▶"
	}
	return p.text.Render(fmt.Sprintf("%s %s %s", state,
		renderProgress(m.playback.Position, m.playback.Duration, 30),
		formatClock(m.playback.Position)+" / "+formatClock(m.playback.Duration)))
}

func renderProgress(pos, total time.Duration, width int) string {
	if width < 1 {
		return ""
	}
	filled := 0
	if total > 0 {
		filled = int(float64(pos) / float64(total) * float64(width))
	}
	filled = max(0, min(filled, width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func formatClock(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func truncate(s string, width int) string {
	if width <= 0 {
		return s
	}
	limit := width - 4
	r := []rune(s)
	if limit < 1 || len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
