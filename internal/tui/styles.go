package tui

import (
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/audiolibrelab/lambro/internal/catalog"
	"github.com/audiolibrelab/lambro/internal/theme"
)

// palette is the set of styles derived from one theme bundle.
type palette struct {
	key    string
	title  lipgloss.Style
	text   lipgloss.Style
	muted  lipgloss.Style
	accent lipgloss.Style
	button lipgloss.Style
	border lipgloss.Style
	err    lipgloss.Style
}

// Styles tracks the theme bundle of the pending frequency. It implements
// theme.Applier so the controller's theme synchronizer can drive it from
// any goroutine.
type Styles struct {
	mu      sync.RWMutex
	current palette
}

var _ theme.Applier = (*Styles)(nil)

// NewStyles starts out on the sentinel bundle.
func NewStyles() *Styles {
	s := &Styles{}
	s.ApplyTheme(theme.Default().For(catalog.Sentinel))
	return s
}

// ApplyTheme converts the bundle's HSL tokens into terminal colors.
func (s *Styles) ApplyTheme(b theme.Bundle) {
	p := newPalette(b)
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
}

// Key returns the bundle key currently in use.
func (s *Styles) Key() string {
	return s.palette().key
}

func (s *Styles) palette() palette {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func newPalette(b theme.Bundle) palette {
	text := lipgloss.Color(b.Hex("text-primary", "#e6e6e6"))
	muted := lipgloss.Color(b.Hex("text-secondary", "#999999"))
	accent := lipgloss.Color(b.Hex("accent", "#7b68ee"))

	return palette{
		key: b.Key,
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(b.Hex("header-gradient-to", "#ffffff"))),
		text:   lipgloss.NewStyle().Foreground(text),
		muted:  lipgloss.NewStyle().Foreground(muted),
		accent: lipgloss.NewStyle().Foreground(accent).Bold(true),
		button: lipgloss.NewStyle().
			Foreground(lipgloss.Color(b.Hex("button-text", "#ffffff"))).
			Background(lipgloss.Color(b.Hex("button-bg", "#5a4fcf"))).
			Padding(0, 1),
		border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(b.Hex("border", "#444444"))).
			Padding(0, 1),
		err: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true),
	}
}
