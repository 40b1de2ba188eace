package theme

import (
	_ "embed"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/lambro/internal/catalog"
)

//go:embed themes.yaml
var defaultTable []byte

// DefaultKey is the sentinel bundle key.
const DefaultKey = catalog.DefaultParam

// Bundle is a named set of visual tokens (CSS-style HSL colors).
type Bundle struct {
	Key    string            `json:"key" yaml:"key"`
	Tokens map[string]string `json:"tokens" yaml:"tokens"`
}

// Token returns a token value, or "" when the bundle does not define it.
func (b Bundle) Token(name string) string {
	return b.Tokens[name]
}

// Names returns the token names in a stable order.
func (b Bundle) Names() []string {
	names := make([]string, 0, len(b.Tokens))
	for n := range b.Tokens {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CSSVars renders the bundle as "--theme-<name>" custom properties.
func (b Bundle) CSSVars() map[string]string {
	out := make(map[string]string, len(b.Tokens))
	for n, v := range b.Tokens {
		out["--theme-"+n] = v
	}
	return out
}

// Hex converts a token to a #rrggbb string, ignoring alpha. Unknown or
// unparseable tokens yield fallback.
func (b Bundle) Hex(name, fallback string) string {
	v, ok := b.Tokens[name]
	if !ok {
		return fallback
	}
	h, s, l, _, err := ParseHSL(v)
	if err != nil {
		return fallback
	}
	return HSLToHex(h, s, l)
}

// Table maps catalog keys to bundles. It always contains a default bundle.
type Table struct {
	bundles map[string]Bundle
}

// Load parses a YAML theme table: top-level keys are catalog keys, values are
// token maps.
func Load(data []byte) (*Table, error) {
	raw := make(map[string]map[string]string)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error parsing theme table: %w", err)
	}
	if _, ok := raw[DefaultKey]; !ok {
		return nil, fmt.Errorf("theme table must define a %q bundle", DefaultKey)
	}

	t := &Table{bundles: make(map[string]Bundle, len(raw))}
	for key, tokens := range raw {
		for name, value := range tokens {
			if _, _, _, _, err := ParseHSL(value); err != nil {
				return nil, fmt.Errorf("theme %q token %q: %w", key, name, err)
			}
		}
		t.bundles[key] = Bundle{Key: key, Tokens: tokens}
	}
	return t, nil
}

// Default returns the built-in Solfeggio theme table.
func Default() *Table {
	t, err := Load(defaultTable)
	if err != nil {
		panic(err)
	}
	return t
}

// For returns the bundle for a catalog spec. Unmapped values fall back to
// the sentinel bundle.
func (t *Table) For(spec catalog.FrequencySpec) Bundle {
	if b, ok := t.bundles[spec.Key()]; ok {
		return b
	}
	return t.bundles[DefaultKey]
}

// Keys lists the mapped keys.
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.bundles))
	for k := range t.bundles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Applier receives bundles whenever the visible theme changes.
type Applier interface {
	ApplyTheme(Bundle)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(Bundle)

func (f ApplierFunc) ApplyTheme(b Bundle) { f(b) }

// Synchronizer keeps the applied theme in step with the pending frequency.
// It only remembers the last applied bundle so re-applying the same value is
// a no-op.
type Synchronizer struct {
	table   *Table
	applier Applier

	mu   sync.Mutex
	last *Bundle
}

// NewSynchronizer creates a synchronizer. applier may be nil.
func NewSynchronizer(table *Table, applier Applier) *Synchronizer {
	if table == nil {
		table = Default()
	}
	return &Synchronizer{table: table, applier: applier}
}

// Apply resolves and applies the bundle for spec, returning it. The applier
// is only invoked when the bundle differs from the last applied one.
func (s *Synchronizer) Apply(spec catalog.FrequencySpec) Bundle {
	b := s.table.For(spec)

	s.mu.Lock()
	changed := s.last == nil || s.last.Key != b.Key
	if changed {
		s.last = &b
	}
	applier := s.applier
	s.mu.Unlock()

	if changed {
		slog.Debug("Applying theme", "key", b.Key)
		if applier != nil {
			applier.ApplyTheme(b)
		}
	}
	return b
}

// Reset applies the sentinel bundle.
func (s *Synchronizer) Reset() Bundle {
	return s.Apply(catalog.Sentinel)
}

// Current returns the last applied bundle, or the sentinel bundle before the first Apply.
func (s *Synchronizer) Current() Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return s.table.bundles[DefaultKey]
	}
	return *s.last
}

// ParseHSL parses "hsl(h, s%, l%)" or "hsla(h, s%, l%, a)".
func ParseHSL(v string) (h, s, l, a float64, err error) {
	v = strings.TrimSpace(v)
	var body string
	switch {
	case strings.HasPrefix(v, "hsla(") && strings.HasSuffix(v, ")"):
		body = v[5 : len(v)-1]
	case strings.HasPrefix(v, "hsl(") && strings.HasSuffix(v, ")"):
		body = v[4 : len(v)-1]
	default:
		return 0, 0, 0, 0, fmt.Errorf("not an hsl color: %q", v)
	}

	parts := strings.Split(body, ",")
	if len(parts) != 3 && len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("hsl color needs 3 or 4 components: %q", v)
	}

	vals := make([]float64, 4)
	vals[3] = 1
	for i, p := range parts {
		p = strings.TrimSuffix(strings.TrimSpace(p), "%")
		f, perr := strconv.ParseFloat(p, 64)
		if perr != nil {
			return 0, 0, 0, 0, fmt.Errorf("invalid hsl component %q: %w", p, perr)
		}
		vals[i] = f
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

// HSLToHex converts hue in degrees and saturation/lightness in percent to #rrggbb.
func HSLToHex(h, s, l float64) string {
	s /= 100
	l /= 100
	c := (1 - math.Abs(2*l-1)) * s
	hp := math.Mod(h, 360) / 60
	if hp < 0 {
		hp += 6
	}
	x := c * (1 - math.Abs(math.Mod(hp, 2)-1))

	var r, g, b float64
	switch {
	case hp < 1:
		r, g, b = c, x, 0
	case hp < 2:
		r, g, b = x, c, 0
	case hp < 3:
		r, g, b = 0, c, x
	case hp < 4:
		r, g, b = 0, x, c
	case hp < 5:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	m := l - c/2
	to := func(v float64) int { return int(math.Round((v + m) * 255)) }
	return fmt.Sprintf("#%02x%02x%02x", to(r), to(g), to(b))
}
