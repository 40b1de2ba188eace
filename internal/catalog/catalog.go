package catalog

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// DefaultParam is the query/flag spelling of the sentinel entry.
const DefaultParam = "default"

// FrequencySpec is one named step of the catalog. The sentinel entry
// (Default == true) stands for the original, unprocessed audio and carries no Hz value.
type FrequencySpec struct {
	Label   string  `json:"label" yaml:"label"`
	Hz      float64 `json:"hz,omitempty" yaml:"hz,omitempty"`
	Default bool    `json:"default,omitempty" yaml:"default,omitempty"`
}

// IsDefault reports whether the spec is the sentinel.
func (f FrequencySpec) IsDefault() bool {
	return f.Default
}

// Equal compares by value, ignoring labels.
func (f FrequencySpec) Equal(o FrequencySpec) bool {
	if f.Default || o.Default {
		return f.Default == o.Default
	}
	return f.Hz == o.Hz
}

// Param returns the share-link / flag form: "default" or the Hz value.
func (f FrequencySpec) Param() string {
	if f.Default {
		return DefaultParam
	}
	return strconv.FormatFloat(f.Hz, 'f', -1, 64)
}

// Key is the theme table key for this spec.
func (f FrequencySpec) Key() string {
	return f.Param()
}

// TargetFrequency returns nil for the sentinel, which the backend receives as JSON null.
func (f FrequencySpec) TargetFrequency() *float64 {
	if f.Default {
		return nil
	}
	hz := f.Hz
	return &hz
}

func (f FrequencySpec) String() string {
	if f.Default {
		return f.Label
	}
	return fmt.Sprintf("%s Hz", f.Param())
}

// Sentinel is the canonical "original audio" entry.
var Sentinel = FrequencySpec{Label: "Default", Default: true}

// Catalog is an immutable ordered list of frequency steps. The sentinel is
// always index 0, numeric steps follow in ascending order. Index order defines
// dial angles and keyboard cycling.
type Catalog struct {
	specs []FrequencySpec
}

// New validates and builds a catalog. Exactly one sentinel is required,
// numeric values must be positive and unique. Input order is normalized.
func New(specs ...FrequencySpec) (*Catalog, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("catalog cannot be empty")
	}

	var sentinel *FrequencySpec
	numeric := make([]FrequencySpec, 0, len(specs))
	seen := make(map[float64]bool)

	for i, s := range specs {
		if s.Default {
			if sentinel != nil {
				return nil, fmt.Errorf("catalog[%d]: duplicate sentinel entry", i)
			}
			spec := s
			sentinel = &spec
			continue
		}
		if s.Hz <= 0 || math.IsNaN(s.Hz) || math.IsInf(s.Hz, 0) {
			return nil, fmt.Errorf("catalog[%d]: frequency must be a positive number, got %v", i, s.Hz)
		}
		if seen[s.Hz] {
			return nil, fmt.Errorf("catalog[%d]: duplicate frequency %v", i, s.Hz)
		}
		seen[s.Hz] = true
		numeric = append(numeric, s)
	}

	if sentinel == nil {
		return nil, fmt.Errorf("catalog must contain exactly one sentinel entry")
	}

	sort.Slice(numeric, func(i, j int) bool { return numeric[i].Hz < numeric[j].Hz })

	ordered := make([]FrequencySpec, 0, len(numeric)+1)
	ordered = append(ordered, *sentinel)
	ordered = append(ordered, numeric...)
	return &Catalog{specs: ordered}, nil
}

var solfeggio = []FrequencySpec{
	Sentinel,
	{Label: "Foundation", Hz: 174},
	{Label: "Restore", Hz: 285},
	{Label: "Liberate", Hz: 396},
	{Label: "Release", Hz: 417},
	{Label: "Miracle", Hz: 528},
	{Label: "Connect", Hz: 639},
	{Label: "Awaken", Hz: 741},
	{Label: "Intuition", Hz: 852},
	{Label: "Divine", Hz: 963},
}

// Default returns the Solfeggio catalog used by the dial.
func Default() *Catalog {
	c, err := New(solfeggio...)
	if err != nil {
		panic(err)
	}
	return c
}

// Len returns the number of steps.
func (c *Catalog) Len() int {
	return len(c.specs)
}

// All returns a copy of the ordered steps.
func (c *Catalog) All() []FrequencySpec {
	out := make([]FrequencySpec, len(c.specs))
	copy(out, c.specs)
	return out
}

// ByIndex returns the spec at i. Indices outside [0, N) wrap modulo N.
func (c *Catalog) ByIndex(i int) FrequencySpec {
	n := len(c.specs)
	return c.specs[((i%n)+n)%n]
}

// IndexOf returns the index of spec. Unknown values map to the sentinel index.
func (c *Catalog) IndexOf(spec FrequencySpec) int {
	if i, ok := c.find(spec); ok {
		return i
	}
	return 0
}

// Contains reports whether spec is a member of the catalog.
func (c *Catalog) Contains(spec FrequencySpec) bool {
	_, ok := c.find(spec)
	return ok
}

func (c *Catalog) find(spec FrequencySpec) (int, bool) {
	for i, s := range c.specs {
		if s.Equal(spec) {
			return i, true
		}
	}
	return -1, false
}

// Sentinel returns the catalog's sentinel entry.
func (c *Catalog) Sentinel() FrequencySpec {
	return c.specs[0]
}

// Lookup finds the catalog entry with the given Hz value.
func (c *Catalog) Lookup(hz float64) (FrequencySpec, bool) {
	i, ok := c.find(FrequencySpec{Hz: hz})
	if !ok {
		return FrequencySpec{}, false
	}
	return c.specs[i], true
}

// Parse resolves a flag or query value. "", "default" and "original" select
// the sentinel; numbers must match a catalog entry exactly.
func (c *Catalog) Parse(value string) (FrequencySpec, error) {
	v := strings.TrimSpace(strings.ToLower(value))
	v = strings.TrimSuffix(v, "hz")
	v = strings.TrimSpace(v)

	switch v {
	case "", DefaultParam, "original", "null":
		return c.Sentinel(), nil
	}

	hz, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return FrequencySpec{}, fmt.Errorf("invalid frequency %q: %w", value, err)
	}
	spec, ok := c.Lookup(hz)
	if !ok {
		return FrequencySpec{}, fmt.Errorf("frequency %v Hz is not in the catalog", hz)
	}
	return spec, nil
}
