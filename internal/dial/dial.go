// Package dial maps continuous pointer input and discrete key steps onto the
// ordered frequency catalog.
//
// Index 0 sits at 12 o'clock. Angles follow screen conventions (atan2 with y
// growing downward), so index i rests at i*(360/N) - 90 degrees.
package dial

import (
	"fmt"
	"math"

	"github.com/audiolibrelab/lambro/internal/catalog"
)

// DefaultOffset puts index 0 at the top of the dial.
const DefaultOffset = -90.0

// DefaultTolerance is how far outside the dial radius a pointer still counts.
const DefaultTolerance = 20.0

// Direction is a keyboard step request.
type Direction int

const (
	Next Direction = iota
	Prev
)

// Quantizer snaps angles to one of N discrete steps.
type Quantizer struct {
	steps     int
	perStep   float64
	offset    float64
	radius    float64
	tolerance float64
}

// Option configures a Quantizer.
type Option func(*Quantizer)

// WithRadius sets the dial radius used for out-of-radius rejection. A zero
// radius disables rejection.
func WithRadius(r float64) Option {
	return func(q *Quantizer) { q.radius = r }
}

// WithTolerance sets the extra distance outside the radius that is still accepted.
func WithTolerance(t float64) Option {
	return func(q *Quantizer) { q.tolerance = t }
}

// WithOffset overrides the angle of index 0.
func WithOffset(deg float64) Option {
	return func(q *Quantizer) { q.offset = deg }
}

// NewQuantizer builds a quantizer for a dial with the given number of steps.
func NewQuantizer(steps int, opts ...Option) (*Quantizer, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("dial needs at least one step, got %d", steps)
	}
	q := &Quantizer{
		steps:     steps,
		perStep:   360 / float64(steps),
		offset:    DefaultOffset,
		tolerance: DefaultTolerance,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.radius < 0 || q.tolerance < 0 {
		return nil, fmt.Errorf("dial radius and tolerance must be >= 0")
	}
	return q, nil
}

// ForCatalog builds a quantizer with one step per catalog entry.
func ForCatalog(c *catalog.Catalog, opts ...Option) (*Quantizer, error) {
	return NewQuantizer(c.Len(), opts...)
}

// Steps returns N.
func (q *Quantizer) Steps() int {
	return q.steps
}

// Angle returns the snap angle of index.
func (q *Quantizer) Angle(index int) float64 {
	return float64(q.wrap(index))*q.perStep + q.offset
}

// Quantize snaps a raw angle in degrees to the nearest step. Halfway angles
// round up to the higher index (wrapping N to 0).
func (q *Quantizer) Quantize(raw float64) (index int, snapped float64) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, q.Angle(0)
	}
	norm := math.Mod(raw-q.offset, 360)
	if norm < 0 {
		norm += 360
	}
	index = int(math.Round(norm/q.perStep)) % q.steps
	return index, q.Angle(index)
}

// Pointer converts a pointer offset from the dial centre into a step. ok is
// false when the pointer lies outside radius+tolerance or is not finite, in
// which case the caller must leave its state untouched.
func (q *Quantizer) Pointer(dx, dy float64) (index int, snapped float64, ok bool) {
	if math.IsNaN(dx) || math.IsNaN(dy) || math.IsInf(dx, 0) || math.IsInf(dy, 0) {
		return 0, 0, false
	}
	if q.radius > 0 && math.Hypot(dx, dy) > q.radius+q.tolerance {
		return 0, 0, false
	}
	raw := math.Atan2(dy, dx) * 180 / math.Pi
	index, snapped = q.Quantize(raw)
	return index, snapped, true
}

// Step moves one position in dir, wrapping in both directions.
func (q *Quantizer) Step(index int, dir Direction) int {
	switch dir {
	case Prev:
		return q.wrap(index - 1)
	default:
		return q.wrap(index + 1)
	}
}

func (q *Quantizer) wrap(i int) int {
	return ((i % q.steps) + q.steps) % q.steps
}

// State is the dial's visible state. AngleDegrees is always the snap angle
// of PendingIndex.
type State struct {
	CommittedIndex int     `json:"committed_index"`
	PendingIndex   int     `json:"pending_index"`
	AngleDegrees   float64 `json:"angle_degrees"`
}

// StateFor derives the dial state from committed and pending indices.
func (q *Quantizer) StateFor(committed, pending int) State {
	return State{
		CommittedIndex: q.wrap(committed),
		PendingIndex:   q.wrap(pending),
		AngleDegrees:   q.Angle(pending),
	}
}
