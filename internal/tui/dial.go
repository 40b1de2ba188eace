package tui

import (
	"math"
	"strings"

	"github.com/audiolibrelab/lambro/internal/dial"
)

// Dial geometry in terminal cells. Cells are roughly twice as tall as they
// are wide, so columns are scaled by dialAspect.
const (
	dialRadius    = 6
	dialAspect    = 2
	dialTolerance = 1.5
	dialRows      = 2*dialRadius + 1
	dialCols      = 2*dialRadius*dialAspect + 1

	// Screen position of the dial's top-left cell. View must keep these in
	// step with its header layout.
	dialTop  = 4
	dialLeft = 2
)

type cellKind int

const (
	cellEmpty cellKind = iota
	cellRing
	cellTick
	cellCommitted
	cellPointer
	cellPending
	cellCenter
)

type cell struct {
	r    rune
	kind cellKind
}

// cellToPointer converts a screen cell into an offset from the dial centre
// in row units.
func cellToPointer(x, y int) (dx, dy float64) {
	col := x - dialLeft - dialRadius*dialAspect
	row := y - dialTop - dialRadius
	return float64(col) / dialAspect, float64(row)
}

func dialPosition(angle, r float64) (row, col int) {
	rad := angle * math.Pi / 180
	row = dialRadius + int(math.Round(math.Sin(rad)*r))
	col = dialRadius*dialAspect + int(math.Round(math.Cos(rad)*r*dialAspect))
	return row, col
}

// dialGrid lays out the ring, one tick per catalog step, and a pointer
// towards the pending step.
func dialGrid(q *dial.Quantizer, committed, pending int) [][]cell {
	grid := make([][]cell, dialRows)
	for i := range grid {
		grid[i] = make([]cell, dialCols)
		for j := range grid[i] {
			grid[i][j] = cell{r: ' '}
		}
	}
	set := func(row, col int, c cell) {
		if row >= 0 && row < dialRows && col >= 0 && col < dialCols {
			grid[row][col] = c
		}
	}

	for a := 0.0; a < 360; a += 4 {
		row, col := dialPosition(a, dialRadius)
		set(row, col, cell{r: '·', kind: cellRing})
	}

	angle := q.Angle(pending)
	for r := 1.0; r < dialRadius-0.5; r += 0.5 {
		row, col := dialPosition(angle, r)
		set(row, col, cell{r: '•', kind: cellPointer})
	}
	set(dialRadius, dialRadius*dialAspect, cell{r: '+', kind: cellCenter})

	for i := 0; i < q.Steps(); i++ {
		row, col := dialPosition(q.Angle(i), dialRadius)
		switch i {
		case pending:
			set(row, col, cell{r: '◉', kind: cellPending})
		case committed:
			set(row, col, cell{r: '●', kind: cellCommitted})
		default:
			set(row, col, cell{r: '○', kind: cellTick})
		}
	}
	return grid
}

func renderDial(grid [][]cell, p palette) string {
	lines := make([]string, len(grid))
	for i, row := range grid {
		var b strings.Builder
		b.WriteString(strings.Repeat(" ", dialLeft))
		for _, c := range row {
			s := string(c.r)
			switch c.kind {
			case cellRing, cellTick:
				s = p.muted.Render(s)
			case cellCommitted, cellCenter:
				s = p.text.Render(s)
			case cellPointer, cellPending:
				s = p.accent.Render(s)
			}
			b.WriteString(s)
		}
		lines[i] = b.String()
	}
	return strings.Join(lines, "\n")
}
