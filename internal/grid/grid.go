// Package grid derives the visible pixel grid from a sequence of paint
// operations.
//
// Each cell keeps the operation with the greatest stamp seen so far. Since
// stamps are Lamport clocks, applying the same set of operations in any
// order, any number of times, yields the same grid.
package grid

import "collabpixel/internal/pixel"

// Cell is one painted cell and the operation currently winning it.
type Cell struct {
	X     int
	Y     int
	Color pixel.Color
	ID    pixel.ID
}

type slot struct {
	color   pixel.Color
	id      pixel.ID
	painted bool
}

// Grid is the reduced state of a size×size canvas. It is not safe for
// concurrent use; the owning log serializes access.
type Grid struct {
	size  int
	slots []slot
}

// New returns an unpainted grid.
func New(size int) *Grid {
	if size < 0 {
		size = 0
	}
	return &Grid{size: size, slots: make([]slot, size*size)}
}

// Fold reduces a whole log at once. Used for bootstrap only.
func Fold(size int, ops []pixel.Operation) *Grid {
	g := New(size)
	g.Apply(ops)
	return g
}

// Size returns the grid side length.
func (g *Grid) Size() int { return g.size }

// Apply folds ops into the grid and returns the cells whose visible color
// changed, in the order the changes happened. Out of bounds operations are
// ignored; they are filtered at ingestion and never expected here.
func (g *Grid) Apply(ops []pixel.Operation) []Cell {
	var changed []Cell
	for _, op := range ops {
		if !pixel.InBounds(op.X, op.Y, g.size) {
			continue
		}
		s := &g.slots[op.Y*g.size+op.X]
		if s.painted && !s.id.Less(op.ID) {
			continue
		}
		visible := !s.painted || s.color != op.Color
		s.color, s.id, s.painted = op.Color, op.ID, true
		if visible {
			changed = append(changed, Cell{X: op.X, Y: op.Y, Color: op.Color, ID: op.ID})
		}
	}
	return changed
}

// Color returns the color of (x, y), Background when unpainted or off grid.
func (g *Grid) Color(x, y int) pixel.Color {
	if !pixel.InBounds(x, y, g.size) {
		return pixel.Background
	}
	s := g.slots[y*g.size+x]
	if !s.painted {
		return pixel.Background
	}
	return s.color
}

// Snapshot copies the current state.
func (g *Grid) Snapshot() Snapshot {
	cells := make([]slot, len(g.slots))
	copy(cells, g.slots)
	return Snapshot{size: g.size, slots: cells}
}
