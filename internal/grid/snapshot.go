package grid

import "collabpixel/internal/pixel"

// Snapshot is an immutable copy of a grid, handed to render sinks for a full
// repaint.
type Snapshot struct {
	size  int
	slots []slot
}

// Size returns the side length.
func (s Snapshot) Size() int { return s.size }

// At returns the color of (x, y), Background when unpainted.
func (s Snapshot) At(x, y int) pixel.Color {
	if !pixel.InBounds(x, y, s.size) {
		return pixel.Background
	}
	sl := s.slots[y*s.size+x]
	if !sl.painted {
		return pixel.Background
	}
	return sl.color
}

// Painted counts cells that at least one operation targeted.
func (s Snapshot) Painted() int {
	n := 0
	for _, sl := range s.slots {
		if sl.painted {
			n++
		}
	}
	return n
}

// Cells lists the painted cells in row-major order.
func (s Snapshot) Cells() []Cell {
	var out []Cell
	for i, sl := range s.slots {
		if sl.painted {
			out = append(out, Cell{X: i % s.size, Y: i / s.size, Color: sl.color, ID: sl.id})
		}
	}
	return out
}

// Equal reports whether both snapshots show the same colors.
func (s Snapshot) Equal(other Snapshot) bool {
	if s.size != other.size {
		return false
	}
	for y := 0; y < s.size; y++ {
		for x := 0; x < s.size; x++ {
			if s.At(x, y) != other.At(x, y) {
				return false
			}
		}
	}
	return true
}
