package pixel

import (
	"errors"
	"fmt"
	"math"
)

// ErrMalformed is returned for operations that must not reach the log:
// coordinates off the grid, a bad color or a missing stamp.
var ErrMalformed = errors.New("malformed operation")

// MaxClock is the exclusive upper bound for a valid clock. Stamps at or
// above it would let the next local clock overflow.
const MaxClock = math.MaxUint64 / 2

// ID is a globally unique identifier for an operation, combining a logical
// clock and the ID of the replica that created it.
type ID struct {
	Replica string `json:"replica"`
	Clock   uint64 `json:"clock"`
}

// IsZero reports whether the ID was never stamped.
func (id ID) IsZero() bool {
	return id.Replica == "" && id.Clock == 0
}

// Less orders IDs by clock, then by replica so concurrent stamps with the
// same clock still compare the same way everywhere.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Replica < other.Replica
}

func (id ID) String() string {
	return fmt.Sprintf("%s@%d", id.Replica, id.Clock)
}

// Operation is the instruction "paint cell (X, Y) with Color". It is never
// modified once appended to a log.
type Operation struct {
	ID    ID
	X     int
	Y     int
	Color Color
}

// New builds an unstamped operation. The log assigns the ID on append.
func New(x, y int, c Color) Operation {
	return Operation{X: x, Y: y, Color: c}
}

// InBounds reports whether (x, y) lies on a size×size grid.
func InBounds(x, y, size int) bool {
	return x >= 0 && y >= 0 && x < size && y < size
}

// Validate checks a stamped operation against a grid of the given size.
func Validate(op Operation, size int) error {
	if !InBounds(op.X, op.Y, size) {
		return fmt.Errorf("%w: cell (%d,%d) outside %dx%d grid", ErrMalformed, op.X, op.Y, size, size)
	}
	if _, err := ParseColor(string(op.Color)); err != nil {
		return err
	}
	if op.ID.Replica == "" || op.ID.Clock == 0 {
		return fmt.Errorf("%w: missing stamp", ErrMalformed)
	}
	if op.ID.Clock >= MaxClock {
		return fmt.Errorf("%w: clock %d out of range", ErrMalformed, op.ID.Clock)
	}
	return nil
}
