// Package oplog holds the append-only, replicated sequence of paint
// operations for one room and keeps the reduced grid in step with it.
package oplog

import (
	"collabpixel/internal/grid"
	"collabpixel/internal/pixel"
)

// Batch is a group of operations newly incorporated into the log, together
// with the cells whose visible color they changed.
type Batch struct {
	Ops     []pixel.Operation
	Changed []grid.Cell
	Local   bool
}

// Log is the replicated operation log. It only grows. A Log is owned by a
// single goroutine and is not safe for concurrent use.
type Log struct {
	replica  string
	clock    uint64
	ops      []pixel.Operation
	seen     map[pixel.ID]struct{}
	grid     *grid.Grid
	outbound []pixel.Operation
	subs     map[int]func(Batch)
	nextSub  int
}

// New creates an empty log for the given replica on a size×size grid.
func New(replica string, size int) *Log {
	return &Log{
		replica: replica,
		seen:    make(map[pixel.ID]struct{}),
		grid:    grid.New(size),
		subs:    make(map[int]func(Batch)),
	}
}

// Replica returns the ID this log stamps local operations with.
func (l *Log) Replica() string { return l.replica }

// Clock returns the current Lamport clock.
func (l *Log) Clock() uint64 { return l.clock }

// Append stamps op with the next clock value, adds it to the tail, reduces
// it into the grid and marks it for sending. The stamped operation is
// returned.
func (l *Log) Append(op pixel.Operation) pixel.Operation {
	l.clock++
	op.ID = pixel.ID{Replica: l.replica, Clock: l.clock}
	l.ops = append(l.ops, op)
	l.seen[op.ID] = struct{}{}
	l.outbound = append(l.outbound, op)

	batch := []pixel.Operation{op}
	l.notify(Batch{Ops: batch, Changed: l.grid.Apply(batch), Local: true})
	return op
}

// Merge incorporates remote operations in delivery order. Operations whose
// ID is already in the log, or whose clock is not below pixel.MaxClock, are
// skipped. The returned batch holds only the
// operations that were new.
func (l *Log) Merge(remote []pixel.Operation) Batch {
	var fresh []pixel.Operation
	for _, op := range remote {
		if op.ID.Clock >= pixel.MaxClock {
			continue
		}
		if _, ok := l.seen[op.ID]; ok {
			continue
		}
		l.seen[op.ID] = struct{}{}
		l.ops = append(l.ops, op)
		fresh = append(fresh, op)
		if op.ID.Clock > l.clock {
			l.clock = op.ID.Clock
		}
	}
	if len(fresh) == 0 {
		return Batch{}
	}
	b := Batch{Ops: fresh, Changed: l.grid.Apply(fresh)}
	l.notify(b)
	return b
}

// TakeOutbound drains the local operations not yet handed to the transport,
// in append order.
func (l *Log) TakeOutbound() []pixel.Operation {
	out := l.outbound
	l.outbound = nil
	return out
}

// Subscribe registers fn to be called once per incorporated batch. The
// returned function removes the subscription.
func (l *Log) Subscribe(fn func(Batch)) (unsubscribe func()) {
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	return func() { delete(l.subs, id) }
}

func (l *Log) notify(b Batch) {
	for _, fn := range l.subs {
		fn(b)
	}
}

// Contains reports whether an operation with this ID was incorporated.
func (l *Log) Contains(id pixel.ID) bool {
	_, ok := l.seen[id]
	return ok
}

// Len returns the number of operations in the log.
func (l *Log) Len() int { return len(l.ops) }

// Ops returns a copy of the log in log order.
func (l *Log) Ops() []pixel.Operation {
	out := make([]pixel.Operation, len(l.ops))
	copy(out, l.ops)
	return out
}

// Snapshot returns the reduced grid.
func (l *Log) Snapshot() grid.Snapshot { return l.grid.Snapshot() }

// Color returns the reduced color of one cell.
func (l *Log) Color(x, y int) pixel.Color { return l.grid.Color(x, y) }
