package oplog

import (
	"math"
	"testing"

	"collabpixel/internal/pixel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paint(x, y int, c string) pixel.Operation {
	return pixel.New(x, y, pixel.MustColor(c))
}

func TestAppendStampsAndReduces(t *testing.T) {
	l := New("alice", 4)

	first := l.Append(paint(0, 0, "#FF0000"))
	second := l.Append(paint(0, 0, "#00FF00"))

	assert.Equal(t, pixel.ID{Replica: "alice", Clock: 1}, first.ID)
	assert.Equal(t, pixel.ID{Replica: "alice", Clock: 2}, second.ID)
	assert.Equal(t, pixel.Color("#00FF00"), l.Color(0, 0))
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, []pixel.Operation{first, second}, l.TakeOutbound())
	assert.Empty(t, l.TakeOutbound(), "outbound is drained once")
}

func TestMergeIsIdempotent(t *testing.T) {
	l := New("bob", 4)
	remote := []pixel.Operation{
		{ID: pixel.ID{Replica: "alice", Clock: 1}, X: 1, Y: 1, Color: "#000000"},
		{ID: pixel.ID{Replica: "alice", Clock: 2}, X: 2, Y: 1, Color: "#000000"},
	}

	b := l.Merge(remote)
	require.Len(t, b.Ops, 2)
	before := l.Snapshot()

	b = l.Merge(remote)
	assert.Empty(t, b.Ops)
	assert.Equal(t, 2, l.Len())
	assert.True(t, before.Equal(l.Snapshot()))
	assert.Empty(t, l.TakeOutbound(), "merged operations are not re-sent")
}

func TestMergeIgnoresOwnEcho(t *testing.T) {
	l := New("alice", 4)
	op := l.Append(paint(3, 3, "#0000FF"))
	b := l.Merge([]pixel.Operation{op})
	assert.Empty(t, b.Ops)
	assert.Equal(t, 1, l.Len())
}

func TestMergeAdvancesClock(t *testing.T) {
	l := New("bob", 4)
	l.Merge([]pixel.Operation{{ID: pixel.ID{Replica: "alice", Clock: 9}, X: 0, Y: 0, Color: "#FF0000"}})

	// A write made after observing alice's must win over it everywhere.
	op := l.Append(paint(0, 0, "#00FF00"))
	assert.Equal(t, uint64(10), op.ID.Clock)
	assert.Equal(t, pixel.Color("#00FF00"), l.Color(0, 0))
}

func TestMergeSkipsOverflowingClock(t *testing.T) {
	l := New("bob", 4)
	l.Merge([]pixel.Operation{{ID: pixel.ID{Replica: "alice", Clock: 3}, X: 1, Y: 0, Color: "#0000FF"}})
	b := l.Merge([]pixel.Operation{
		{ID: pixel.ID{Replica: "alice", Clock: math.MaxUint64}, X: 0, Y: 0, Color: "#FF0000"},
		{ID: pixel.ID{Replica: "alice", Clock: pixel.MaxClock}, X: 0, Y: 0, Color: "#FF0000"},
	})
	assert.Empty(t, b.Ops)
	assert.Equal(t, uint64(3), l.Clock())

	op := l.Append(paint(0, 0, "#00FF00"))
	assert.Equal(t, pixel.ID{Replica: "bob", Clock: 4}, op.ID)
	require.NoError(t, pixel.Validate(op, 4))
	assert.Equal(t, pixel.Color("#00FF00"), l.Color(0, 0))
}

func TestSubscribeOncePerBatch(t *testing.T) {
	l := New("bob", 4)
	var batches []Batch
	unsubscribe := l.Subscribe(func(b Batch) { batches = append(batches, b) })

	l.Merge([]pixel.Operation{
		{ID: pixel.ID{Replica: "alice", Clock: 1}, X: 0, Y: 0, Color: "#FF0000"},
		{ID: pixel.ID{Replica: "alice", Clock: 2}, X: 1, Y: 0, Color: "#FF0000"},
	})
	l.Merge(nil)
	l.Append(paint(2, 2, "#000000"))

	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Ops, 2)
	assert.Len(t, batches[0].Changed, 2)
	assert.False(t, batches[0].Local)
	assert.True(t, batches[1].Local)

	unsubscribe()
	l.Append(paint(3, 2, "#000000"))
	assert.Len(t, batches, 2)
}

func TestReplicasConvergeRegardlessOfArrival(t *testing.T) {
	a := New("a", 4)
	b := New("b", 4)

	// Concurrent writes to the same cell, neither replica has seen the other.
	opA := a.Append(paint(0, 0, "#FF0000"))
	opB := b.Append(paint(0, 0, "#00FF00"))

	a.Merge([]pixel.Operation{opB})
	b.Merge([]pixel.Operation{opA})

	assert.True(t, a.Snapshot().Equal(b.Snapshot()))
	assert.Equal(t, a.Color(0, 0), b.Color(0, 0))
}

func TestOpsReturnsCopy(t *testing.T) {
	l := New("a", 2)
	l.Append(paint(0, 0, "#FF0000"))
	ops := l.Ops()
	ops[0].Color = "#000000"
	assert.Equal(t, pixel.Color("#FF0000"), l.Ops()[0].Color)
}
