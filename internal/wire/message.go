// Package wire defines the messages exchanged between participants and the
// relay, and the codecs that put them on a websocket.
//
// An operation travels as
//
//	{"id":{"replica":"…","clock":7},"pixel":[x,y,"#RRGGBB"]}
//
// where pixel is strictly a 3-tuple. Messages are either a snapshot (the
// room history the relay sends first on every connection) or ops (live
// operations, in both directions).
package wire

import (
	"errors"
	"fmt"

	"collabpixel/internal/pixel"
)

// Kind tells a snapshot apart from live operations.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindOps      Kind = "ops"
)

// ErrUnparseable means the frame could not be read as a message at all.
var ErrUnparseable = errors.New("unparseable message")

// Message is one websocket frame worth of operations.
type Message struct {
	Kind Kind
	Ops  []pixel.Operation
}

// Snapshot builds a bootstrap message.
func Snapshot(ops []pixel.Operation) Message {
	return Message{Kind: KindSnapshot, Ops: ops}
}

// Ops builds a live operations message.
func Ops(ops ...pixel.Operation) Message {
	return Message{Kind: KindOps, Ops: ops}
}

// stamp mirrors pixel.ID on the wire.
type stamp struct {
	Replica string `json:"replica" msgpack:"replica"`
	Clock   uint64 `json:"clock" msgpack:"clock"`
}

// tuple is the (x, y, color) triple.
type tuple struct {
	X, Y  int
	Color string
	set   bool
}

type record struct {
	ID    stamp `json:"id" msgpack:"id"`
	Pixel tuple `json:"pixel" msgpack:"pixel"`
}

func toRecord(op pixel.Operation) record {
	return record{
		ID:    stamp{Replica: op.ID.Replica, Clock: op.ID.Clock},
		Pixel: tuple{X: op.X, Y: op.Y, Color: string(op.Color), set: true},
	}
}

// operation converts a decoded record and checks it against the grid.
func (r record) operation(size int) (pixel.Operation, error) {
	if !r.Pixel.set {
		return pixel.Operation{}, fmt.Errorf("%w: missing pixel", pixel.ErrMalformed)
	}
	c, err := pixel.ParseColor(r.Pixel.Color)
	if err != nil {
		return pixel.Operation{}, err
	}
	op := pixel.Operation{
		ID:    pixel.ID{Replica: r.ID.Replica, Clock: r.ID.Clock},
		X:     r.Pixel.X,
		Y:     r.Pixel.Y,
		Color: c,
	}
	if err := pixel.Validate(op, size); err != nil {
		return pixel.Operation{}, err
	}
	return op, nil
}

func parseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSnapshot, KindOps:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrUnparseable, s)
	}
}
