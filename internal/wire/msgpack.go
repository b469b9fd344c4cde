package wire

import (
	"fmt"

	"collabpixel/internal/pixel"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack encodes messages as websocket binary frames.
var Msgpack Codec = msgpackCodec{}

type msgpackCodec struct{}

type msgpackEnvelope struct {
	Type string               `msgpack:"type"`
	Ops  []msgpack.RawMessage `msgpack:"ops"`
}

func (msgpackCodec) Name() string   { return "msgpack" }
func (msgpackCodec) FrameType() int { return websocket.BinaryMessage }

func (msgpackCodec) Encode(m Message) ([]byte, error) {
	env := msgpackEnvelope{Type: string(m.Kind), Ops: make([]msgpack.RawMessage, 0, len(m.Ops))}
	for _, op := range m.Ops {
		raw, err := msgpack.Marshal(toRecord(op))
		if err != nil {
			return nil, err
		}
		env.Ops = append(env.Ops, raw)
	}
	return msgpack.Marshal(&env)
}

func (msgpackCodec) Decode(data []byte, size int) (Message, []error, error) {
	var env msgpackEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Message{}, nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	kind, err := parseKind(env.Type)
	if err != nil {
		return Message{}, nil, err
	}

	m := Message{Kind: kind, Ops: make([]pixel.Operation, 0, len(env.Ops))}
	var rejected []error
	for i, raw := range env.Ops {
		var rec record
		if err := msgpack.Unmarshal(raw, &rec); err != nil {
			rejected = append(rejected, fmt.Errorf("op %d: %w", i, malformed(err)))
			continue
		}
		op, err := rec.operation(size)
		if err != nil {
			rejected = append(rejected, fmt.Errorf("op %d: %w", i, err))
			continue
		}
		m.Ops = append(m.Ops, op)
	}
	return m, rejected, nil
}

var (
	_ msgpack.CustomEncoder = tuple{}
	_ msgpack.CustomDecoder = (*tuple)(nil)
)

func (t tuple) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(t.X)); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(t.Y)); err != nil {
		return err
	}
	return enc.EncodeString(t.Color)
}

func (t *tuple) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("%w: pixel is not an array", pixel.ErrMalformed)
	}
	if n != 3 {
		return fmt.Errorf("%w: pixel has %d fields, want 3", pixel.ErrMalformed, n)
	}
	if t.X, err = dec.DecodeInt(); err != nil {
		return fmt.Errorf("%w: x: %v", pixel.ErrMalformed, err)
	}
	if t.Y, err = dec.DecodeInt(); err != nil {
		return fmt.Errorf("%w: y: %v", pixel.ErrMalformed, err)
	}
	if t.Color, err = dec.DecodeString(); err != nil {
		return fmt.Errorf("%w: color: %v", pixel.ErrMalformed, err)
	}
	t.set = true
	return nil
}
