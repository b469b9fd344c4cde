package wire

import (
	"encoding/json"
	"fmt"

	"collabpixel/internal/pixel"

	"github.com/gorilla/websocket"
)

// JSON encodes messages as websocket text frames.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

type jsonEnvelope struct {
	Type string            `json:"type"`
	Ops  []json.RawMessage `json:"ops"`
}

func (jsonCodec) Name() string   { return "json" }
func (jsonCodec) FrameType() int { return websocket.TextMessage }

func (jsonCodec) Encode(m Message) ([]byte, error) {
	env := jsonEnvelope{Type: string(m.Kind), Ops: make([]json.RawMessage, 0, len(m.Ops))}
	for _, op := range m.Ops {
		raw, err := json.Marshal(toRecord(op))
		if err != nil {
			return nil, err
		}
		env.Ops = append(env.Ops, raw)
	}
	return json.Marshal(env)
}

func (jsonCodec) Decode(data []byte, size int) (Message, []error, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
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
		if err := json.Unmarshal(raw, &rec); err != nil {
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

func (t tuple) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{t.X, t.Y, t.Color})
}

func (t *tuple) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return fmt.Errorf("%w: pixel is not an array", pixel.ErrMalformed)
	}
	if len(parts) != 3 {
		return fmt.Errorf("%w: pixel has %d fields, want 3", pixel.ErrMalformed, len(parts))
	}
	if err := json.Unmarshal(parts[0], &t.X); err != nil {
		return fmt.Errorf("%w: x: %v", pixel.ErrMalformed, err)
	}
	if err := json.Unmarshal(parts[1], &t.Y); err != nil {
		return fmt.Errorf("%w: y: %v", pixel.ErrMalformed, err)
	}
	if err := json.Unmarshal(parts[2], &t.Color); err != nil {
		return fmt.Errorf("%w: color: %v", pixel.ErrMalformed, err)
	}
	t.set = true
	return nil
}

// malformed wraps decoder errors that did not come from our own checks.
func malformed(err error) error {
	return fmt.Errorf("%w: %v", pixel.ErrMalformed, err)
}
