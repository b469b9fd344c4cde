package wire

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// Codec turns messages into websocket frames and back.
//
// Decode drops malformed operations one by one and reports each in rejected;
// err is only set when the frame is not a message at all.
type Codec interface {
	Name() string
	FrameType() int
	Encode(m Message) ([]byte, error)
	Decode(data []byte, size int) (m Message, rejected []error, err error)
}

var codecs = map[string]Codec{
	JSON.Name():    JSON,
	Msgpack.Name(): Msgpack,
}

// CodecByName returns "json" or "msgpack". An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	if name == "" {
		return JSON, nil
	}
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	return c, nil
}

// CodecForFrame picks the codec matching a received websocket frame type.
func CodecForFrame(frameType int) Codec {
	if frameType == websocket.BinaryMessage {
		return Msgpack
	}
	return JSON
}
