package wire

import (
	"encoding/json"
	"fmt"

	"collabpixel/internal/pixel"
)

// MarshalOperation encodes a single operation as its JSON record, the form
// history stores keep.
func MarshalOperation(op pixel.Operation) ([]byte, error) {
	return json.Marshal(toRecord(op))
}

// UnmarshalOperation decodes and validates one JSON record.
func UnmarshalOperation(data []byte, size int) (pixel.Operation, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return pixel.Operation{}, fmt.Errorf("%w: %v", pixel.ErrMalformed, err)
	}
	return rec.operation(size)
}
