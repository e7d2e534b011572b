package codec

import (
	"encoding/json"
	"fmt"
)

func init() {
	Register("json", func() Codec { return JSONCodec{} })
}

// JSONCodec encodes payloads as JSON. Useful for debugging checkpoints by
// hand; note that JSON decodes all numbers as float64.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (any, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	return value, nil
}
