package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

func init() {
	Register("gob", func() Codec { return GobCodec{} })
	// Payload types that cross process boundaries inside an interface value.
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(true)
	gob.Register([]any(nil))
	gob.Register(map[string]any(nil))
}

// GobCodec is the default codec: encoding/gob with a wrapper struct so that
// nil and interface-typed values survive the round trip.
type GobCodec struct{}

type gobEnvelope struct {
	Value any
}

func (GobCodec) Name() string { return "gob" }

func (GobCodec) Encode(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobEnvelope{Value: value}); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte) (any, error) {
	var env gobEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return env.Value, nil
}

// RegisterPayloadType makes a concrete payload type transportable inside
// interface-typed fields. Jobs with custom message or value types call this
// once at configuration time.
func RegisterPayloadType(value any) {
	gob.Register(value)
}
