// Package codec defines the pluggable byte encoding used for vertex, edge
// and message payloads, both on the wire and inside checkpoints.
package codec

import (
	"fmt"
	"sort"
	"sync"
)

// Codec encodes and decodes opaque payload values. Encode/Decode must
// round-trip losslessly for every value a job produces.
type Codec interface {
	Name() string
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

var (
	mu       sync.RWMutex
	registry = map[string]func() Codec{}
)

// Register makes a codec constructor available under its name. Codecs are
// selected by id in the job configuration.
func Register(name string, factory func() Codec) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = factory
}

// New resolves a codec by its registered name.
func New(name string) (Codec, error) {
	mu.RLock()
	factory, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q is not registered (have %v)", name, Names())
	}
	return factory(), nil
}

// Names returns the registered codec names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
