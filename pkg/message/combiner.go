// Package message buffers, combines and delivers per-superstep messages.
// The invariant it upholds: a message produced during superstep S is
// visible to its destination's compute call only at S+1, exactly once.
package message

import (
	"fmt"
	"sync"
)

// Combiner folds messages addressed to the same destination as they
// arrive. It must be associative and commutative so the result is
// independent of arrival order, locally and across workers. A payload the
// combiner cannot handle is an error, which the store surfaces to the
// enqueueing compute call.
type Combiner interface {
	Name() string
	Combine(a, b any) (any, error)
}

// SumCombiner adds numeric payloads.
type SumCombiner struct{}

func (SumCombiner) Name() string { return "sum" }

func (SumCombiner) Combine(a, b any) (any, error) {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return x + y, nil
		}
	case float64:
		if y, ok := b.(float64); ok {
			return x + y, nil
		}
	case int:
		if y, ok := b.(int); ok {
			return x + y, nil
		}
	}
	return nil, fmt.Errorf("sum combiner: cannot combine %T with %T", a, b)
}

// MinCombiner keeps the smaller numeric payload.
type MinCombiner struct{}

func (MinCombiner) Name() string { return "min" }

func (MinCombiner) Combine(a, b any) (any, error) {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return min(x, y), nil
		}
	case float64:
		if y, ok := b.(float64); ok {
			return min(x, y), nil
		}
	case int:
		if y, ok := b.(int); ok {
			return min(x, y), nil
		}
	}
	return nil, fmt.Errorf("min combiner: cannot combine %T with %T", a, b)
}

var (
	combMu       sync.RWMutex
	combRegistry = map[string]func() Combiner{}
)

// RegisterCombiner makes a combiner selectable by id in the job
// configuration.
func RegisterCombiner(name string, factory func() Combiner) {
	combMu.Lock()
	defer combMu.Unlock()
	combRegistry[name] = factory
}

// NewCombiner resolves a combiner by registered name. The empty name means
// no combining.
func NewCombiner(name string) (Combiner, error) {
	if name == "" {
		return nil, nil
	}
	combMu.RLock()
	factory, ok := combRegistry[name]
	combMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("combiner %q is not registered", name)
	}
	return factory(), nil
}

func init() {
	RegisterCombiner("sum", func() Combiner { return SumCombiner{} })
	RegisterCombiner("min", func() Combiner { return MinCombiner{} })
}
