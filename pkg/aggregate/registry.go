// Package aggregate maintains named global values combined once per
// superstep. Workers accumulate local partials during compute; the master
// combines all partials at the barrier and broadcasts the result, which is
// the only aggregator state visible to the next superstep.
package aggregate

import (
	"fmt"
	"sync"
)

// CombineFunc folds two aggregator values. It must be associative and
// commutative so the global result is independent of worker reporting
// order.
type CombineFunc func(a, b any) any

// Definition describes one aggregator.
type Definition struct {
	Name    string
	Combine CombineFunc
	Initial any
}

// Registry holds aggregator definitions plus the two value planes: local
// partials being accumulated this superstep, and the read-only global
// values combined at the previous barrier.
type Registry struct {
	mu       sync.Mutex
	defs     map[string]Definition
	partials map[string]any
	global   map[string]any
}

func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		partials: make(map[string]any),
		global:   make(map[string]any),
	}
}

// Register adds an aggregator. Registration happens at job configuration
// time, before superstep 0; a nil combine function is a validation error.
func (r *Registry) Register(name string, combine CombineFunc, initial any) error {
	if name == "" {
		return fmt.Errorf("aggregator name must not be empty")
	}
	if combine == nil {
		return fmt.Errorf("aggregator %q: combine function must not be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[name]; exists {
		return fmt.Errorf("aggregator %q registered twice", name)
	}
	r.defs[name] = Definition{Name: name, Combine: combine, Initial: initial}
	r.global[name] = initial
	return nil
}

// Contribute folds a local partial during a superstep. Contributions to an
// unknown aggregator surface the identity mismatch immediately.
func (r *Registry) Contribute(name string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[name]
	if !ok {
		return fmt.Errorf("contribution to unregistered aggregator %q", name)
	}
	if cur, ok := r.partials[name]; ok {
		r.partials[name] = def.Combine(cur, value)
	} else {
		r.partials[name] = value
	}
	return nil
}

// DrainPartials returns and clears the local partials. Workers hand the
// result to the master with their completion report.
func (r *Registry) DrainPartials() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.partials
	r.partials = make(map[string]any)
	return out
}

// CombineReports folds per-worker partials into the global values for the
// next superstep. Called once per barrier, by the master only. Aggregators
// nobody contributed to reset to their initial value.
func (r *Registry) CombineReports(reports []map[string]any) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]any, len(r.defs))
	for name, def := range r.defs {
		next[name] = def.Initial
	}
	for _, report := range reports {
		for name, partial := range report {
			def, ok := r.defs[name]
			if !ok {
				return nil, fmt.Errorf("worker reported unknown aggregator %q", name)
			}
			next[name] = def.Combine(next[name], partial)
		}
	}
	r.global = next
	return r.snapshotLocked(), nil
}

// Seed overwrites an aggregator's value before broadcast. This is the
// master-only write phase: it happens once per barrier, independent of
// worker contributions.
func (r *Registry) Seed(name string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; !ok {
		return fmt.Errorf("seed of unregistered aggregator %q", name)
	}
	r.global[name] = value
	return nil
}

// Global returns the read-only combined value from the last barrier.
func (r *Registry) Global(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.global[name]
	return v, ok
}

// Globals snapshots all combined values, e.g. for broadcast to workers.
func (r *Registry) Globals() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// SetGlobals replaces the combined values, e.g. on a worker receiving the
// master's broadcast.
func (r *Registry) SetGlobals(values map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = make(map[string]any, len(values))
	for name, v := range values {
		r.global[name] = v
	}
}

// Names lists the registered aggregator names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	return out
}

func (r *Registry) snapshotLocked() map[string]any {
	out := make(map[string]any, len(r.global))
	for name, v := range r.global {
		out[name] = v
	}
	return out
}
