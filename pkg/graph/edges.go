package graph

import (
	"fmt"
	"sync"
)

// OutEdges is the pluggable container for a vertex's outgoing edges.
// Iteration order is insertion order.
type OutEdges interface {
	Add(e Edge)
	Remove(target VertexID)
	All() []Edge
	Len() int
}

// SliceEdges is the default OutEdges container.
type SliceEdges struct {
	edges []Edge
}

func NewSliceEdges() *SliceEdges { return &SliceEdges{} }

func (s *SliceEdges) Add(e Edge) { s.edges = append(s.edges, e) }

func (s *SliceEdges) Remove(target VertexID) {
	kept := s.edges[:0]
	for _, e := range s.edges {
		if e.Target != target {
			kept = append(kept, e)
		}
	}
	s.edges = kept
}

func (s *SliceEdges) All() []Edge { return s.edges }

func (s *SliceEdges) Len() int { return len(s.edges) }

// EdgeFilter decides whether an edge survives insertion.
type EdgeFilter func(Edge) bool

// FilteredEdges decorates another container, dropping edges rejected by the
// filter at insertion time. It is used only while loading input; the loader
// unwraps it so the vertex's runtime container remains the configured base
// type.
type FilteredEdges struct {
	Inner OutEdges
	Keep  EdgeFilter
}

func NewFilteredEdges(inner OutEdges, keep EdgeFilter) *FilteredEdges {
	return &FilteredEdges{Inner: inner, Keep: keep}
}

func (f *FilteredEdges) Add(e Edge) {
	if f.Keep(e) {
		f.Inner.Add(e)
	}
}

func (f *FilteredEdges) Remove(target VertexID) { f.Inner.Remove(target) }

func (f *FilteredEdges) All() []Edge { return f.Inner.All() }

func (f *FilteredEdges) Len() int { return f.Inner.Len() }

// Unwrap returns the decorated container.
func (f *FilteredEdges) Unwrap() OutEdges { return f.Inner }

var (
	edgesMu       sync.RWMutex
	edgesRegistry = map[string]func() OutEdges{}
)

// RegisterEdges makes an out-edge container constructor selectable by id in
// the job configuration.
func RegisterEdges(name string, factory func() OutEdges) {
	edgesMu.Lock()
	defer edgesMu.Unlock()
	edgesRegistry[name] = factory
}

// NewEdges resolves an out-edge container by registered name.
func NewEdges(name string) (func() OutEdges, error) {
	edgesMu.RLock()
	factory, ok := edgesRegistry[name]
	edgesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("out-edges container %q is not registered", name)
	}
	return factory, nil
}

func init() {
	RegisterEdges("slice", func() OutEdges { return NewSliceEdges() })
}
