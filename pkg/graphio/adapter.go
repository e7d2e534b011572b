// Package graphio holds the input and output adapters that seed the graph
// from external records at job start and drain final vertex values after
// halting. Adapters are strategies resolved by configuration-time id.
package graphio

import (
	"fmt"
	"io"
	"sync"

	"github.com/stepwise-graph/stepwise/pkg/graph"
)

// VertexRecord is one explicit vertex from the input: id, initial value,
// and optionally its outgoing edges.
type VertexRecord struct {
	ID    graph.VertexID
	Value any
	Edges []graph.Edge
}

// EdgeRecord is one edge from an edge-only input.
type EdgeRecord struct {
	Source graph.VertexID
	Target graph.VertexID
	Value  any
}

// VertexReader streams vertex records. Read returns io.EOF at the end.
type VertexReader interface {
	Read() (*VertexRecord, error)
}

// EdgeReader streams edge records. Read returns io.EOF at the end.
type EdgeReader interface {
	Read() (*EdgeRecord, error)
}

// OutputWriter consumes final (vertexId, value) pairs after halting.
type OutputWriter interface {
	Write(id graph.VertexID, value any) error
	Flush() error
}

var (
	adapterMu     sync.RWMutex
	vertexInputs  = map[string]func(io.Reader) VertexReader{}
	edgeInputs    = map[string]func(io.Reader) EdgeReader{}
	outputWriters = map[string]func(io.Writer) OutputWriter{}
)

// RegisterVertexInput makes a vertex input adapter selectable by id.
func RegisterVertexInput(name string, factory func(io.Reader) VertexReader) {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	vertexInputs[name] = factory
}

// RegisterEdgeInput makes an edge input adapter selectable by id.
func RegisterEdgeInput(name string, factory func(io.Reader) EdgeReader) {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	edgeInputs[name] = factory
}

// RegisterOutput makes an output adapter selectable by id.
func RegisterOutput(name string, factory func(io.Writer) OutputWriter) {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	outputWriters[name] = factory
}

// NewVertexInput resolves a vertex input adapter by registered name.
func NewVertexInput(name string, r io.Reader) (VertexReader, error) {
	adapterMu.RLock()
	factory, ok := vertexInputs[name]
	adapterMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vertex input adapter %q is not registered", name)
	}
	return factory(r), nil
}

// NewEdgeInput resolves an edge input adapter by registered name.
func NewEdgeInput(name string, r io.Reader) (EdgeReader, error) {
	adapterMu.RLock()
	factory, ok := edgeInputs[name]
	adapterMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("edge input adapter %q is not registered", name)
	}
	return factory(r), nil
}

// NewOutput resolves an output adapter by registered name.
func NewOutput(name string, w io.Writer) (OutputWriter, error) {
	adapterMu.RLock()
	factory, ok := outputWriters[name]
	adapterMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("output adapter %q is not registered", name)
	}
	return factory(w), nil
}
