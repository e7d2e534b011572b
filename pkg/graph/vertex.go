// Package graph holds the core data model: vertices, edges, out-edge
// containers and partitions. A partition is an independently serializable
// arena of vertices indexed by id; edges carry only the target id and are
// resolved to a worker through the partition routing table, never through
// in-memory references.
package graph

// VertexID identifies a vertex uniquely within the graph.
type VertexID string

// Edge is an outgoing edge: target vertex id plus an opaque value.
type Edge struct {
	Target VertexID
	Value  any
}

// Vertex is the unit of computation. It is owned exclusively by the
// partition holding it and is only mutated by its own compute invocation or
// by buffered mutation requests applied between supersteps.
type Vertex struct {
	ID     VertexID
	Value  any
	Edges  OutEdges
	Halted bool
}

// NewVertex creates a vertex with the default out-edge container.
func NewVertex(id VertexID, value any) *Vertex {
	return &Vertex{ID: id, Value: value, Edges: NewSliceEdges()}
}

// VoteToHalt marks the vertex inactive. A halted vertex is skipped in
// following supersteps until a message addressed to it arrives, which
// clears the flag again.
func (v *Vertex) VoteToHalt() { v.Halted = true }

// Activate clears the halted flag.
func (v *Vertex) Activate() { v.Halted = false }

// ValueFactory produces the value for a vertex created implicitly, i.e. a
// vertex that was never listed in the input but appears as an edge source
// or a message destination.
type ValueFactory func() any

// DefaultValueFactory yields the zero value used when no custom factory is
// configured.
func DefaultValueFactory() any { return int64(0) }
