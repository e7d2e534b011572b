package graphio

import (
	"errors"
	"fmt"
	"io"

	"github.com/stepwise-graph/stepwise/pkg/graph"
)

// LoadOptions configures a graph load from input adapters into partitions.
type LoadOptions struct {
	Vertices VertexReader // optional
	Edges    EdgeReader   // optional

	// Assign maps a vertex id to its partition.
	Assign func(graph.VertexID) graph.PartitionID
	// Partition returns (creating on demand) the partition to fill.
	Partition func(graph.PartitionID) *graph.Partition

	// NewEdges constructs the runtime out-edge container.
	NewEdges func() graph.OutEdges
	// InputFilter, when set, decorates the container during load only:
	// edges it rejects are dropped at insertion, but the vertex keeps the
	// configured base container afterwards.
	InputFilter graph.EdgeFilter
	// NewValue produces values for vertices created implicitly.
	NewValue graph.ValueFactory
}

// Load seeds partitions from the input adapters, consumed exactly once at
// job start. Explicit vertex records carry their own values; an edge record
// creates its source vertex with a factory value when missing. Targets
// referenced but never listed are not created here; they materialize when a
// message first reaches them.
func Load(opts LoadOptions) error {
	if opts.NewEdges == nil {
		opts.NewEdges = func() graph.OutEdges { return graph.NewSliceEdges() }
	}
	if opts.NewValue == nil {
		opts.NewValue = graph.DefaultValueFactory
	}

	newContainer := func() graph.OutEdges {
		edges := opts.NewEdges()
		if opts.InputFilter != nil {
			return graph.NewFilteredEdges(edges, opts.InputFilter)
		}
		return edges
	}

	loaded := map[graph.VertexID]*graph.Vertex{}

	place := func(id graph.VertexID, value any) *graph.Vertex {
		if v, ok := loaded[id]; ok {
			return v
		}
		v := &graph.Vertex{ID: id, Value: value, Edges: newContainer()}
		loaded[id] = v
		opts.Partition(opts.Assign(id)).Put(v)
		return v
	}

	if opts.Vertices != nil {
		for {
			rec, err := opts.Vertices.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("vertex input: %w", err)
			}
			if _, dup := loaded[rec.ID]; dup {
				return fmt.Errorf("vertex input: duplicate vertex %s", rec.ID)
			}
			v := place(rec.ID, rec.Value)
			for _, e := range rec.Edges {
				v.Edges.Add(e)
			}
		}
	}

	if opts.Edges != nil {
		for {
			rec, err := opts.Edges.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("edge input: %w", err)
			}
			v := place(rec.Source, opts.NewValue())
			v.Edges.Add(graph.Edge{Target: rec.Target, Value: rec.Value})
		}
	}

	// Drop the load-time filter wrapper: the runtime container must be the
	// configured base type.
	for _, v := range loaded {
		if f, ok := v.Edges.(*graph.FilteredEdges); ok {
			v.Edges = f.Unwrap()
		}
	}
	return nil
}
