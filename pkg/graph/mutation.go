package graph

import (
	"sort"
	"sync"
)

// Mutation is a buffered graph change requested during a superstep. All
// mutations collected during superstep S are applied atomically per
// partition before message delivery for S+1 begins. The request
// superstep travels with the mutation because a remote batch can reach
// a peer that has not started S yet; applying on the tag keeps the
// schedule exact on both sides.
type Mutation struct {
	Kind      MutationKind
	Vertex    VertexID
	Superstep int
	Value     any      // AddVertex initial value
	Edge      Edge     // AddEdge payload
	Target    VertexID // RemoveEdge target
}

type MutationKind int

const (
	AddVertex MutationKind = iota
	RemoveVertex
	AddEdge
	RemoveEdge
)

// MutationBuffer collects mutation requests for a single partition.
// Compute calls on any partition may target it concurrently, since a
// mutation is buffered with the partition that owns its target id, not
// the partition of the requesting vertex.
type MutationBuffer struct {
	mu      sync.Mutex
	pending []Mutation
}

func (b *MutationBuffer) Add(m Mutation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, m)
}

func (b *MutationBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Pending copies the buffered mutations without clearing them, so a
// checkpoint can capture requests that have not been applied yet.
func (b *MutationBuffer) Pending() []Mutation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Mutation(nil), b.pending...)
}

// Apply replays the buffered mutations requested before superstep s
// against the partition and drops them from the buffer; later requests
// stay buffered for their own barrier. Removals are applied before
// additions so that a remove+add of the same vertex in one superstep
// yields the freshly added vertex. Adding a vertex that already exists
// keeps the existing one; edge mutations for a missing vertex create it
// through the factory first.
func (b *MutationBuffer) Apply(p *Partition, s int, newValue ValueFactory, newEdges func() OutEdges) {
	b.mu.Lock()
	defer b.mu.Unlock()

	due := make([]Mutation, 0, len(b.pending))
	later := b.pending[:0]
	for _, m := range b.pending {
		if m.Superstep < s {
			due = append(due, m)
		} else {
			later = append(later, m)
		}
	}
	b.pending = later

	sort.SliceStable(due, func(i, j int) bool {
		return mutationRank(due[i].Kind) < mutationRank(due[j].Kind)
	})

	for _, m := range due {
		switch m.Kind {
		case RemoveVertex:
			p.Remove(m.Vertex)
		case RemoveEdge:
			if v := p.Get(m.Vertex); v != nil {
				v.Edges.Remove(m.Target)
			}
		case AddVertex:
			if p.Get(m.Vertex) == nil {
				value := m.Value
				if value == nil {
					value = newValue()
				}
				p.Put(&Vertex{ID: m.Vertex, Value: value, Edges: newEdges()})
			}
		case AddEdge:
			v := p.Get(m.Vertex)
			if v == nil {
				v = &Vertex{ID: m.Vertex, Value: newValue(), Edges: newEdges()}
				p.Put(v)
			}
			v.Edges.Add(m.Edge)
		}
	}
}

func mutationRank(k MutationKind) int {
	switch k {
	case RemoveVertex, RemoveEdge:
		return 0
	default:
		return 1
	}
}
