package graph

import "sort"

// PartitionID identifies a partition. Vertex-to-partition membership is
// deterministic under the configured partitioner; partition-to-worker
// ownership may change across supersteps.
type PartitionID int

// Partition is a disjoint subset of the vertex set and the unit of
// ownership, checkpointing and load balancing. A partition is never
// processed concurrently by two execution units.
type Partition struct {
	ID       PartitionID
	vertices map[VertexID]*Vertex
}

func NewPartition(id PartitionID) *Partition {
	return &Partition{ID: id, vertices: make(map[VertexID]*Vertex)}
}

// Get returns the vertex or nil.
func (p *Partition) Get(id VertexID) *Vertex { return p.vertices[id] }

// Put inserts or replaces a vertex.
func (p *Partition) Put(v *Vertex) { p.vertices[v.ID] = v }

// Remove deletes a vertex. Removing a missing vertex is a no-op.
func (p *Partition) Remove(id VertexID) { delete(p.vertices, id) }

// Len returns the vertex count.
func (p *Partition) Len() int { return len(p.vertices) }

// IDs returns the vertex ids in sorted order. Compute iterates vertices in
// this order so identical input always produces identical runs, which
// checkpoint replay depends on.
func (p *Partition) IDs() []VertexID {
	ids := make([]VertexID, 0, len(p.vertices))
	for id := range p.vertices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Each invokes fn for every vertex in sorted id order, stopping on error.
func (p *Partition) Each(fn func(*Vertex) error) error {
	for _, id := range p.IDs() {
		if err := fn(p.vertices[id]); err != nil {
			return err
		}
	}
	return nil
}

// ActiveCount returns the number of vertices that have not voted to halt.
func (p *Partition) ActiveCount() int {
	n := 0
	for _, v := range p.vertices {
		if !v.Halted {
			n++
		}
	}
	return n
}
