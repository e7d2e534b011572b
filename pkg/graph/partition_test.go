package graph

import (
	"testing"
)

func TestPartition_DeterministicOrder(t *testing.T) {
	p := NewPartition(0)
	for _, id := range []VertexID{"9", "3", "1", "7", "5"} {
		p.Put(NewVertex(id, int64(0)))
	}

	var first []VertexID
	for i := 0; i < 5; i++ {
		ids := p.IDs()
		if first == nil {
			first = ids
			continue
		}
		for j := range ids {
			if ids[j] != first[j] {
				t.Fatalf("iteration order changed between runs: %v vs %v", ids, first)
			}
		}
	}

	// Sorted order is the contract, not just stability.
	want := []VertexID{"1", "3", "5", "7", "9"}
	for i, id := range first {
		if id != want[i] {
			t.Fatalf("expected sorted ids %v, got %v", want, first)
		}
	}
}

func TestPartition_ActiveCount(t *testing.T) {
	p := NewPartition(0)
	a := NewVertex("a", int64(0))
	b := NewVertex("b", int64(0))
	p.Put(a)
	p.Put(b)

	if p.ActiveCount() != 2 {
		t.Fatalf("expected 2 active, got %d", p.ActiveCount())
	}

	a.VoteToHalt()
	if p.ActiveCount() != 1 {
		t.Fatalf("expected 1 active after halt, got %d", p.ActiveCount())
	}

	a.Activate()
	if p.ActiveCount() != 2 {
		t.Fatalf("expected reactivated vertex to count, got %d", p.ActiveCount())
	}
}

func TestMutationBuffer_RemoveBeforeAdd(t *testing.T) {
	p := NewPartition(0)
	v := NewVertex("x", int64(10))
	p.Put(v)

	var buf MutationBuffer
	buf.Add(Mutation{Kind: AddVertex, Vertex: "x", Value: int64(99)})
	buf.Add(Mutation{Kind: RemoveVertex, Vertex: "x"})

	buf.Apply(p, 1, DefaultValueFactory, func() OutEdges { return NewSliceEdges() })

	got := p.Get("x")
	if got == nil {
		t.Fatal("vertex x should have been re-added")
	}
	if got.Value != int64(99) {
		t.Fatalf("expected re-added value 99, got %v", got.Value)
	}
}

func TestMutationBuffer_EdgeToMissingVertexCreatesIt(t *testing.T) {
	p := NewPartition(0)

	var buf MutationBuffer
	buf.Add(Mutation{Kind: AddEdge, Vertex: "new", Edge: Edge{Target: "other"}})
	buf.Apply(p, 1, DefaultValueFactory, func() OutEdges { return NewSliceEdges() })

	v := p.Get("new")
	if v == nil {
		t.Fatal("edge mutation should create the source vertex")
	}
	if v.Value != int64(0) {
		t.Fatalf("implicit vertex should carry the default value, got %v", v.Value)
	}
	if v.Edges.Len() != 1 {
		t.Fatalf("expected 1 edge, got %d", v.Edges.Len())
	}
}

func TestMutationBuffer_LaterRequestsStayBuffered(t *testing.T) {
	p := NewPartition(0)

	var buf MutationBuffer
	buf.Add(Mutation{Kind: AddVertex, Vertex: "a", Superstep: 0, Value: int64(1)})
	buf.Add(Mutation{Kind: AddVertex, Vertex: "b", Superstep: 1, Value: int64(2)})

	buf.Apply(p, 1, DefaultValueFactory, func() OutEdges { return NewSliceEdges() })
	if p.Get("a") == nil {
		t.Fatal("superstep-0 request should apply at the superstep-1 barrier")
	}
	if p.Get("b") != nil {
		t.Fatal("superstep-1 request must wait for the superstep-2 barrier")
	}
	if buf.Len() != 1 {
		t.Fatalf("expected 1 retained request, got %d", buf.Len())
	}

	buf.Apply(p, 2, DefaultValueFactory, func() OutEdges { return NewSliceEdges() })
	if p.Get("b") == nil {
		t.Fatal("retained request should apply at its own barrier")
	}
}

func TestFilteredEdges_DropsAtInsertion(t *testing.T) {
	base := NewSliceEdges()
	filtered := NewFilteredEdges(base, func(e Edge) bool { return e.Target != "drop" })

	filtered.Add(Edge{Target: "keep"})
	filtered.Add(Edge{Target: "drop"})

	if base.Len() != 1 {
		t.Fatalf("expected 1 surviving edge, got %d", base.Len())
	}
	if filtered.Unwrap() != base {
		t.Fatal("Unwrap should return the decorated container")
	}
}
