// Package checkpoint periodically snapshots partition and message state to
// durable storage and drives rollback-and-replay recovery.
package checkpoint

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/stepwise-graph/stepwise/pkg/codec"
	"github.com/stepwise-graph/stepwise/pkg/graph"
)

func init() {
	// Mutations travel through the codec, inside snapshots and inside
	// remote flush batches.
	codec.RegisterPayloadType(graph.Mutation{})
}

// EdgeSnap is one serialized edge: the opaque value travels through the
// configured codec.
type EdgeSnap struct {
	Target graph.VertexID
	Value  []byte
}

// VertexSnap is one serialized vertex.
type VertexSnap struct {
	ID     graph.VertexID
	Value  []byte
	Halted bool
	Edges  []EdgeSnap
}

// PartitionSnapshot is the durable record for one partition at one
// superstep: vertex state, every undelivered message queue, and the
// graph mutations buffered for the partition but not applied yet.
type PartitionSnapshot struct {
	Partition graph.PartitionID
	Superstep int
	Vertices  []VertexSnap
	// Pending maps produced-in superstep -> destination -> encoded payloads.
	Pending map[int]map[graph.VertexID][][]byte
	// Mutations are codec-encoded, in request order.
	Mutations [][]byte
	Sent      map[int]int
}

// Snapshot serializes a partition, its pending messages and its buffered
// mutations. A codec failure is fatal and carries the offending identity.
func Snapshot(p *graph.Partition, pending map[int]map[graph.VertexID][]any, mutations []graph.Mutation, sent map[int]int, superstep int, c codec.Codec) (*PartitionSnapshot, error) {
	snap := &PartitionSnapshot{
		Partition: p.ID,
		Superstep: superstep,
		Pending:   make(map[int]map[graph.VertexID][][]byte, len(pending)),
		Sent:      sent,
	}

	err := p.Each(func(v *graph.Vertex) error {
		value, err := c.Encode(v.Value)
		if err != nil {
			return fmt.Errorf("encode value of vertex %s: %w", v.ID, err)
		}
		vs := VertexSnap{ID: v.ID, Value: value, Halted: v.Halted}
		for _, e := range v.Edges.All() {
			ev, err := c.Encode(e.Value)
			if err != nil {
				return fmt.Errorf("encode value of edge %s->%s: %w", v.ID, e.Target, err)
			}
			vs.Edges = append(vs.Edges, EdgeSnap{Target: e.Target, Value: ev})
		}
		snap.Vertices = append(snap.Vertices, vs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for step, queue := range pending {
		encoded := make(map[graph.VertexID][][]byte, len(queue))
		for dest, payloads := range queue {
			for _, payload := range payloads {
				data, err := c.Encode(payload)
				if err != nil {
					return nil, fmt.Errorf("encode pending message for vertex %s: %w", dest, err)
				}
				encoded[dest] = append(encoded[dest], data)
			}
		}
		snap.Pending[step] = encoded
	}

	for _, m := range mutations {
		data, err := c.Encode(m)
		if err != nil {
			return nil, fmt.Errorf("encode buffered mutation of vertex %s: %w", m.Vertex, err)
		}
		snap.Mutations = append(snap.Mutations, data)
	}
	return snap, nil
}

// RestoreResult is a decoded snapshot ready to install into a worker.
type RestoreResult struct {
	Partition *graph.Partition
	Pending   map[int]map[graph.VertexID][]any
	Mutations []graph.Mutation
	Sent      map[int]int
}

// Restore decodes a snapshot back into live partition state.
func Restore(snap *PartitionSnapshot, c codec.Codec, newEdges func() graph.OutEdges) (*RestoreResult, error) {
	p := graph.NewPartition(snap.Partition)
	for _, vs := range snap.Vertices {
		value, err := c.Decode(vs.Value)
		if err != nil {
			return nil, fmt.Errorf("decode value of vertex %s: %w", vs.ID, err)
		}
		v := &graph.Vertex{ID: vs.ID, Value: value, Halted: vs.Halted, Edges: newEdges()}
		for _, es := range vs.Edges {
			ev, err := c.Decode(es.Value)
			if err != nil {
				return nil, fmt.Errorf("decode value of edge %s->%s: %w", vs.ID, es.Target, err)
			}
			v.Edges.Add(graph.Edge{Target: es.Target, Value: ev})
		}
		p.Put(v)
	}

	pending := make(map[int]map[graph.VertexID][]any, len(snap.Pending))
	for step, queue := range snap.Pending {
		decoded := make(map[graph.VertexID][]any, len(queue))
		for dest, blobs := range queue {
			for _, data := range blobs {
				payload, err := c.Decode(data)
				if err != nil {
					return nil, fmt.Errorf("decode pending message for vertex %s: %w", dest, err)
				}
				decoded[dest] = append(decoded[dest], payload)
			}
		}
		pending[step] = decoded
	}

	mutations := make([]graph.Mutation, 0, len(snap.Mutations))
	for _, data := range snap.Mutations {
		payload, err := c.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode buffered mutation: %w", err)
		}
		m, ok := payload.(graph.Mutation)
		if !ok {
			return nil, fmt.Errorf("buffered mutation decoded to %T", payload)
		}
		mutations = append(mutations, m)
	}
	return &RestoreResult{Partition: p, Pending: pending, Mutations: mutations, Sent: snap.Sent}, nil
}

// Marshal frames a snapshot for storage.
func (s *PartitionSnapshot) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("marshal snapshot of partition %d: %w", s.Partition, err)
	}
	return buf.Bytes(), nil
}

// UnmarshalSnapshot decodes a stored snapshot frame.
func UnmarshalSnapshot(data []byte) (*PartitionSnapshot, error) {
	var snap PartitionSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// globalsRecord frames the per-checkpoint aggregator values. Gob keeps
// the concrete payload types, which yaml would flatten.
type globalsRecord struct {
	Values map[string]any
}

func marshalGlobals(values map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(globalsRecord{Values: values}); err != nil {
		return nil, fmt.Errorf("marshal aggregator globals: %w", err)
	}
	return buf.Bytes(), nil
}

func unmarshalGlobals(data []byte) (map[string]any, error) {
	var rec globalsRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("unmarshal aggregator globals: %w", err)
	}
	return rec.Values, nil
}
