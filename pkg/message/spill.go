package message

import (
	"context"
	"fmt"
	"sort"

	"github.com/stepwise-graph/stepwise/pkg/codec"
	"github.com/stepwise-graph/stepwise/pkg/graph"
	"github.com/stepwise-graph/stepwise/pkg/storage"
)

// Spiller moves message batches for a not-yet-active superstep to
// secondary storage when in-memory queues grow past a threshold, and
// reloads them lazily at delivery time. Transparent to the compute layer.
type Spiller struct {
	Blobs     storage.BlobStore
	Codec     codec.Codec
	Prefix    string
	Threshold int // max buffered payloads per superstep before spilling

	seq map[int]int
}

func NewSpiller(blobs storage.BlobStore, c codec.Codec, prefix string, threshold int) *Spiller {
	return &Spiller{
		Blobs:     blobs,
		Codec:     c,
		Prefix:    prefix,
		Threshold: threshold,
		seq:       make(map[int]int),
	}
}

func (sp *Spiller) shouldSpill(q map[graph.VertexID][]any) bool {
	if sp.Threshold <= 0 {
		return false
	}
	n := 0
	for _, payloads := range q {
		n += len(payloads)
	}
	return n >= sp.Threshold
}

type spillRecord struct {
	Dest     graph.VertexID
	Payloads []any
}

func (sp *Spiller) spill(superstep int, q map[graph.VertexID][]any) error {
	records := make([]spillRecord, 0, len(q))
	for dest, payloads := range q {
		records = append(records, spillRecord{Dest: dest, Payloads: payloads})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Dest < records[j].Dest })

	data, err := sp.Codec.Encode(encodeSpill(records))
	if err != nil {
		return err
	}
	key := sp.key(superstep, sp.seq[superstep])
	if err := sp.Blobs.Put(context.Background(), key, data); err != nil {
		return err
	}
	sp.seq[superstep]++
	return nil
}

// reload merges every spill file written for the superstep, in write
// order, then deletes them.
func (sp *Spiller) reload(superstep int) (map[graph.VertexID][]any, error) {
	out := make(map[graph.VertexID][]any)
	for i := 0; i < sp.seq[superstep]; i++ {
		key := sp.key(superstep, i)
		data, err := sp.Blobs.Get(context.Background(), key)
		if err != nil {
			return nil, err
		}
		raw, err := sp.Codec.Decode(data)
		if err != nil {
			return nil, err
		}
		records, err := decodeSpill(raw)
		if err != nil {
			return nil, fmt.Errorf("spill file %s: %w", key, err)
		}
		for _, r := range records {
			out[r.Dest] = append(out[r.Dest], r.Payloads...)
		}
		_ = sp.Blobs.Delete(context.Background(), key)
	}
	delete(sp.seq, superstep)
	return out, nil
}

// pending reads every spill file back without consuming it, keyed by the
// superstep the batches were produced in. Checkpoints use this so spilled
// messages are captured alongside the in-memory queues.
func (sp *Spiller) pending() (map[int]map[graph.VertexID][]any, error) {
	out := make(map[int]map[graph.VertexID][]any, len(sp.seq))
	for superstep, n := range sp.seq {
		q := make(map[graph.VertexID][]any)
		for i := 0; i < n; i++ {
			key := sp.key(superstep, i)
			data, err := sp.Blobs.Get(context.Background(), key)
			if err != nil {
				return nil, err
			}
			raw, err := sp.Codec.Decode(data)
			if err != nil {
				return nil, err
			}
			records, err := decodeSpill(raw)
			if err != nil {
				return nil, fmt.Errorf("spill file %s: %w", key, err)
			}
			for _, r := range records {
				q[r.Dest] = append(q[r.Dest], r.Payloads...)
			}
		}
		if len(q) > 0 {
			out[superstep] = q
		}
	}
	return out, nil
}

// discard deletes every outstanding spill file. Rollback uses this: the
// checkpoint already holds the spilled messages, so a later reload must
// not deliver them twice.
func (sp *Spiller) discard() {
	for superstep, n := range sp.seq {
		for i := 0; i < n; i++ {
			_ = sp.Blobs.Delete(context.Background(), sp.key(superstep, i))
		}
	}
	sp.seq = make(map[int]int)
}

func (sp *Spiller) key(superstep, seq int) string {
	return fmt.Sprintf("%s/spill/%06d/%06d", sp.Prefix, superstep, seq)
}

// Spill records travel through the opaque codec, so they are flattened to
// codec-friendly shapes here.
func encodeSpill(records []spillRecord) []any {
	out := make([]any, 0, len(records))
	for _, r := range records {
		out = append(out, map[string]any{
			"dest":     string(r.Dest),
			"payloads": r.Payloads,
		})
	}
	return out
}

func decodeSpill(raw any) ([]spillRecord, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected spill payload type %T", raw)
	}
	records := make([]spillRecord, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected spill record type %T", item)
		}
		dest, _ := m["dest"].(string)
		payloads, _ := m["payloads"].([]any)
		records = append(records, spillRecord{Dest: graph.VertexID(dest), Payloads: payloads})
	}
	return records, nil
}
