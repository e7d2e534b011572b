// Package partition implements vertex-to-partition assignment and the
// partition-to-worker routing table, including rebalancing and failure
// reassignment.
package partition

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/stepwise-graph/stepwise/pkg/graph"
)

// Strategy maps a vertex id to a partition. The mapping must be
// deterministic for a given partition count.
type Strategy interface {
	Name() string
	Assign(id graph.VertexID, numPartitions int) graph.PartitionID
}

// HashStrategy assigns by FNV-1a hash of the vertex id. This is the
// default.
type HashStrategy struct{}

func (HashStrategy) Name() string { return "hash" }

func (HashStrategy) Assign(id graph.VertexID, numPartitions int) graph.PartitionID {
	h := fnv.New32a()
	h.Write([]byte(id))
	return graph.PartitionID(h.Sum32() % uint32(numPartitions))
}

// RangeStrategy assigns numeric vertex ids to contiguous ranges, falling
// back to hashing for non-numeric ids. Useful when input ids are dense
// integers and range locality matters.
type RangeStrategy struct {
	// RangeSize is the number of consecutive ids per partition slot before
	// wrapping. Zero means 1000.
	RangeSize int
}

func (RangeStrategy) Name() string { return "range" }

func (s RangeStrategy) Assign(id graph.VertexID, numPartitions int) graph.PartitionID {
	// Negative numeric ids would index a negative slot, so they hash
	// like non-numeric ids.
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil || n < 0 {
		return HashStrategy{}.Assign(id, numPartitions)
	}
	size := s.RangeSize
	if size <= 0 {
		size = 1000
	}
	return graph.PartitionID(int(n/int64(size)) % numPartitions)
}

var (
	stratMu       sync.RWMutex
	stratRegistry = map[string]func() Strategy{}
)

// RegisterStrategy makes a partitioner selectable by id in the job
// configuration.
func RegisterStrategy(name string, factory func() Strategy) {
	stratMu.Lock()
	defer stratMu.Unlock()
	stratRegistry[name] = factory
}

// NewStrategy resolves a partitioner by registered name.
func NewStrategy(name string) (Strategy, error) {
	stratMu.RLock()
	factory, ok := stratRegistry[name]
	stratMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("partitioner %q is not registered", name)
	}
	return factory(), nil
}

func init() {
	RegisterStrategy("hash", func() Strategy { return HashStrategy{} })
	RegisterStrategy("range", func() Strategy { return RangeStrategy{} })
}
