package partition

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stepwise-graph/stepwise/pkg/graph"
)

// WorkerID identifies a worker process.
type WorkerID string

// Assignment is the serializable partition-to-worker ownership mapping the
// master broadcasts to workers at each superstep.
type Assignment map[graph.PartitionID]WorkerID

// Table is the routing table: it owns vertex-to-partition assignment via
// the configured strategy and partition-to-worker ownership. The message
// store resolves remote destinations through it.
type Table struct {
	mu            sync.RWMutex
	numPartitions int
	strategy      Strategy
	owners        Assignment
	endpoints     map[WorkerID]string
}

func NewTable(strategy Strategy, numPartitions int) *Table {
	return &Table{
		numPartitions: numPartitions,
		strategy:      strategy,
		owners:        make(Assignment),
		endpoints:     make(map[WorkerID]string),
	}
}

// NumPartitions returns the configured partition count.
func (t *Table) NumPartitions() int { return t.numPartitions }

// Assign maps a vertex id to its partition. Membership never changes while
// a job runs; only ownership does.
func (t *Table) Assign(id graph.VertexID) graph.PartitionID {
	return t.strategy.Assign(id, t.numPartitions)
}

// OwnerOf returns the worker currently owning a partition.
func (t *Table) OwnerOf(pid graph.PartitionID) (WorkerID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.owners[pid]
	return w, ok
}

// SetEndpoint records a worker's network address for remote delivery.
func (t *Table) SetEndpoint(w WorkerID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoints[w] = addr
}

// Endpoint resolves a worker to its network address.
func (t *Table) Endpoint(w WorkerID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.endpoints[w]
	return addr, ok
}

// Distribute assigns all partitions round-robin over the given workers.
// Workers are sorted first so the initial layout is the same on every run.
func (t *Table) Distribute(workers []WorkerID) error {
	if len(workers) == 0 {
		return fmt.Errorf("cannot distribute %d partitions over zero workers", t.numPartitions)
	}
	sorted := append([]WorkerID(nil), workers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	t.mu.Lock()
	defer t.mu.Unlock()
	for p := 0; p < t.numPartitions; p++ {
		t.owners[graph.PartitionID(p)] = sorted[p%len(sorted)]
	}
	return nil
}

// PartitionsOf lists the partitions owned by a worker, sorted.
func (t *Table) PartitionsOf(w WorkerID) []graph.PartitionID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []graph.PartitionID
	for pid, owner := range t.owners {
		if owner == w {
			out = append(out, pid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot returns a copy of the current ownership mapping.
func (t *Table) Snapshot() Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(Assignment, len(t.owners))
	for pid, w := range t.owners {
		out[pid] = w
	}
	return out
}

// Restore replaces the ownership mapping, e.g. on a worker receiving the
// master's broadcast.
func (t *Table) Restore(a Assignment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owners = make(Assignment, len(a))
	for pid, w := range a {
		t.owners[pid] = w
	}
}

// ReassignWorker redistributes a failed worker's partitions across the
// surviving workers, least-loaded first. Partition membership is untouched,
// so the total vertex count is preserved exactly.
func (t *Table) ReassignWorker(failed WorkerID, survivors []WorkerID) error {
	if len(survivors) == 0 {
		return fmt.Errorf("no surviving workers to absorb partitions of %s", failed)
	}
	sorted := append([]WorkerID(nil), survivors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	t.mu.Lock()
	defer t.mu.Unlock()

	load := make(map[WorkerID]int, len(sorted))
	for _, w := range sorted {
		load[w] = 0
	}
	var orphans []graph.PartitionID
	for pid, owner := range t.owners {
		if owner == failed {
			orphans = append(orphans, pid)
		} else if _, ok := load[owner]; ok {
			load[owner]++
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })

	for _, pid := range orphans {
		least := sorted[0]
		for _, w := range sorted[1:] {
			if load[w] < load[least] {
				least = w
			}
		}
		t.owners[pid] = least
		load[least]++
	}
	delete(t.endpoints, failed)
	return nil
}

// Rebalance reassigns partitions so per-worker vertex counts even out.
// Partitions are placed greedily, heaviest first, onto the least-loaded
// worker. Triggered by the master on imbalance; never fatal.
func (t *Table) Rebalance(vertexCounts map[graph.PartitionID]int, workers []WorkerID) Assignment {
	sorted := append([]WorkerID(nil), workers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	type part struct {
		id   graph.PartitionID
		size int
	}
	parts := make([]part, 0, t.numPartitions)
	for p := 0; p < t.numPartitions; p++ {
		pid := graph.PartitionID(p)
		parts = append(parts, part{id: pid, size: vertexCounts[pid]})
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].size != parts[j].size {
			return parts[i].size > parts[j].size
		}
		return parts[i].id < parts[j].id
	})

	load := make(map[WorkerID]int, len(sorted))
	next := make(Assignment, len(parts))
	for _, p := range parts {
		least := sorted[0]
		for _, w := range sorted[1:] {
			if load[w] < load[least] {
				least = w
			}
		}
		next[p.id] = least
		load[least] += p.size
	}

	t.mu.Lock()
	t.owners = next
	t.mu.Unlock()
	return next
}
