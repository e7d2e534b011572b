package coord

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stepwise-graph/stepwise/pkg/partition"
)

// InMemory is a single-process Coordinator used by the local driver and by
// the master's own membership bookkeeping.
type InMemory struct {
	mu       sync.Mutex
	workers  map[partition.WorkerID]string
	barriers map[int]*barrier
}

type barrier struct {
	arrived  map[partition.WorkerID]bool
	released chan struct{}
}

func NewInMemory() *InMemory {
	return &InMemory{
		workers:  make(map[partition.WorkerID]string),
		barriers: make(map[int]*barrier),
	}
}

func (c *InMemory) RegisterWorker(ctx context.Context, id partition.WorkerID, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.workers[id]; dup {
		return fmt.Errorf("worker %s already registered", id)
	}
	c.workers[id] = addr
	return nil
}

// Deregister removes a failed worker from membership. Barriers in progress
// re-check arrival counts afterwards.
func (c *InMemory) Deregister(id partition.WorkerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, id)
	for _, b := range c.barriers {
		delete(b.arrived, id)
		c.maybeReleaseLocked(b)
	}
}

func (c *InMemory) ListWorkers(ctx context.Context) ([]partition.WorkerID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]partition.WorkerID, 0, len(c.workers))
	for id := range c.workers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ElectLeader picks the lexicographically smallest registered worker.
// Deterministic, so every observer agrees without extra coordination.
func (c *InMemory) ElectLeader(ctx context.Context) (partition.WorkerID, error) {
	workers, err := c.ListWorkers(ctx)
	if err != nil {
		return "", err
	}
	if len(workers) == 0 {
		return "", fmt.Errorf("no workers registered")
	}
	return workers[0], nil
}

// Endpoint returns the address a worker registered with.
func (c *InMemory) Endpoint(id partition.WorkerID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, ok := c.workers[id]
	return addr, ok
}

// EnterBarrier records the caller's arrival at the superstep barrier. The
// barrier releases when every registered worker has arrived.
func (c *InMemory) EnterBarrier(ctx context.Context, superstep int) error {
	id, ok := workerFromContext(ctx)
	if !ok {
		return fmt.Errorf("EnterBarrier: context carries no worker id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.barrierLocked(superstep)
	b.arrived[id] = true
	c.maybeReleaseLocked(b)
	return nil
}

func (c *InMemory) AwaitBarrierRelease(ctx context.Context, superstep int) error {
	c.mu.Lock()
	b := c.barrierLocked(superstep)
	released := b.released
	c.mu.Unlock()

	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *InMemory) barrierLocked(superstep int) *barrier {
	b := c.barriers[superstep]
	if b == nil {
		b = &barrier{arrived: make(map[partition.WorkerID]bool), released: make(chan struct{})}
		c.barriers[superstep] = b
	}
	return b
}

func (c *InMemory) maybeReleaseLocked(b *barrier) {
	if len(b.arrived) == 0 || len(b.arrived) < len(c.workers) {
		return
	}
	select {
	case <-b.released:
	default:
		close(b.released)
	}
}

type workerKey struct{}

// WithWorker tags a context with the calling worker's id for barrier
// accounting.
func WithWorker(ctx context.Context, id partition.WorkerID) context.Context {
	return context.WithValue(ctx, workerKey{}, id)
}

func workerFromContext(ctx context.Context) (partition.WorkerID, bool) {
	id, ok := ctx.Value(workerKey{}).(partition.WorkerID)
	return id, ok
}
