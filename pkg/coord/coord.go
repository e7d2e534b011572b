// Package coord abstracts the external coordination/membership primitive:
// worker registration, leader election and barrier signaling. The engine
// depends only on this interface, not on any specific coordination backend.
package coord

import (
	"context"

	"github.com/stepwise-graph/stepwise/pkg/partition"
)

// Coordinator is the membership and barrier contract the engine consumes.
type Coordinator interface {
	RegisterWorker(ctx context.Context, id partition.WorkerID, addr string) error
	Deregister(id partition.WorkerID)
	ListWorkers(ctx context.Context) ([]partition.WorkerID, error)
	ElectLeader(ctx context.Context) (partition.WorkerID, error)
	EnterBarrier(ctx context.Context, superstep int) error
	AwaitBarrierRelease(ctx context.Context, superstep int) error
}
