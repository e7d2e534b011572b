package job

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/stepwise-graph/stepwise/pkg/checkpoint"
	"github.com/stepwise-graph/stepwise/pkg/coord"
	"github.com/stepwise-graph/stepwise/pkg/graphio"
	"github.com/stepwise-graph/stepwise/pkg/master"
	"github.com/stepwise-graph/stepwise/pkg/message"
	"github.com/stepwise-graph/stepwise/pkg/partition"
	"github.com/stepwise-graph/stepwise/pkg/storage"
	"github.com/stepwise-graph/stepwise/pkg/worker"
)

// RemoteWorker is one distributed worker process, built from the same
// job spec the master loads.
type RemoteWorker struct {
	Engine      *worker.Engine
	Server      *worker.Server
	Transport   *worker.RPCTransport
	Checkpoints *checkpoint.Manager
}

// NewRemoteWorker builds a worker for a distributed run. The routing
// table starts empty; the master's first BeginSuperstep carries the
// assignment, which also triggers the input load.
func NewRemoteWorker(spec Spec, id partition.WorkerID, blobs storage.BlobStore, logger *slog.Logger) (*RemoteWorker, error) {
	rt, err := spec.resolve()
	if err != nil {
		return nil, err
	}
	spec = rt.spec
	if logger == nil {
		logger = slog.Default()
	}

	table := partition.NewTable(rt.strategy, spec.Partitions)
	transport := worker.NewRPCTransport(table)

	combiner, err := rt.combinerFor()
	if err != nil {
		return nil, err
	}
	var spiller *message.Spiller
	if spec.SpillThreshold > 0 {
		prefix := fmt.Sprintf("jobs/%s/workers/%s", spec.ID, id)
		spiller = message.NewSpiller(blobs, rt.codec, prefix, spec.SpillThreshold)
	}
	aggs, err := rt.aggregators()
	if err != nil {
		return nil, err
	}
	engine, err := worker.NewEngine(worker.Config{
		ID:          id,
		Table:       table,
		Store:       message.NewStore(combiner, spiller),
		Aggregators: aggs,
		Compute:     rt.compute,
		Codec:       rt.codec,
		Transport:   transport,
		NewValue:    rt.valueFactory,
		NewEdges:    rt.newEdges,
		Parallelism: spec.Parallelism,
		Logger:      logger.With("worker", id),
	})
	if err != nil {
		return nil, err
	}

	var ckpt *checkpoint.Manager
	if spec.CheckpointInterval > 0 {
		ckpt = &checkpoint.Manager{
			Blobs:    blobs,
			JobID:    spec.ID,
			Interval: spec.CheckpointInterval,
			Retain:   spec.CheckpointRetain,
			Logger:   logger,
		}
	}

	srv := worker.NewServer(engine, ckpt, logger)
	srv.Prepare = func() error {
		return loadWorkerInput(spec, rt, engine)
	}
	return &RemoteWorker{Engine: engine, Server: srv, Transport: transport, Checkpoints: ckpt}, nil
}

// loadWorkerInput reads the job's input sources from shared storage,
// keeping only the vertices this worker owns.
func loadWorkerInput(spec Spec, rt *runtime, engine *worker.Engine) error {
	if spec.Input == nil {
		return nil
	}
	var vertices graphio.VertexReader
	var edges graphio.EdgeReader
	if spec.Input.VertexSource != "" {
		name := spec.Input.Vertices
		if name == "" {
			name = "text-vertices"
		}
		f, err := os.Open(spec.Input.VertexSource)
		if err != nil {
			return fmt.Errorf("job %s: %w", spec.ID, err)
		}
		defer f.Close()
		vertices, err = graphio.NewVertexInput(name, f)
		if err != nil {
			return fmt.Errorf("job %s: %w", spec.ID, err)
		}
	}
	if spec.Input.EdgeSource != "" {
		name := spec.Input.Edges
		if name == "" {
			name = "text-edges"
		}
		f, err := os.Open(spec.Input.EdgeSource)
		if err != nil {
			return fmt.Errorf("job %s: %w", spec.ID, err)
		}
		defer f.Close()
		edges, err = graphio.NewEdgeInput(name, f)
		if err != nil {
			return fmt.Errorf("job %s: %w", spec.ID, err)
		}
	}
	return engine.Load(vertices, edges, rt.inputFilter)
}

// NewMaster builds the master for a distributed run over the given
// worker endpoints, in worker id order w0, w1, ...
func NewMaster(spec Spec, endpoints []string, blobs storage.BlobStore, logger *slog.Logger) (*master.Master, error) {
	rt, err := spec.resolve()
	if err != nil {
		return nil, err
	}
	spec = rt.spec
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("job %s: at least one worker endpoint is required", spec.ID)
	}

	table := partition.NewTable(rt.strategy, spec.Partitions)
	workers := make([]partition.WorkerID, 0, len(endpoints))
	clients := make([]master.WorkerClient, 0, len(endpoints))
	for i, addr := range endpoints {
		id := partition.WorkerID(fmt.Sprintf("w%d", i))
		workers = append(workers, id)
		table.SetEndpoint(id, addr)
		clients = append(clients, master.NewRPCClient(id, addr))
	}
	if err := table.Distribute(workers); err != nil {
		return nil, fmt.Errorf("job %s: %w", spec.ID, err)
	}

	var ckpt *checkpoint.Manager
	if spec.CheckpointInterval > 0 {
		ckpt = &checkpoint.Manager{
			Blobs:    blobs,
			JobID:    spec.ID,
			Interval: spec.CheckpointInterval,
			Retain:   spec.CheckpointRetain,
			Logger:   logger,
		}
	}

	var out *master.OutputSpec
	if spec.Output != nil {
		// In distributed runs Path names a directory; each worker writes
		// its own shard under it.
		out = &master.OutputSpec{Adapter: spec.Output.Adapter, Dir: spec.Output.Path}
	}

	aggs, err := rt.aggregators()
	if err != nil {
		return nil, err
	}
	return master.New(master.Config{
		JobID:               spec.ID,
		Clients:             clients,
		Table:               table,
		Aggregators:         aggs,
		Checkpoints:         ckpt,
		Coord:               coord.NewInMemory(),
		MaxSupersteps:       spec.MaxSupersteps,
		MaxRecoveryAttempts: spec.MaxRecoveryAttempts,
		HaltPolicy:          rt.haltPolicy,
		Output:              out,
		Logger:              logger,
	})
}
