package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"os"
	"sync"

	"github.com/stepwise-graph/stepwise/pkg/checkpoint"
	"github.com/stepwise-graph/stepwise/pkg/graph"
	"github.com/stepwise-graph/stepwise/pkg/graphio"
	"github.com/stepwise-graph/stepwise/pkg/message"
	"github.com/stepwise-graph/stepwise/pkg/partition"
)

// Ack is the empty acknowledgment for one-way control calls.
type Ack struct{}

// BeginArgs instructs a worker to run one superstep.
type BeginArgs struct {
	Superstep   int
	Aggregators map[string]any
	Assignment  partition.Assignment
	Endpoints   map[partition.WorkerID]string
}

// CheckpointArgs tags a checkpoint write or restore with its superstep.
type CheckpointArgs struct {
	Superstep  int
	Assignment partition.Assignment
}

// OutputArgs names the destination for final vertex values.
type OutputArgs struct {
	Adapter string
	Path    string
}

// AbortArgs carries the master's reason for tearing a job down.
type AbortArgs struct {
	Reason string
}

// Server exposes an Engine over net/rpc. The master drives the control
// surface; peers push message batches through DeliverMessages.
type Server struct {
	engine *Engine
	ckpt   *checkpoint.Manager
	logger *slog.Logger

	// Prepare loads the worker's share of the input graph. It runs once,
	// after the first assignment arrives, because partition ownership is
	// unknown before that.
	Prepare func() error

	prepared sync.Once
	mu       sync.Mutex
	listener net.Listener
}

func NewServer(engine *Engine, ckpt *checkpoint.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, ckpt: ckpt, logger: logger}
}

// Serve listens on addr and accepts rpc connections until Close. It
// returns the bound address so callers can listen on ":0".
func (s *Server) Serve(addr string) (string, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName("Worker", s); err != nil {
		return "", err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("worker %s: listen %s: %w", s.engine.ID(), addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.ServeConn(conn)
		}
	}()
	return ln.Addr().String(), nil
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
}

func (s *Server) applyAssignment(a partition.Assignment, endpoints map[partition.WorkerID]string) {
	if a != nil {
		s.engine.cfg.Table.Restore(a)
	}
	for w, addr := range endpoints {
		s.engine.cfg.Table.SetEndpoint(w, addr)
	}
}

// BeginSuperstep runs one superstep and replies with the completion
// report. The reply is not written until every outgoing batch has been
// acknowledged, so the master's barrier sees a quiesced worker.
func (s *Server) BeginSuperstep(args *BeginArgs, reply *Report) error {
	s.applyAssignment(args.Assignment, args.Endpoints)
	var prepErr error
	if s.Prepare != nil {
		s.prepared.Do(func() { prepErr = s.Prepare() })
	}
	if prepErr != nil {
		return prepErr
	}
	report, err := s.engine.RunSuperstep(context.Background(), args.Superstep, args.Aggregators)
	if err != nil {
		s.logger.Error("superstep failed", "superstep", args.Superstep, "error", err)
		return err
	}
	*reply = *report
	return nil
}

// DeliverMessages ingests a peer's batch into the local message store.
func (s *Server) DeliverMessages(batch *message.Batch, _ *Ack) error {
	return s.engine.ReceiveBatch(*batch)
}

// Checkpoint snapshots owned partitions at the given superstep.
func (s *Server) Checkpoint(args *CheckpointArgs, _ *Ack) error {
	if s.ckpt == nil {
		return fmt.Errorf("worker %s: no checkpoint store configured", s.engine.ID())
	}
	return s.engine.WriteCheckpoint(context.Background(), args.Superstep, s.ckpt)
}

// Restore rolls local state back to the checkpoint at the given
// superstep under a possibly changed assignment.
func (s *Server) Restore(args *CheckpointArgs, _ *Ack) error {
	if s.ckpt == nil {
		return fmt.Errorf("worker %s: no checkpoint store configured", s.engine.ID())
	}
	s.applyAssignment(args.Assignment, nil)
	return s.engine.RestoreCheckpoint(context.Background(), args.Superstep, s.ckpt)
}

// WriteOutput drains final vertex values through the named output
// adapter.
func (s *Server) WriteOutput(args *OutputArgs, _ *Ack) error {
	f, err := os.Create(args.Path)
	if err != nil {
		return fmt.Errorf("worker %s: create output: %w", s.engine.ID(), err)
	}
	defer f.Close()
	out, err := graphio.NewOutput(args.Adapter, f)
	if err != nil {
		return err
	}
	if err := s.engine.WriteOutput(out); err != nil {
		return err
	}
	return f.Close()
}

// Abort stops the engine at its next safe point.
func (s *Server) Abort(args *AbortArgs, _ *Ack) error {
	s.logger.Warn("job aborted by master", "reason", args.Reason)
	s.engine.Abort()
	return nil
}

// VertexCounts reports per-partition vertex counts for rebalancing.
func (s *Server) VertexCounts(_ *Ack, reply *map[graph.PartitionID]int) error {
	*reply = s.engine.VertexCounts()
	return nil
}
