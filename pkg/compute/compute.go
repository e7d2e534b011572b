// Package compute defines the vertex program contract: the compute
// function, the per-superstep context it receives, and the registry that
// resolves programs by configuration-time id.
package compute

import (
	"fmt"
	"sync"

	"github.com/stepwise-graph/stepwise/pkg/graph"
)

// Func is a vertex program. It is invoked once per active vertex per
// superstep with the messages addressed to that vertex from the previous
// superstep. Programs are pure strategies: no shared mutable state across
// invocations.
type Func func(ctx *Context, v *graph.Vertex, messages []any) error

// Context carries everything a compute call may touch beyond its own
// vertex: the superstep counter, the read-only aggregator values combined
// at the previous barrier, and the sinks for messages, aggregator
// contributions and graph mutations.
type Context struct {
	superstep   int
	aggregators map[string]any

	send       func(dest graph.VertexID, payload any) error
	contribute func(name string, value any) error
	mutate     func(m graph.Mutation)
}

// NewContext is called by the worker engine once per superstep per
// partition.
func NewContext(
	superstep int,
	aggregators map[string]any,
	send func(dest graph.VertexID, payload any) error,
	contribute func(name string, value any) error,
	mutate func(m graph.Mutation),
) *Context {
	return &Context{
		superstep:   superstep,
		aggregators: aggregators,
		send:        send,
		contribute:  contribute,
		mutate:      mutate,
	}
}

// Superstep returns the current superstep id.
func (c *Context) Superstep() int { return c.superstep }

// Aggregator returns the global value combined at the previous barrier.
func (c *Context) Aggregator(name string) (any, bool) {
	v, ok := c.aggregators[name]
	return v, ok
}

// Send enqueues a message for delivery at the next superstep.
func (c *Context) Send(dest graph.VertexID, payload any) error {
	return c.send(dest, payload)
}

// SendToNeighbors sends the same payload along every outgoing edge.
func (c *Context) SendToNeighbors(v *graph.Vertex, payload any) error {
	for _, e := range v.Edges.All() {
		if err := c.send(e.Target, payload); err != nil {
			return err
		}
	}
	return nil
}

// Contribute folds a local partial into a named aggregator.
func (c *Context) Contribute(name string, value any) error {
	return c.contribute(name, value)
}

// AddVertex requests a vertex creation, applied between supersteps.
func (c *Context) AddVertex(id graph.VertexID, value any) {
	c.mutate(graph.Mutation{Kind: graph.AddVertex, Vertex: id, Superstep: c.superstep, Value: value})
}

// RemoveVertex requests a vertex removal, applied between supersteps.
func (c *Context) RemoveVertex(id graph.VertexID) {
	c.mutate(graph.Mutation{Kind: graph.RemoveVertex, Vertex: id, Superstep: c.superstep})
}

// AddEdge requests an edge addition, applied between supersteps.
func (c *Context) AddEdge(src graph.VertexID, e graph.Edge) {
	c.mutate(graph.Mutation{Kind: graph.AddEdge, Vertex: src, Superstep: c.superstep, Edge: e})
}

// RemoveEdge requests an edge removal, applied between supersteps.
func (c *Context) RemoveEdge(src, target graph.VertexID) {
	c.mutate(graph.Mutation{Kind: graph.RemoveEdge, Vertex: src, Superstep: c.superstep, Target: target})
}

var (
	progMu       sync.RWMutex
	progRegistry = map[string]Func{}
)

// Register makes a vertex program selectable by id in the job
// configuration.
func Register(name string, fn Func) {
	progMu.Lock()
	defer progMu.Unlock()
	progRegistry[name] = fn
}

// Lookup resolves a vertex program by registered name.
func Lookup(name string) (Func, error) {
	progMu.RLock()
	fn, ok := progRegistry[name]
	progMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("compute program %q is not registered", name)
	}
	return fn, nil
}
