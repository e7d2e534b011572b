package compute

import (
	"github.com/stepwise-graph/stepwise/pkg/graph"
)

func init() {
	Register("count-out-edges", CountOutEdges)
	Register("pass-through", PassThrough)
	Register("pagerank", PageRank(0.85, 30))
}

// CountOutEdges sets each vertex's value to its out-degree and halts.
func CountOutEdges(ctx *Context, v *graph.Vertex, messages []any) error {
	v.Value = int64(v.Edges.Len())
	v.VoteToHalt()
	return nil
}

// PassThrough leaves vertex values untouched and halts immediately.
func PassThrough(ctx *Context, v *graph.Vertex, messages []any) error {
	v.VoteToHalt()
	return nil
}

// PageRank returns the classic damped pagerank program. Superstep 0 counts
// vertices through an aggregator; superstep 1 seeds every rank with 1/N;
// later supersteps fold incoming fractions. The program runs for maxSteps
// supersteps and then halts everywhere.
func PageRank(damping float64, maxSteps int) Func {
	return func(ctx *Context, v *graph.Vertex, messages []any) error {
		switch step := ctx.Superstep(); {
		case step == 0:
			return ctx.Contribute("pagerank.count", int64(1))

		case step >= maxSteps:
			v.VoteToHalt()
			return nil

		default:
			count, _ := ctx.Aggregator("pagerank.count")
			n := float64(count.(int64))

			var rank float64
			if step == 1 {
				rank = 1.0 / n
			} else {
				rank = (1.0 - damping) / n
				for _, m := range messages {
					rank += damping * m.(float64)
				}
			}
			v.Value = rank

			// Every live vertex re-contributes so the count survives the
			// per-barrier reset and stays visible next superstep.
			if err := ctx.Contribute("pagerank.count", int64(1)); err != nil {
				return err
			}

			out := v.Edges.Len()
			if out == 0 {
				return nil
			}
			return ctx.SendToNeighbors(v, rank/float64(out))
		}
	}
}
