package master

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// HaltPolicy evaluates a user-supplied expression at every barrier, on
// top of the built-in termination conditions. The expression sees the
// superstep counter, the global vertex and message totals, and the
// combined aggregator values, and halts the job when it yields true.
//
// Example: "superstep >= 10 || aggregators['error.count'] > 0".
type HaltPolicy struct {
	program cel.Program
	source  string
}

// CompileHaltPolicy builds a policy from a CEL expression. An empty
// expression yields a nil policy, which never halts.
func CompileHaltPolicy(expr string) (*HaltPolicy, error) {
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("superstep", cel.IntType),
		cel.Variable("active", cel.IntType),
		cel.Variable("sent", cel.IntType),
		cel.Variable("aggregators", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("halt policy env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("halt policy %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("halt policy %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("halt policy %q: %w", expr, err)
	}
	return &HaltPolicy{program: prg, source: expr}, nil
}

// Evaluate returns true when the expression says the job should halt.
func (p *HaltPolicy) Evaluate(superstep int, active, sent int64, aggregators map[string]any) (bool, error) {
	if p == nil {
		return false, nil
	}
	out, _, err := p.program.Eval(map[string]any{
		"superstep":   superstep,
		"active":      active,
		"sent":        sent,
		"aggregators": aggregators,
	})
	if err != nil {
		return false, fmt.Errorf("halt policy %q at superstep %d: %w", p.source, superstep, err)
	}
	halt, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("halt policy %q returned %T, want bool", p.source, out.Value())
	}
	return halt, nil
}
