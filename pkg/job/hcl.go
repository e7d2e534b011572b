package job

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
)

// jobFile is the root schema of a .hcl job file. A file may declare
// several jobs; Load returns them in declaration order.
type jobFile struct {
	Jobs []Spec `hcl:"job,block"`
}

// LoadFile parses an HCL job file. Job attributes can reference process
// environment variables through the env object, for example
// path = "${env.HOME}/graphs/edges.txt".
func LoadFile(path string) ([]Spec, error) {
	var root jobFile
	if err := hclsimple.DecodeFile(path, evalContext(), &root); err != nil {
		return nil, fmt.Errorf("job file %s: %w", path, err)
	}
	if len(root.Jobs) == 0 {
		return nil, fmt.Errorf("job file %s: no job blocks", path)
	}
	for _, s := range root.Jobs {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("job file %s: %w", path, err)
		}
	}
	return root.Jobs, nil
}

// LoadBytes parses HCL job source held in memory. The name only shows
// up in diagnostics.
func LoadBytes(src []byte, name string) ([]Spec, error) {
	var root jobFile
	if err := hclsimple.Decode(name, src, evalContext(), &root); err != nil {
		return nil, fmt.Errorf("job source %s: %w", name, err)
	}
	if len(root.Jobs) == 0 {
		return nil, fmt.Errorf("job source %s: no job blocks", name)
	}
	for _, s := range root.Jobs {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("job source %s: %w", name, err)
		}
	}
	return root.Jobs, nil
}

func evalContext() *hcl.EvalContext {
	env := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
	}
}
