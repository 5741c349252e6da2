package executors

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/conductor"
)

// TransformExecutor runs a sandboxed script over execution state. The
// script sees the variable store as "data" and "input". A scalar result is
// stored under the "output" variable (the node id when unset); a map result
// with merge mode "merge" is deep-merged into the store instead.
type TransformExecutor struct{}

func (e *TransformExecutor) Type() conductor.NodeType {
	return conductor.NodeTypeTransform
}

func (e *TransformExecutor) Execute(ctx context.Context, ec *conductor.ExecutionContext) (*conductor.NodeResult, error) {
	code := ec.ConfigString("script")
	if code == "" {
		code = ec.ConfigString("expression")
	}
	if code == "" {
		return nil, fmt.Errorf("transform node %q requires a 'script' parameter", ec.Node.ID)
	}

	compiler := ec.Compiler
	if compiler == nil {
		c, ok := conductor.CompilerFromContext(ctx)
		if !ok {
			return nil, fmt.Errorf("transform node %q has no script compiler", ec.Node.ID)
		}
		compiler = c
	}
	compiled, err := compiler.Compile(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile transform script: %w", err)
	}
	evaluated, err := compiled.Evaluate(ctx, ec.ScriptGlobals())
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate transform script: %w", err)
	}
	value := evaluated.Value()

	result := conductor.CompletedResult(value)
	if mapped, ok := value.(map[string]any); ok && ec.ConfigString("merge") == "merge" {
		result.StateUpdates = mapped
		result.Merge = conductor.MergeDeep
		return result, nil
	}
	outputKey := ec.ConfigString("output")
	if outputKey == "" {
		outputKey = ec.Node.ID
	}
	result.StateUpdates = map[string]any{outputKey: value}
	return result, nil
}
