package executors

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/script"
)

// ToolExecutor invokes a named tool through the backend. String values in
// the "input" config are templated against execution state before the call.
// The result is stored under the "output" variable (the node id when unset).
type ToolExecutor struct{}

func (e *ToolExecutor) Type() conductor.NodeType {
	return conductor.NodeTypeTool
}

func (e *ToolExecutor) Execute(ctx context.Context, ec *conductor.ExecutionContext) (*conductor.NodeResult, error) {
	if ec.Backend == nil {
		return nil, fmt.Errorf("tool node %q requires a backend", ec.Node.ID)
	}
	name := ec.ConfigString("tool")
	if name == "" {
		return nil, fmt.Errorf("tool node %q requires a 'tool' parameter", ec.Node.ID)
	}

	rawInput, _ := ec.Node.Config["input"].(map[string]any)
	input, err := renderInput(ctx, ec.Compiler, rawInput, ec.ScriptGlobals())
	if err != nil {
		return nil, err
	}

	value, err := ec.Backend.CallTool(ctx, name, input)
	if err != nil {
		return nil, fmt.Errorf("tool %q failed: %w", name, err)
	}

	outputKey := ec.ConfigString("output")
	if outputKey == "" {
		outputKey = ec.Node.ID
	}
	result := conductor.CompletedResult(value)
	result.StateUpdates = map[string]any{outputKey: value}
	return result, nil
}

// renderInput templates string values in a tool input map, leaving other
// value types untouched.
func renderInput(ctx context.Context, compiler script.Compiler, raw map[string]any, globals map[string]any) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	input := make(map[string]any, len(raw))
	for key, value := range raw {
		text, ok := value.(string)
		if !ok {
			input[key] = value
			continue
		}
		rendered, err := script.Render(ctx, compiler, text, globals)
		if err != nil {
			return nil, fmt.Errorf("failed to render input %q: %w", key, err)
		}
		input[key] = rendered
	}
	return input, nil
}
