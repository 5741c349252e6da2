package executors

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/conductor"
)

// DecisionExecutor evaluates a routing expression and completes with its
// value. Outgoing edge conditions see that value bound as "output", which
// is how the branch is selected. An "expression" config runs in the script
// sandbox; a "prompt" config asks the backend for a yes/no answer instead.
type DecisionExecutor struct{}

func (e *DecisionExecutor) Type() conductor.NodeType {
	return conductor.NodeTypeDecision
}

func (e *DecisionExecutor) Execute(ctx context.Context, ec *conductor.ExecutionContext) (*conductor.NodeResult, error) {
	expression := ec.ConfigString("expression")
	prompt := ec.ConfigString("prompt")
	if expression == "" && prompt == "" {
		return nil, fmt.Errorf("decision node %q requires an 'expression' or 'prompt' parameter", ec.Node.ID)
	}

	var value any
	if expression != "" {
		compiled, err := ec.Compiler.Compile(ctx, expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile decision expression: %w", err)
		}
		evaluated, err := compiled.Evaluate(ctx, ec.ScriptGlobals())
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate decision expression: %w", err)
		}
		value = evaluated.Value()
	} else {
		if ec.Backend == nil {
			return nil, fmt.Errorf("decision node %q uses a prompt but no backend is configured", ec.Node.ID)
		}
		answer, err := ec.Backend.Decide(ctx, prompt, ec.State.Data())
		if err != nil {
			return nil, fmt.Errorf("decision prompt failed: %w", err)
		}
		value = answer
	}

	result := conductor.CompletedResult(value)
	if outputKey := ec.ConfigString("output"); outputKey != "" {
		result.StateUpdates = map[string]any{outputKey: value}
	}
	return result, nil
}
