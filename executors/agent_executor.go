package executors

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/script"
)

// AgentExecutor delegates a node to the model backend. The "prompt" and
// "system_prompt" configs are templated against execution state; "tools"
// and "max_iterations" are passed through to the backend. The response
// content is stored under the "output" variable (the node id when unset).
type AgentExecutor struct{}

func (e *AgentExecutor) Type() conductor.NodeType {
	return conductor.NodeTypeAgent
}

func (e *AgentExecutor) Execute(ctx context.Context, ec *conductor.ExecutionContext) (*conductor.NodeResult, error) {
	if ec.Backend == nil {
		return nil, fmt.Errorf("agent node %q requires a model backend", ec.Node.ID)
	}
	prompt := ec.ConfigString("prompt")
	if prompt == "" {
		return nil, fmt.Errorf("agent node %q requires a 'prompt' parameter", ec.Node.ID)
	}

	globals := ec.ScriptGlobals()
	renderedPrompt, err := script.Render(ctx, ec.Compiler, prompt, globals)
	if err != nil {
		return nil, fmt.Errorf("failed to render prompt: %w", err)
	}
	systemPrompt, err := script.Render(ctx, ec.Compiler, ec.ConfigString("system_prompt"), globals)
	if err != nil {
		return nil, fmt.Errorf("failed to render system prompt: %w", err)
	}

	response, err := ec.Backend.Generate(ctx, conductor.AgentRequest{
		SystemPrompt:  systemPrompt,
		Prompt:        renderedPrompt,
		Tools:         ec.ConfigStrings("tools"),
		MaxIterations: ec.ConfigInt("max_iterations"),
	})
	if err != nil {
		return nil, fmt.Errorf("agent call failed: %w", err)
	}

	outputKey := ec.ConfigString("output")
	if outputKey == "" {
		outputKey = ec.Node.ID
	}
	result := conductor.CompletedResult(response.Content)
	result.StateUpdates = map[string]any{outputKey: response.Content}
	return result, nil
}
