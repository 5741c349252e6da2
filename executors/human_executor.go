package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/script"
)

// HumanExecutor pauses the execution on a checkpoint that describes what is
// being asked of a person. The "message" config is templated against
// execution state; "options" and "schema" shape the expected response.
// Resume completes the node with the supplied response, stored under the
// "output" variable (the node id when unset).
type HumanExecutor struct{}

func (e *HumanExecutor) Type() conductor.NodeType {
	return conductor.NodeTypeHuman
}

func (e *HumanExecutor) Execute(ctx context.Context, ec *conductor.ExecutionContext) (*conductor.NodeResult, error) {
	message, err := script.Render(ctx, ec.Compiler, ec.ConfigString("message"), ec.ScriptGlobals())
	if err != nil {
		return nil, fmt.Errorf("failed to render checkpoint message: %w", err)
	}
	schema, _ := ec.Node.Config["schema"].(map[string]any)

	pending := &conductor.PendingCheckpoint{
		ID:        conductor.NewCheckpointID(),
		NodeID:    ec.Node.ID,
		Reason:    ec.ConfigString("reason"),
		Message:   message,
		Options:   ec.ConfigStrings("options"),
		Schema:    schema,
		CreatedAt: time.Now(),
	}
	return &conductor.NodeResult{
		Status:      conductor.NodeStatusPaused,
		Pending:     pending,
		PauseReason: pending.Reason,
	}, nil
}

func (e *HumanExecutor) Resume(ctx context.Context, ec *conductor.ExecutionContext, input map[string]any) (*conductor.NodeResult, error) {
	outputKey := ec.ConfigString("output")
	if outputKey == "" {
		outputKey = ec.Node.ID
	}
	result := conductor.CompletedResult(input)
	result.StateUpdates = map[string]any{outputKey: input}
	return result, nil
}
