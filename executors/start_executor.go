package executors

import (
	"context"

	"github.com/deepnoodle-ai/conductor"
)

// StartExecutor marks the entry point of a workflow. It can seed default
// variables from its "defaults" config; keys already present in the
// execution data (seeded input) win.
type StartExecutor struct{}

func (e *StartExecutor) Type() conductor.NodeType {
	return conductor.NodeTypeStart
}

func (e *StartExecutor) Execute(ctx context.Context, ec *conductor.ExecutionContext) (*conductor.NodeResult, error) {
	defaults, _ := ec.Node.Config["defaults"].(map[string]any)
	var updates map[string]any
	for key, value := range defaults {
		if _, exists := ec.State.GetData(key); exists {
			continue
		}
		if updates == nil {
			updates = map[string]any{}
		}
		updates[key] = value
	}
	result := conductor.CompletedResult(map[string]any{"started": true})
	result.StateUpdates = updates
	return result, nil
}
