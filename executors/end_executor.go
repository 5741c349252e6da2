package executors

import (
	"context"

	"github.com/deepnoodle-ai/conductor"
)

// EndExecutor marks a terminal point of a workflow. Its "outputs" config
// names the state variables to gather into the final output; with no config
// it completes with the full variable store.
type EndExecutor struct{}

func (e *EndExecutor) Type() conductor.NodeType {
	return conductor.NodeTypeEnd
}

func (e *EndExecutor) Execute(ctx context.Context, ec *conductor.ExecutionContext) (*conductor.NodeResult, error) {
	keys := ec.ConfigStrings("outputs")
	if len(keys) == 0 {
		return conductor.CompletedResult(ec.State.Data()), nil
	}
	output := make(map[string]any, len(keys))
	for _, key := range keys {
		if value, ok := ec.State.GetData(key); ok {
			output[key] = value
		}
	}
	return conductor.CompletedResult(output), nil
}
