package executors

import (
	"context"

	"github.com/deepnoodle-ai/conductor"
)

// JoinExecutor synchronizes fan-in. The scheduler decides when the join is
// ready according to its strategy (wait_all, race, or count); this executor
// then aggregates the latest output of each completed incoming branch,
// keyed by source node id. The aggregate is stored under the "output"
// variable when one is configured.
type JoinExecutor struct{}

func (e *JoinExecutor) Type() conductor.NodeType {
	return conductor.NodeTypeJoin
}

func (e *JoinExecutor) Execute(ctx context.Context, ec *conductor.ExecutionContext) (*conductor.NodeResult, error) {
	aggregate := map[string]any{}
	for _, edge := range ec.Definition.Incoming(ec.Node.ID) {
		if record, ok := ec.State.LastCompletion(edge.Source); ok {
			aggregate[edge.Source] = record.Output
		}
	}
	result := conductor.CompletedResult(aggregate)
	if outputKey := ec.ConfigString("output"); outputKey != "" {
		result.StateUpdates = map[string]any{outputKey: aggregate}
	}
	return result, nil
}
