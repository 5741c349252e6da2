package executors

import (
	"context"

	"github.com/deepnoodle-ai/conductor"
)

// ParallelExecutor fans execution out. Completing it activates every
// outgoing edge whose condition holds; the scheduler then dispatches those
// branch heads concurrently. The node itself only records which branches it
// opened.
type ParallelExecutor struct{}

func (e *ParallelExecutor) Type() conductor.NodeType {
	return conductor.NodeTypeParallel
}

func (e *ParallelExecutor) Execute(ctx context.Context, ec *conductor.ExecutionContext) (*conductor.NodeResult, error) {
	var branches []string
	for _, edge := range ec.Definition.Outgoing(ec.Node.ID) {
		branches = append(branches, edge.Target)
	}
	return conductor.CompletedResult(map[string]any{"branches": branches}), nil
}
