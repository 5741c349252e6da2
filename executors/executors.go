// Package executors provides the built-in node executors for every node
// type a workflow definition can reference.
package executors

import (
	"github.com/deepnoodle-ai/conductor"
)

// Defaults returns one executor for each built-in node type, suitable for
// passing to the engine's options.
func Defaults() []conductor.NodeExecutor {
	return []conductor.NodeExecutor{
		&StartExecutor{},
		&EndExecutor{},
		&AgentExecutor{},
		&ToolExecutor{},
		&DecisionExecutor{},
		&ParallelExecutor{},
		&JoinExecutor{},
		&HumanExecutor{},
		&TransformExecutor{},
		&MemoryExecutor{},
	}
}
