package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"dario.cat/mergo"
	"github.com/deepnoodle-ai/conductor/script"
)

// NodeStatus is the outcome of one node execution.
type NodeStatus string

const (
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusPaused    NodeStatus = "paused"
	NodeStatusFailed    NodeStatus = "failed"
)

// MergeStrategy selects how a node's state updates are merged into the
// execution data store.
type MergeStrategy string

const (
	// MergeReplace overwrites each key (last-writer-wins). The default.
	MergeReplace MergeStrategy = "replace"

	// MergeDeep recursively merges map values into existing ones.
	MergeDeep MergeStrategy = "merge"
)

// NodeResult is the uniform result shape returned by every node executor.
// Executors never mutate execution state in place; they return a delta that
// the StateManager applies.
type NodeResult struct {
	Status       NodeStatus
	Output       any
	StateUpdates map[string]any
	Merge        MergeStrategy
	Pending      *PendingCheckpoint
	PauseReason  string
	Err          error
}

// CompletedResult returns a completed NodeResult with the given output.
func CompletedResult(output any) *NodeResult {
	return &NodeResult{Status: NodeStatusCompleted, Output: output}
}

// FailedResult returns a failed NodeResult wrapping the given error.
func FailedResult(err error) *NodeResult {
	return &NodeResult{Status: NodeStatusFailed, Err: err}
}

// StateReader is the read-only view of execution state available to node
// executors and condition evaluators.
type StateReader interface {

	// ID returns the execution id
	ID() string

	// Data returns a copy of the execution variable store
	Data() map[string]any

	// GetData returns a single variable value
	GetData(key string) (any, bool)

	// CompletionCount returns how many times a node has completed
	CompletionCount(nodeID string) int

	// LastCompletion returns the most recent completed record for a node
	LastCompletion(nodeID string) (*StepRecord, bool)
}

// ExecutionContext carries everything a node executor needs for one
// invocation.
type ExecutionContext struct {
	ExecutionID string
	Definition  *Definition
	Node        *Node
	State       StateReader
	Iteration   int
	Logger      *slog.Logger
	Compiler    script.Compiler
	Backend     Backend
	Memory      MemoryStore
}

// ConfigString reads a string value from the node's type-specific config.
func (c *ExecutionContext) ConfigString(key string) string {
	value, _ := c.Node.Config[key].(string)
	return value
}

// ConfigInt reads an integer value from the node's type-specific config.
func (c *ExecutionContext) ConfigInt(key string) int {
	switch v := c.Node.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// ConfigStrings reads a string list from the node's type-specific config.
func (c *ExecutionContext) ConfigStrings(key string) []string {
	switch v := c.Node.Config[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ScriptGlobals returns the standard globals exposed to node scripts and
// templates. The execution variable store is bound as both "data" and
// "input" since seeded input lives in the same store.
func (c *ExecutionContext) ScriptGlobals() map[string]any {
	data := c.State.Data()
	return map[string]any{
		"data":  data,
		"input": data,
	}
}

// NodeExecutor is the polymorphic unit of work for one node type.
type NodeExecutor interface {

	// Type returns the node type this executor handles
	Type() NodeType

	// Execute runs the node and returns its result delta. Implementations
	// must honor ctx cancellation.
	Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error)
}

// Resumable is implemented by executors whose nodes can pause and later be
// woken with external input (the human node, primarily).
type Resumable interface {
	NodeExecutor

	// Resume completes a previously paused node with external input.
	Resume(ctx context.Context, ec *ExecutionContext, input map[string]any) (*NodeResult, error)
}

// ExecutorSet is a static dispatch table from node type to executor,
// resolved at engine construction. The set is closed: validation rejects any
// node whose type has no registered executor.
type ExecutorSet struct {
	executors map[NodeType]NodeExecutor
}

// NewExecutorSet builds a dispatch table from the given executors.
func NewExecutorSet(executors []NodeExecutor) (*ExecutorSet, error) {
	if len(executors) == 0 {
		return nil, fmt.Errorf("executors are required")
	}
	table := make(map[NodeType]NodeExecutor, len(executors))
	for _, executor := range executors {
		if _, exists := table[executor.Type()]; exists {
			return nil, fmt.Errorf("duplicate executor for node type %q", executor.Type())
		}
		table[executor.Type()] = executor
	}
	return &ExecutorSet{executors: table}, nil
}

// Get returns the executor for a node type.
func (s *ExecutorSet) Get(t NodeType) (NodeExecutor, bool) {
	executor, ok := s.executors[t]
	return executor, ok
}

// Types returns the registered node types, sorted.
func (s *ExecutorSet) Types() []NodeType {
	types := make([]NodeType, 0, len(s.executors))
	for t := range s.executors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// mergeStateUpdates merges a node's state updates into data according to the
// result's merge strategy.
func mergeStateUpdates(data map[string]any, updates map[string]any, strategy MergeStrategy) (map[string]any, error) {
	if strategy != MergeDeep {
		for k, v := range updates {
			data[k] = v
		}
		return data, nil
	}
	if err := mergo.Merge(&data, updates, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge state updates: %w", err)
	}
	return data, nil
}
