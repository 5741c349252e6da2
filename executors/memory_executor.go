package executors

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/script"
)

// MemoryExecutor reads and writes the cross-node memory store. The
// "operation" config selects get, put, append, search, or clear. The store
// is scoped per execution unless the node names a shared "scope". String
// values are templated against execution state before writes.
type MemoryExecutor struct{}

func (e *MemoryExecutor) Type() conductor.NodeType {
	return conductor.NodeTypeMemory
}

func (e *MemoryExecutor) Execute(ctx context.Context, ec *conductor.ExecutionContext) (*conductor.NodeResult, error) {
	if ec.Memory == nil {
		return nil, fmt.Errorf("memory node %q requires a memory store", ec.Node.ID)
	}
	scope := ec.ConfigString("scope")
	if scope == "" {
		scope = ec.ExecutionID
	}
	outputKey := ec.ConfigString("output")
	if outputKey == "" {
		outputKey = ec.Node.ID
	}

	operation := ec.ConfigString("operation")
	switch operation {
	case "get":
		key := ec.ConfigString("key")
		if key == "" {
			return nil, fmt.Errorf("memory get requires a 'key' parameter")
		}
		value, found, err := ec.Memory.Get(ctx, scope, key)
		if err != nil {
			return nil, fmt.Errorf("memory get failed: %w", err)
		}
		result := conductor.CompletedResult(value)
		if found {
			result.StateUpdates = map[string]any{outputKey: value}
		}
		return result, nil

	case "put", "append":
		key := ec.ConfigString("key")
		if key == "" {
			return nil, fmt.Errorf("memory %s requires a 'key' parameter", operation)
		}
		value, err := e.resolveValue(ctx, ec)
		if err != nil {
			return nil, err
		}
		if operation == "put" {
			err = ec.Memory.Put(ctx, scope, key, value)
		} else {
			err = ec.Memory.Append(ctx, scope, key, value)
		}
		if err != nil {
			return nil, fmt.Errorf("memory %s failed: %w", operation, err)
		}
		return conductor.CompletedResult(value), nil

	case "search":
		query, err := script.Render(ctx, ec.Compiler, ec.ConfigString("query"), ec.ScriptGlobals())
		if err != nil {
			return nil, fmt.Errorf("failed to render search query: %w", err)
		}
		keys, err := ec.Memory.Search(ctx, scope, query, ec.ConfigInt("limit"))
		if err != nil {
			return nil, fmt.Errorf("memory search failed: %w", err)
		}
		result := conductor.CompletedResult(keys)
		result.StateUpdates = map[string]any{outputKey: keys}
		return result, nil

	case "clear":
		if err := ec.Memory.Clear(ctx, scope); err != nil {
			return nil, fmt.Errorf("memory clear failed: %w", err)
		}
		return conductor.CompletedResult(map[string]any{"cleared": scope}), nil
	}
	return nil, fmt.Errorf("memory node %q has unknown operation %q", ec.Node.ID, operation)
}

// resolveValue reads the value to store, templating it when it is a string.
func (e *MemoryExecutor) resolveValue(ctx context.Context, ec *conductor.ExecutionContext) (any, error) {
	value, ok := ec.Node.Config["value"]
	if !ok {
		return nil, fmt.Errorf("memory write requires a 'value' parameter")
	}
	text, isString := value.(string)
	if !isString {
		return value, nil
	}
	rendered, err := script.Render(ctx, ec.Compiler, text, ec.ScriptGlobals())
	if err != nil {
		return nil, fmt.Errorf("failed to render value: %w", err)
	}
	return rendered, nil
}
