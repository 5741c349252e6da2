package executors

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/script"
	"github.com/stretchr/testify/require"
)

// fakeState is a minimal StateReader for executor tests.
type fakeState struct {
	id          string
	data        map[string]any
	completions map[string]*conductor.StepRecord
}

func (s *fakeState) ID() string { return s.id }

func (s *fakeState) Data() map[string]any {
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

func (s *fakeState) GetData(key string) (any, bool) {
	value, ok := s.data[key]
	return value, ok
}

func (s *fakeState) CompletionCount(nodeID string) int {
	if _, ok := s.completions[nodeID]; ok {
		return 1
	}
	return 0
}

func (s *fakeState) LastCompletion(nodeID string) (*conductor.StepRecord, bool) {
	record, ok := s.completions[nodeID]
	return record, ok
}

type contextOptions struct {
	definition *conductor.Definition
	state      *fakeState
	backend    conductor.Backend
	memory     conductor.MemoryStore
}

func newContext(node *conductor.Node, opts contextOptions) *conductor.ExecutionContext {
	if opts.state == nil {
		opts.state = &fakeState{id: "exec_test", data: map[string]any{}}
	}
	return &conductor.ExecutionContext{
		ExecutionID: opts.state.id,
		Definition:  opts.definition,
		Node:        node,
		State:       opts.state,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Compiler:    script.NewRisorEngine(script.DefaultGlobals()),
		Backend:     opts.backend,
		Memory:      opts.memory,
	}
}

func TestDefaults(t *testing.T) {
	executors := Defaults()
	require.Len(t, executors, len(conductor.NodeTypes()))
	seen := map[conductor.NodeType]bool{}
	for _, executor := range executors {
		require.False(t, seen[executor.Type()])
		seen[executor.Type()] = true
	}
}

func TestStartExecutor(t *testing.T) {
	executor := &StartExecutor{}
	ctx := context.Background()

	t.Run("seeds defaults for absent keys", func(t *testing.T) {
		node := &conductor.Node{
			ID:   "start",
			Type: conductor.NodeTypeStart,
			Config: map[string]any{
				"defaults": map[string]any{"topic": "golang", "depth": 2},
			},
		}
		state := &fakeState{id: "exec_test", data: map[string]any{"topic": "rust"}}
		result, err := executor.Execute(ctx, newContext(node, contextOptions{state: state}))
		require.NoError(t, err)
		require.Equal(t, conductor.NodeStatusCompleted, result.Status)
		require.Equal(t, map[string]any{"started": true}, result.Output)
		// Seeded input wins over defaults.
		require.Equal(t, map[string]any{"depth": 2}, result.StateUpdates)
	})

	t.Run("no defaults", func(t *testing.T) {
		node := &conductor.Node{ID: "start", Type: conductor.NodeTypeStart}
		result, err := executor.Execute(ctx, newContext(node, contextOptions{}))
		require.NoError(t, err)
		require.Nil(t, result.StateUpdates)
	})
}

func TestEndExecutor(t *testing.T) {
	executor := &EndExecutor{}
	ctx := context.Background()
	state := &fakeState{id: "exec_test", data: map[string]any{
		"topic":   "golang",
		"summary": "short",
		"scratch": "ignore",
	}}

	t.Run("gathers named outputs", func(t *testing.T) {
		node := &conductor.Node{
			ID:     "end",
			Type:   conductor.NodeTypeEnd,
			Config: map[string]any{"outputs": []any{"topic", "summary", "missing"}},
		}
		result, err := executor.Execute(ctx, newContext(node, contextOptions{state: state}))
		require.NoError(t, err)
		require.Equal(t, map[string]any{"topic": "golang", "summary": "short"}, result.Output)
	})

	t.Run("full store without config", func(t *testing.T) {
		node := &conductor.Node{ID: "end", Type: conductor.NodeTypeEnd}
		result, err := executor.Execute(ctx, newContext(node, contextOptions{state: state}))
		require.NoError(t, err)
		require.Equal(t, state.Data(), result.Output)
	})
}

func TestAgentExecutor(t *testing.T) {
	executor := &AgentExecutor{}
	ctx := context.Background()

	t.Run("templates the prompt and stores the response", func(t *testing.T) {
		backend := conductor.NewMockBackend().
			AddResponse(&conductor.AgentResponse{Content: "a summary"})
		node := &conductor.Node{
			ID:   "summarize",
			Type: conductor.NodeTypeAgent,
			Config: map[string]any{
				"prompt":        `Summarize ${data["topic"]}`,
				"system_prompt": "You are a researcher.",
				"tools":         []any{"search"},
				"output":        "summary",
			},
		}
		state := &fakeState{id: "exec_test", data: map[string]any{"topic": "golang"}}
		result, err := executor.Execute(ctx, newContext(node, contextOptions{state: state, backend: backend}))
		require.NoError(t, err)
		require.Equal(t, "a summary", result.Output)
		require.Equal(t, map[string]any{"summary": "a summary"}, result.StateUpdates)

		calls := backend.GenerateCalls()
		require.Len(t, calls, 1)
		require.Equal(t, "Summarize golang", calls[0].Prompt)
		require.Equal(t, "You are a researcher.", calls[0].SystemPrompt)
		require.Equal(t, []string{"search"}, calls[0].Tools)
	})

	t.Run("defaults the output key to the node id", func(t *testing.T) {
		backend := conductor.NewMockBackend()
		node := &conductor.Node{
			ID:     "summarize",
			Type:   conductor.NodeTypeAgent,
			Config: map[string]any{"prompt": "hello"},
		}
		result, err := executor.Execute(ctx, newContext(node, contextOptions{backend: backend}))
		require.NoError(t, err)
		require.Contains(t, result.StateUpdates, "summarize")
	})

	t.Run("requires a prompt", func(t *testing.T) {
		node := &conductor.Node{ID: "summarize", Type: conductor.NodeTypeAgent}
		_, err := executor.Execute(ctx, newContext(node, contextOptions{backend: conductor.NewMockBackend()}))
		require.ErrorContains(t, err, "prompt")
	})

	t.Run("requires a backend", func(t *testing.T) {
		node := &conductor.Node{
			ID:     "summarize",
			Type:   conductor.NodeTypeAgent,
			Config: map[string]any{"prompt": "hello"},
		}
		_, err := executor.Execute(ctx, newContext(node, contextOptions{}))
		require.ErrorContains(t, err, "backend")
	})
}

func TestToolExecutor(t *testing.T) {
	executor := &ToolExecutor{}
	ctx := context.Background()

	t.Run("templates input and stores the result", func(t *testing.T) {
		backend := conductor.NewMockBackend().
			RegisterTool("fetch", func(ctx context.Context, input map[string]any) (any, error) {
				return fmt.Sprintf("contents of %v", input["url"]), nil
			})
		node := &conductor.Node{
			ID:   "fetch_doc",
			Type: conductor.NodeTypeTool,
			Config: map[string]any{
				"tool": "fetch",
				"input": map[string]any{
					"url":   `https://example.com/${data["page"]}`,
					"depth": 3,
				},
				"output": "document",
			},
		}
		state := &fakeState{id: "exec_test", data: map[string]any{"page": "intro"}}
		result, err := executor.Execute(ctx, newContext(node, contextOptions{state: state, backend: backend}))
		require.NoError(t, err)
		require.Equal(t, "contents of https://example.com/intro", result.Output)
		require.Equal(t, map[string]any{"document": "contents of https://example.com/intro"}, result.StateUpdates)

		calls := backend.RecordedToolCalls()
		require.Len(t, calls, 1)
		require.Equal(t, 3, calls[0].Input["depth"])
	})

	t.Run("unknown tool fails", func(t *testing.T) {
		node := &conductor.Node{
			ID:     "fetch_doc",
			Type:   conductor.NodeTypeTool,
			Config: map[string]any{"tool": "nope"},
		}
		_, err := executor.Execute(ctx, newContext(node, contextOptions{backend: conductor.NewMockBackend()}))
		require.ErrorContains(t, err, "nope")
	})

	t.Run("requires a tool name", func(t *testing.T) {
		node := &conductor.Node{ID: "fetch_doc", Type: conductor.NodeTypeTool}
		_, err := executor.Execute(ctx, newContext(node, contextOptions{backend: conductor.NewMockBackend()}))
		require.ErrorContains(t, err, "'tool' parameter")
	})
}

func TestDecisionExecutor(t *testing.T) {
	executor := &DecisionExecutor{}
	ctx := context.Background()

	t.Run("expression result is the output", func(t *testing.T) {
		node := &conductor.Node{
			ID:     "route",
			Type:   conductor.NodeTypeDecision,
			Config: map[string]any{"expression": `data["priority"] > 10`},
		}
		state := &fakeState{id: "exec_test", data: map[string]any{"priority": 42}}
		result, err := executor.Execute(ctx, newContext(node, contextOptions{state: state}))
		require.NoError(t, err)
		require.Equal(t, true, result.Output)
		require.Nil(t, result.StateUpdates)
	})

	t.Run("output key stores the value", func(t *testing.T) {
		node := &conductor.Node{
			ID:   "route",
			Type: conductor.NodeTypeDecision,
			Config: map[string]any{
				"expression": `data["priority"] * 2`,
				"output":     "doubled",
			},
		}
		state := &fakeState{id: "exec_test", data: map[string]any{"priority": 5}}
		result, err := executor.Execute(ctx, newContext(node, contextOptions{state: state}))
		require.NoError(t, err)
		require.Contains(t, result.StateUpdates, "doubled")
	})

	t.Run("prompt delegates to the backend", func(t *testing.T) {
		backend := conductor.NewMockBackend().SetDecision("is this urgent?", true)
		node := &conductor.Node{
			ID:     "route",
			Type:   conductor.NodeTypeDecision,
			Config: map[string]any{"prompt": "is this urgent?"},
		}
		result, err := executor.Execute(ctx, newContext(node, contextOptions{backend: backend}))
		require.NoError(t, err)
		require.Equal(t, true, result.Output)
	})

	t.Run("requires expression or prompt", func(t *testing.T) {
		node := &conductor.Node{ID: "route", Type: conductor.NodeTypeDecision}
		_, err := executor.Execute(ctx, newContext(node, contextOptions{}))
		require.Error(t, err)
	})
}

func TestParallelExecutor(t *testing.T) {
	def, err := conductor.NewDefinition(conductor.DefinitionOptions{
		Name: "fanout",
		Nodes: []*conductor.Node{
			{ID: "split", Type: conductor.NodeTypeParallel},
			{ID: "left", Type: conductor.NodeTypeTool},
			{ID: "right", Type: conductor.NodeTypeTool},
		},
		Edges: []*conductor.Edge{
			{Source: "split", Target: "left"},
			{Source: "split", Target: "right"},
		},
	})
	require.NoError(t, err)

	executor := &ParallelExecutor{}
	node, _ := def.Node("split")
	result, err := executor.Execute(context.Background(), newContext(node, contextOptions{definition: def}))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"branches": []string{"left", "right"}}, result.Output)
}

func TestJoinExecutor(t *testing.T) {
	def, err := conductor.NewDefinition(conductor.DefinitionOptions{
		Name: "fanin",
		Nodes: []*conductor.Node{
			{ID: "left", Type: conductor.NodeTypeTool},
			{ID: "right", Type: conductor.NodeTypeTool},
			{ID: "merge", Type: conductor.NodeTypeJoin, Config: map[string]any{"output": "merged"}},
		},
		Edges: []*conductor.Edge{
			{Source: "left", Target: "merge"},
			{Source: "right", Target: "merge"},
		},
	})
	require.NoError(t, err)

	state := &fakeState{
		id:   "exec_test",
		data: map[string]any{},
		completions: map[string]*conductor.StepRecord{
			"left": {NodeID: "left", Output: "left result"},
		},
	}

	executor := &JoinExecutor{}
	node, _ := def.Node("merge")
	result, err := executor.Execute(context.Background(), newContext(node, contextOptions{definition: def, state: state}))
	require.NoError(t, err)

	// Only branches with a completion record contribute.
	require.Equal(t, map[string]any{"left": "left result"}, result.Output)
	require.Equal(t, map[string]any{"merged": map[string]any{"left": "left result"}}, result.StateUpdates)
}

func TestHumanExecutor(t *testing.T) {
	executor := &HumanExecutor{}
	ctx := context.Background()
	node := &conductor.Node{
		ID:   "approve",
		Type: conductor.NodeTypeHuman,
		Config: map[string]any{
			"message": `Approve the summary of ${data["topic"]}?`,
			"reason":  "editorial review",
			"options": []any{"publish", "reject"},
			"output":  "decision",
		},
	}
	state := &fakeState{id: "exec_test", data: map[string]any{"topic": "golang"}}

	result, err := executor.Execute(ctx, newContext(node, contextOptions{state: state}))
	require.NoError(t, err)
	require.Equal(t, conductor.NodeStatusPaused, result.Status)
	require.NotNil(t, result.Pending)
	require.Equal(t, "approve", result.Pending.NodeID)
	require.Equal(t, "Approve the summary of golang?", result.Pending.Message)
	require.Equal(t, "editorial review", result.Pending.Reason)
	require.Equal(t, []string{"publish", "reject"}, result.Pending.Options)
	require.NotEmpty(t, result.Pending.ID)

	response := map[string]any{"choice": "publish"}
	resumed, err := executor.Resume(ctx, newContext(node, contextOptions{state: state}), response)
	require.NoError(t, err)
	require.Equal(t, conductor.NodeStatusCompleted, resumed.Status)
	require.Equal(t, map[string]any{"decision": response}, resumed.StateUpdates)
}

func TestTransformExecutor(t *testing.T) {
	executor := &TransformExecutor{}
	ctx := context.Background()

	t.Run("scalar result stored under output key", func(t *testing.T) {
		node := &conductor.Node{
			ID:   "score",
			Type: conductor.NodeTypeTransform,
			Config: map[string]any{
				"expression": `len(data["description"])`,
			},
		}
		state := &fakeState{id: "exec_test", data: map[string]any{"description": "hello"}}
		result, err := executor.Execute(ctx, newContext(node, contextOptions{state: state}))
		require.NoError(t, err)
		require.Contains(t, result.StateUpdates, "score")
	})

	t.Run("falls back to the context compiler", func(t *testing.T) {
		node := &conductor.Node{
			ID:   "score",
			Type: conductor.NodeTypeTransform,
			Config: map[string]any{
				"expression": `1 + 1`,
			},
		}
		ec := newContext(node, contextOptions{})
		ec.Compiler = nil

		_, err := executor.Execute(ctx, ec)
		require.Error(t, err)
		require.Contains(t, err.Error(), "no script compiler")

		attached := conductor.WithCompiler(ctx, script.NewRisorEngine(script.DefaultGlobals()))
		result, err := executor.Execute(attached, ec)
		require.NoError(t, err)
		require.Contains(t, result.StateUpdates, "score")
	})

	t.Run("map result with merge mode deep merges", func(t *testing.T) {
		node := &conductor.Node{
			ID:   "enrich",
			Type: conductor.NodeTypeTransform,
			Config: map[string]any{
				"script": `{"metrics": {"score": 10}}`,
				"merge":  "merge",
			},
		}
		result, err := executor.Execute(ctx, newContext(node, contextOptions{}))
		require.NoError(t, err)
		require.Equal(t, conductor.MergeDeep, result.Merge)
		require.Contains(t, result.StateUpdates, "metrics")
	})

	t.Run("requires a script", func(t *testing.T) {
		node := &conductor.Node{ID: "enrich", Type: conductor.NodeTypeTransform}
		_, err := executor.Execute(ctx, newContext(node, contextOptions{}))
		require.ErrorContains(t, err, "script")
	})

	t.Run("script errors surface", func(t *testing.T) {
		node := &conductor.Node{
			ID:     "enrich",
			Type:   conductor.NodeTypeTransform,
			Config: map[string]any{"expression": `data[`},
		}
		_, err := executor.Execute(ctx, newContext(node, contextOptions{}))
		require.Error(t, err)
	})
}

func TestMemoryExecutor(t *testing.T) {
	executor := &MemoryExecutor{}
	ctx := context.Background()

	memoryNode := func(config map[string]any) *conductor.Node {
		return &conductor.Node{ID: "remember", Type: conductor.NodeTypeMemory, Config: config}
	}

	t.Run("put then get in the execution scope", func(t *testing.T) {
		store := conductor.NewInMemoryStore()
		state := &fakeState{id: "exec_test", data: map[string]any{"topic": "golang"}}

		put := memoryNode(map[string]any{
			"operation": "put",
			"key":       "last_topic",
			"value":     `${data["topic"]}`,
		})
		result, err := executor.Execute(ctx, newContext(put, contextOptions{state: state, memory: store}))
		require.NoError(t, err)
		require.Equal(t, "golang", result.Output)

		get := memoryNode(map[string]any{
			"operation": "get",
			"key":       "last_topic",
			"output":    "recalled",
		})
		result, err = executor.Execute(ctx, newContext(get, contextOptions{state: state, memory: store}))
		require.NoError(t, err)
		require.Equal(t, map[string]any{"recalled": "golang"}, result.StateUpdates)
	})

	t.Run("get of a missing key completes without updates", func(t *testing.T) {
		store := conductor.NewInMemoryStore()
		get := memoryNode(map[string]any{"operation": "get", "key": "absent"})
		result, err := executor.Execute(ctx, newContext(get, contextOptions{memory: store}))
		require.NoError(t, err)
		require.Nil(t, result.StateUpdates)
	})

	t.Run("append builds a list", func(t *testing.T) {
		store := conductor.NewInMemoryStore()
		node := memoryNode(map[string]any{
			"operation": "append",
			"key":       "log",
			"value":     "entry",
		})
		ec := newContext(node, contextOptions{memory: store})
		_, err := executor.Execute(ctx, ec)
		require.NoError(t, err)
		_, err = executor.Execute(ctx, ec)
		require.NoError(t, err)

		value, found, err := store.Get(ctx, ec.ExecutionID, "log")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []any{"entry", "entry"}, value)
	})

	t.Run("search in a shared scope", func(t *testing.T) {
		store := conductor.NewInMemoryStore()
		require.NoError(t, store.Put(ctx, "team", "note1", "about golang"))
		require.NoError(t, store.Put(ctx, "team", "note2", "about rust"))

		node := memoryNode(map[string]any{
			"operation": "search",
			"scope":     "team",
			"query":     "golang",
		})
		result, err := executor.Execute(ctx, newContext(node, contextOptions{memory: store}))
		require.NoError(t, err)
		require.Equal(t, []string{"note1"}, result.Output)
	})

	t.Run("clear empties the scope", func(t *testing.T) {
		store := conductor.NewInMemoryStore()
		require.NoError(t, store.Put(ctx, "team", "note", "value"))

		node := memoryNode(map[string]any{"operation": "clear", "scope": "team"})
		_, err := executor.Execute(ctx, newContext(node, contextOptions{memory: store}))
		require.NoError(t, err)

		_, found, err := store.Get(ctx, "team", "note")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("write requires key and value", func(t *testing.T) {
		store := conductor.NewInMemoryStore()
		_, err := executor.Execute(ctx, newContext(memoryNode(map[string]any{"operation": "put"}), contextOptions{memory: store}))
		require.ErrorContains(t, err, "key")

		_, err = executor.Execute(ctx, newContext(memoryNode(map[string]any{"operation": "put", "key": "k"}), contextOptions{memory: store}))
		require.ErrorContains(t, err, "value")
	})

	t.Run("unknown operation", func(t *testing.T) {
		store := conductor.NewInMemoryStore()
		_, err := executor.Execute(ctx, newContext(memoryNode(map[string]any{"operation": "wipe"}), contextOptions{memory: store}))
		require.ErrorContains(t, err, "wipe")
	})

	t.Run("requires a store", func(t *testing.T) {
		_, err := executor.Execute(ctx, newContext(memoryNode(map[string]any{"operation": "get", "key": "k"}), contextOptions{}))
		require.ErrorContains(t, err, "memory store")
	})
}
