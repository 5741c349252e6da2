package conductor

import (
	"context"
	"fmt"
	"sync"
)

// AgentRequest is the normalized input for an agent node's model call.
type AgentRequest struct {
	SystemPrompt  string         `json:"system_prompt,omitempty"`
	Prompt        string         `json:"prompt"`
	Tools         []string       `json:"tools,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// AgentResponse is the result of an agent node's model call.
type AgentResponse struct {
	Content   string         `json:"content"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToolCall records a tool invocation requested or performed by an agent.
type ToolCall struct {
	Name   string         `json:"name"`
	Input  map[string]any `json:"input,omitempty"`
	Result any            `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Backend is the external LLM/tool execution collaborator invoked by agent
// and tool node executors and by llm-typed edge conditions. Implementations
// live outside this module; MockBackend is provided for tests and examples.
type Backend interface {

	// Generate runs an agent request against the model backend.
	Generate(ctx context.Context, req AgentRequest) (*AgentResponse, error)

	// CallTool invokes a named tool with structured input.
	CallTool(ctx context.Context, name string, input map[string]any) (any, error)

	// Decide answers a yes/no question about the given state. Used for
	// llm-typed edge conditions and decision nodes.
	Decide(ctx context.Context, prompt string, data map[string]any) (bool, error)
}

// MockBackend is a lightweight in-memory Backend useful for tests and
// examples. Responses are returned in order; tool and decision handlers are
// registered per name.
type MockBackend struct {
	mu         sync.Mutex
	responses  []*AgentResponse
	callIndex  int
	tools      map[string]func(ctx context.Context, input map[string]any) (any, error)
	decisions  map[string]bool
	calls      []AgentRequest
	toolCalls  []ToolCall
	defaultErr error
}

// NewMockBackend creates an empty mock backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		tools:     map[string]func(ctx context.Context, input map[string]any) (any, error){},
		decisions: map[string]bool{},
	}
}

// AddResponse queues an agent response to return from Generate.
func (b *MockBackend) AddResponse(resp *AgentResponse) *MockBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = append(b.responses, resp)
	return b
}

// RegisterTool registers a tool handler.
func (b *MockBackend) RegisterTool(name string, fn func(ctx context.Context, input map[string]any) (any, error)) *MockBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tools[name] = fn
	return b
}

// SetDecision fixes the answer for a decision prompt.
func (b *MockBackend) SetDecision(prompt string, answer bool) *MockBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decisions[prompt] = answer
	return b
}

// SetError makes every call fail with the given error.
func (b *MockBackend) SetError(err error) *MockBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defaultErr = err
	return b
}

func (b *MockBackend) Generate(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.defaultErr != nil {
		return nil, b.defaultErr
	}
	b.calls = append(b.calls, req)
	if b.callIndex >= len(b.responses) {
		return &AgentResponse{Content: "ok"}, nil
	}
	resp := b.responses[b.callIndex]
	b.callIndex++
	return resp, nil
}

func (b *MockBackend) CallTool(ctx context.Context, name string, input map[string]any) (any, error) {
	b.mu.Lock()
	fn, ok := b.tools[name]
	err := b.defaultErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	result, callErr := fn(ctx, input)
	b.mu.Lock()
	call := ToolCall{Name: name, Input: input, Result: result}
	if callErr != nil {
		call.Error = callErr.Error()
	}
	b.toolCalls = append(b.toolCalls, call)
	b.mu.Unlock()
	return result, callErr
}

func (b *MockBackend) Decide(ctx context.Context, prompt string, data map[string]any) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.defaultErr != nil {
		return false, b.defaultErr
	}
	return b.decisions[prompt], nil
}

// GenerateCalls returns the agent requests seen so far.
func (b *MockBackend) GenerateCalls() []AgentRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]AgentRequest(nil), b.calls...)
}

// RecordedToolCalls returns the tool calls seen so far.
func (b *MockBackend) RecordedToolCalls() []ToolCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ToolCall(nil), b.toolCalls...)
}
