package conductor

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a lifecycle event variant. The set is fixed;
// collaborators switch on it rather than inspecting payload shape.
type EventKind string

const (
	EventExecutionStarted   EventKind = "execution_started"
	EventNodeStarted        EventKind = "node_started"
	EventNodeCompleted      EventKind = "node_completed"
	EventNodeError          EventKind = "node_error"
	EventHumanRequired      EventKind = "human_required"
	EventCheckpointSaved    EventKind = "checkpoint_saved"
	EventExecutionPaused    EventKind = "execution_paused"
	EventExecutionResumed   EventKind = "execution_resumed"
	EventExecutionCompleted EventKind = "execution_completed"
	EventExecutionFailed    EventKind = "execution_failed"
	EventExecutionCancelled EventKind = "execution_cancelled"
)

// Event is a lifecycle notification published by the engine. Events are
// informational: the engine functions correctly with no subscriber attached.
type Event struct {
	ID           string          `json:"id"`
	Kind         EventKind       `json:"kind"`
	ExecutionID  string          `json:"execution_id"`
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name"`
	NodeID       string          `json:"node_id,omitempty"`
	Status       ExecutionStatus `json:"status,omitempty"`
	CheckpointID string          `json:"checkpoint_id,omitempty"`
	Output       any             `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// EventSink consumes engine lifecycle events. Implementations must not
// block: the engine emits events synchronously from its run loop.
type EventSink interface {
	Emit(ctx context.Context, event *Event)
}

// newEvent constructs an event with id and timestamp filled in.
func newEvent(kind EventKind, state *ExecutionState) *Event {
	return &Event{
		ID:           uuid.NewString(),
		Kind:         kind,
		ExecutionID:  state.ID(),
		WorkflowID:   state.WorkflowID(),
		WorkflowName: state.WorkflowName(),
		Status:       state.Status(),
		Timestamp:    time.Now(),
	}
}

// NullSink discards all events.
type NullSink struct{}

func NewNullSink() *NullSink { return &NullSink{} }

func (s *NullSink) Emit(ctx context.Context, event *Event) {}

// SinkChain fans one event out to multiple sinks in order.
type SinkChain struct {
	sinks []EventSink
}

func NewSinkChain(sinks ...EventSink) *SinkChain {
	return &SinkChain{sinks: sinks}
}

// Add appends a sink to the chain.
func (s *SinkChain) Add(sink EventSink) {
	s.sinks = append(s.sinks, sink)
}

func (s *SinkChain) Emit(ctx context.Context, event *Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, event)
	}
}

// ChannelSink forwards events to a buffered channel, dropping events when
// the buffer is full so a slow or absent subscriber never stalls the engine.
type ChannelSink struct {
	ch chan *Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 100
	}
	return &ChannelSink{ch: make(chan *Event, buffer)}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan *Event {
	return s.ch
}

func (s *ChannelSink) Emit(ctx context.Context, event *Event) {
	select {
	case s.ch <- event:
	default:
	}
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ctx context.Context, event *Event)

func (f SinkFunc) Emit(ctx context.Context, event *Event) {
	f(ctx, event)
}
