package conductor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelSink(t *testing.T) {
	ctx := context.Background()
	state := NewExecutionState("exec_1", "wf", "Workflow", "", nil)

	t.Run("delivers buffered events", func(t *testing.T) {
		sink := NewChannelSink(2)
		sink.Emit(ctx, newEvent(EventExecutionStarted, state))
		sink.Emit(ctx, newEvent(EventExecutionCompleted, state))

		first := <-sink.Events()
		require.Equal(t, EventExecutionStarted, first.Kind)
		require.Equal(t, "exec_1", first.ExecutionID)
		require.NotEmpty(t, first.ID)
		require.False(t, first.Timestamp.IsZero())
		require.Equal(t, EventExecutionCompleted, (<-sink.Events()).Kind)
	})

	t.Run("drops instead of blocking when full", func(t *testing.T) {
		sink := NewChannelSink(1)
		sink.Emit(ctx, newEvent(EventNodeStarted, state))
		sink.Emit(ctx, newEvent(EventNodeCompleted, state))

		require.Equal(t, EventNodeStarted, (<-sink.Events()).Kind)
		select {
		case event := <-sink.Events():
			t.Fatalf("unexpected event %s", event.Kind)
		default:
		}
	})
}

func TestSinkChain(t *testing.T) {
	ctx := context.Background()
	state := NewExecutionState("exec_1", "wf", "Workflow", "", nil)

	var order []string
	chain := NewSinkChain(
		SinkFunc(func(ctx context.Context, event *Event) { order = append(order, "first") }),
		SinkFunc(func(ctx context.Context, event *Event) { order = append(order, "second") }),
	)
	chain.Add(SinkFunc(func(ctx context.Context, event *Event) { order = append(order, "third") }))

	chain.Emit(ctx, newEvent(EventExecutionStarted, state))
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestNullSink(t *testing.T) {
	state := NewExecutionState("exec_1", "wf", "Workflow", "", nil)
	NewNullSink().Emit(context.Background(), newEvent(EventExecutionStarted, state))
}
