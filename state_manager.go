package conductor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// checkpointSaveAttempts bounds the retry loop for checkpoint writes. A
// failed write threatens recoverability, so it is retried with backoff and
// then escalated, never swallowed.
const checkpointSaveAttempts = 3

// NodeDelta describes the committed outcome of one node execution, produced
// by an executor and applied to state by the StateManager.
type NodeDelta struct {
	NodeID      string
	Iteration   int
	Result      *NodeResult
	StartedAt   time.Time
	CompletedAt time.Time
}

// StateManagerOptions configures a StateManager.
type StateManagerOptions struct {
	State        *ExecutionState
	Checkpointer Checkpointer
	Persistence  PersistenceLevel
	Logger       *slog.Logger
}

// StateManager exclusively owns the mutable state of one execution. All
// node results funnel through Apply, which is mutually exclusive per
// execution: this is the sole lock boundary for merging concurrent branch
// results.
type StateManager struct {
	state        *ExecutionState
	checkpointer Checkpointer
	persist      bool
	logger       *slog.Logger
	mutex        sync.Mutex
}

// NewStateManager creates a state manager bound to one execution's state.
func NewStateManager(opts StateManagerOptions) *StateManager {
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &StateManager{
		state:        opts.State,
		checkpointer: opts.Checkpointer,
		persist:      opts.Persistence != PersistenceNone,
		logger:       opts.Logger,
	}
}

// State returns the execution state this manager owns.
func (m *StateManager) State() *ExecutionState {
	return m.state
}

// Apply atomically merges a node delta into the execution state: it appends
// the history record, merges state updates into the variable store, removes
// the node from the active frontier, and records any pending human
// checkpoint.
func (m *StateManager) Apply(ctx context.Context, delta *NodeDelta) (*ExecutionState, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	result := delta.Result
	record := &StepRecord{
		ID:          uuid.NewString(),
		NodeID:      delta.NodeID,
		Iteration:   delta.Iteration,
		Status:      string(result.Status),
		StartedAt:   delta.StartedAt,
		CompletedAt: delta.CompletedAt,
		Output:      result.Output,
	}
	if result.Err != nil {
		record.Error = result.Err.Error()
	}
	m.state.appendStep(record)

	if len(result.StateUpdates) > 0 {
		if err := m.state.applyUpdates(result.StateUpdates, result.Merge); err != nil {
			return nil, err
		}
	}
	m.state.RemoveCurrentNode(delta.NodeID)
	if result.Pending != nil {
		m.state.SetPending(result.Pending)
	}

	m.logger.Debug("node delta applied",
		"node_id", delta.NodeID,
		"status", result.Status,
		"iteration", delta.Iteration)
	return m.state, nil
}

// Checkpoint serializes the current state and persists it. Persist failures
// are retried with backoff before escalating as a checkpoint_persist error.
// Returns the written checkpoint, or nil when persistence is disabled.
func (m *StateManager) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	if !m.persist {
		return nil, nil
	}
	checkpoint := m.state.ToCheckpoint()

	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < checkpointSaveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if lastErr = m.checkpointer.SaveCheckpoint(ctx, checkpoint); lastErr == nil {
			m.state.appendCheckpointID(checkpoint.ID)
			return checkpoint, nil
		}
		m.logger.Warn("checkpoint save failed",
			"checkpoint_id", checkpoint.ID,
			"attempt", attempt+1,
			"error", lastErr)
	}
	return nil, &Error{
		Kind:    ErrKindCheckpointPersist,
		Message: fmt.Sprintf("failed to save checkpoint after %d attempts: %v", checkpointSaveAttempts, lastErr),
		Wrapped: lastErr,
	}
}

// Recover replaces the in-memory state wholesale from the latest checkpoint
// for the given execution. It does not replay history incrementally.
func (m *StateManager) Recover(ctx context.Context, executionID string) (*ExecutionState, error) {
	checkpoint, err := m.checkpointer.LoadCheckpoint(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if checkpoint == nil {
		return nil, fmt.Errorf("no checkpoint found for execution %q", executionID)
	}
	m.state.FromCheckpoint(checkpoint)
	m.logger.Info("recovered execution from checkpoint",
		"checkpoint_id", checkpoint.ID,
		"status", checkpoint.Status,
		"history_len", len(checkpoint.History))
	return m.state, nil
}
