package conductor

import (
	"context"
	"time"
)

// Checkpointer persists execution checkpoints durably.
type Checkpointer interface {
	// SaveCheckpoint writes a checkpoint. Implementations must write
	// atomically: a reader never observes a partial checkpoint.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads the latest checkpoint for an execution. A nil
	// checkpoint with a nil error means no checkpoint exists.
	LoadCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error)

	// DeleteCheckpoint removes all checkpoint data for an execution
	DeleteCheckpoint(ctx context.Context, executionID string) error
}

// ExecutionSummary provides a summary view of an execution derived from its
// latest checkpoint.
type ExecutionSummary struct {
	ExecutionID  string        `json:"execution_id"`
	WorkflowID   string        `json:"workflow_id"`
	WorkflowName string        `json:"workflow_name"`
	OwnerID      string        `json:"owner_id,omitempty"`
	Status       string        `json:"status"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time,omitempty"`
	Duration     time.Duration `json:"duration"`
	CurrentNodes []string      `json:"current_nodes,omitempty"`
	Error        string        `json:"error,omitempty"`
}
