package conductor

import (
	"time"

	"go.jetify.com/typeid"
)

// NewCheckpointID returns a new prefixed unique id for a checkpoint.
func NewCheckpointID() string {
	id, err := typeid.WithPrefix("ckpt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Checkpoint is a durable snapshot of one execution's state, sufficient to
// resume it after a crash or restart. The latest checkpoint for an execution
// is authoritative for recovery.
type Checkpoint struct {
	ID           string             `json:"id"`
	ExecutionID  string             `json:"execution_id"`
	WorkflowID   string             `json:"workflow_id"`
	WorkflowName string             `json:"workflow_name"`
	OwnerID      string             `json:"owner_id,omitempty"`
	Status       string             `json:"status"`
	Frontier     []string           `json:"frontier"`
	Data         map[string]any     `json:"data"`
	History      []*StepRecord      `json:"history"`
	Errors       []*ExecutionError  `json:"errors,omitempty"`
	Pending      *PendingCheckpoint `json:"pending,omitempty"`
	SeqCounter   int                `json:"seq_counter"`
	StartTime    time.Time          `json:"start_time,omitzero"`
	EndTime      time.Time          `json:"end_time,omitzero"`
	CreatedAt    time.Time          `json:"created_at"`
}
