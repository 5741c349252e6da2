package conductor

import (
	"fmt"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// NewExecutionID returns a new prefixed unique id for an execution.
func NewExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutionStatus represents the lifecycle status of an execution.
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the status machine. Transitions are monotonic
// except running <-> paused.
var validTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusQueued:  {ExecutionStatusRunning, ExecutionStatusCancelled, ExecutionStatusFailed},
	ExecutionStatusRunning: {ExecutionStatusPaused, ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled},
	ExecutionStatusPaused:  {ExecutionStatusRunning, ExecutionStatusCancelled, ExecutionStatusFailed},
}

// StepRecord is an append-only history entry for one node execution.
// This struct is designed to be fully JSON serializable.
type StepRecord struct {
	ID          string    `json:"id"`
	NodeID      string    `json:"node_id"`
	Seq         int       `json:"seq"`
	Iteration   int       `json:"iteration"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Output      any       `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Completed reports whether the step finished successfully.
func (r *StepRecord) Completed() bool {
	return r.Status == string(NodeStatusCompleted)
}

// Copy returns a shallow copy of the step record.
func (r *StepRecord) Copy() *StepRecord {
	c := *r
	return &c
}

// ExecutionError records a surfaced failure in the execution state.
type ExecutionError struct {
	Kind      string    `json:"kind"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingCheckpoint describes the single human checkpoint an execution is
// paused on. A paused execution has exactly one of these; resolving it via
// resume clears it.
type PendingCheckpoint struct {
	ID        string         `json:"id"`
	NodeID    string         `json:"node_id"`
	Reason    string         `json:"reason,omitempty"`
	Message   string         `json:"message,omitempty"`
	Options   []string       `json:"options,omitempty"`
	Schema    map[string]any `json:"schema,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Copy returns a copy of the pending checkpoint.
func (p *PendingCheckpoint) Copy() *PendingCheckpoint {
	c := *p
	c.Options = append([]string(nil), p.Options...)
	c.Schema = copyMap(p.Schema)
	return &c
}

// ExecutionState consolidates the mutable state of one workflow execution.
// All data here is serializable for checkpointing. Mutations go through the
// StateManager so executors never touch the state directly.
type ExecutionState struct {
	executionID  string
	workflowID   string
	workflowName string
	ownerID      string
	status       ExecutionStatus
	currentNodes []string
	data         map[string]any
	history      []*StepRecord
	checkpoints  []string
	errors       []*ExecutionError
	pending      *PendingCheckpoint
	startTime    time.Time
	endTime      time.Time
	seqCounter   int
	mutex        sync.RWMutex
}

// NewExecutionState creates execution state seeded with the given input data.
func NewExecutionState(executionID, workflowID, workflowName, ownerID string, input map[string]any) *ExecutionState {
	return &ExecutionState{
		executionID:  executionID,
		workflowID:   workflowID,
		workflowName: workflowName,
		ownerID:      ownerID,
		status:       ExecutionStatusQueued,
		data:         copyMap(input),
	}
}

// ID returns the execution id
func (s *ExecutionState) ID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.executionID
}

// WorkflowID returns the id of the workflow definition being executed
func (s *ExecutionState) WorkflowID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.workflowID
}

// WorkflowName returns the display name of the workflow being executed
func (s *ExecutionState) WorkflowName() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.workflowName
}

// OwnerID returns the id of the user that started the execution
func (s *ExecutionState) OwnerID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.ownerID
}

// Status returns the current execution status
func (s *ExecutionState) Status() ExecutionStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.status
}

// Transition moves the execution to a new status, enforcing the status
// machine: transitions are monotonic except running <-> paused.
func (s *ExecutionState) Transition(to ExecutionStatus) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.status == to {
		return nil
	}
	for _, allowed := range validTransitions[s.status] {
		if allowed == to {
			s.status = to
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %s -> %s", s.status, to)
}

// CurrentNodes returns the active frontier node ids
func (s *ExecutionState) CurrentNodes() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]string(nil), s.currentNodes...)
}

// SetCurrentNodes replaces the active frontier
func (s *ExecutionState) SetCurrentNodes(nodes []string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.currentNodes = append([]string(nil), nodes...)
}

// RemoveCurrentNode removes a node from the active frontier
func (s *ExecutionState) RemoveCurrentNode(nodeID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	filtered := s.currentNodes[:0]
	for _, id := range s.currentNodes {
		if id != nodeID {
			filtered = append(filtered, id)
		}
	}
	s.currentNodes = filtered
}

// Data returns a shallow copy of the variable store
func (s *ExecutionState) Data() map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return copyMap(s.data)
}

// GetData returns a single variable value
func (s *ExecutionState) GetData(key string) (any, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	value, ok := s.data[key]
	return value, ok
}

// applyUpdates merges a node's state updates into the variable store. Used
// by the StateManager; last-writer-wins per key unless a deep merge is
// requested.
func (s *ExecutionState) applyUpdates(updates map[string]any, strategy MergeStrategy) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	merged, err := mergeStateUpdates(s.data, updates, strategy)
	if err != nil {
		return err
	}
	s.data = merged
	return nil
}

// History returns a copy of the append-only step history
func (s *ExecutionState) History() []*StepRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	records := make([]*StepRecord, 0, len(s.history))
	for _, r := range s.history {
		records = append(records, r.Copy())
	}
	return records
}

// appendStep appends a history record, assigning its sequence number.
func (s *ExecutionState) appendStep(record *StepRecord) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.seqCounter++
	record.Seq = s.seqCounter
	s.history = append(s.history, record)
}

// TotalSteps returns the total number of node executions recorded
func (s *ExecutionState) TotalSteps() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.history)
}

// CompletionCount returns how many times a node has completed
func (s *ExecutionState) CompletionCount(nodeID string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	count := 0
	for _, r := range s.history {
		if r.NodeID == nodeID && r.Completed() {
			count++
		}
	}
	return count
}

// ExecutionCount returns how many times a node has been attempted
func (s *ExecutionState) ExecutionCount(nodeID string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	count := 0
	for _, r := range s.history {
		if r.NodeID == nodeID {
			count++
		}
	}
	return count
}

// LastCompletion returns the most recent completed record for a node
func (s *ExecutionState) LastCompletion(nodeID string) (*StepRecord, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].NodeID == nodeID && s.history[i].Completed() {
			return s.history[i].Copy(), true
		}
	}
	return nil, false
}

// LastStep returns the most recent record for a node regardless of outcome
func (s *ExecutionState) LastStep(nodeID string) (*StepRecord, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].NodeID == nodeID {
			return s.history[i].Copy(), true
		}
	}
	return nil, false
}

// Errors returns the surfaced execution errors
func (s *ExecutionState) Errors() []*ExecutionError {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]*ExecutionError(nil), s.errors...)
}

// AppendError records a surfaced failure
func (s *ExecutionState) AppendError(kind, nodeID, message string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.errors = append(s.errors, &ExecutionError{
		Kind:      kind,
		NodeID:    nodeID,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// Pending returns the pending human checkpoint, if any
func (s *ExecutionState) Pending() *PendingCheckpoint {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.pending == nil {
		return nil
	}
	return s.pending.Copy()
}

// SetPending records the pending human checkpoint for a paused execution
func (s *ExecutionState) SetPending(p *PendingCheckpoint) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pending = p
}

// ClearPending removes the pending checkpoint after a successful resume
func (s *ExecutionState) ClearPending() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pending = nil
}

// CheckpointIDs returns the ids of checkpoints written for this execution
func (s *ExecutionState) CheckpointIDs() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]string(nil), s.checkpoints...)
}

func (s *ExecutionState) appendCheckpointID(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkpoints = append(s.checkpoints, id)
}

// StartTime returns the execution start time
func (s *ExecutionState) StartTime() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.startTime
}

// EndTime returns the execution end time
func (s *ExecutionState) EndTime() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.endTime
}

// SetTiming updates the execution timing
func (s *ExecutionState) SetTiming(startTime, endTime time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !startTime.IsZero() {
		s.startTime = startTime
	}
	if !endTime.IsZero() {
		s.endTime = endTime
	}
}

// ToCheckpoint converts the execution state to a checkpoint snapshot.
func (s *ExecutionState) ToCheckpoint() *Checkpoint {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	history := make([]*StepRecord, 0, len(s.history))
	for _, r := range s.history {
		history = append(history, r.Copy())
	}
	var pending *PendingCheckpoint
	if s.pending != nil {
		pending = s.pending.Copy()
	}
	return &Checkpoint{
		ID:           NewCheckpointID(),
		ExecutionID:  s.executionID,
		WorkflowID:   s.workflowID,
		WorkflowName: s.workflowName,
		OwnerID:      s.ownerID,
		Status:       string(s.status),
		Frontier:     append([]string(nil), s.currentNodes...),
		Data:         copyMap(s.data),
		History:      history,
		Errors:       append([]*ExecutionError(nil), s.errors...),
		Pending:      pending,
		SeqCounter:   s.seqCounter,
		StartTime:    s.startTime,
		EndTime:      s.endTime,
		CreatedAt:    time.Now(),
	}
}

// FromCheckpoint restores execution state wholesale from a checkpoint. It
// does not replay history incrementally.
func (s *ExecutionState) FromCheckpoint(checkpoint *Checkpoint) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.executionID = checkpoint.ExecutionID
	s.workflowID = checkpoint.WorkflowID
	s.workflowName = checkpoint.WorkflowName
	s.ownerID = checkpoint.OwnerID
	s.status = ExecutionStatus(checkpoint.Status)
	s.currentNodes = append([]string(nil), checkpoint.Frontier...)
	s.data = copyMap(checkpoint.Data)
	s.history = nil
	for _, r := range checkpoint.History {
		s.history = append(s.history, r.Copy())
	}
	s.errors = append([]*ExecutionError(nil), checkpoint.Errors...)
	s.pending = nil
	if checkpoint.Pending != nil {
		s.pending = checkpoint.Pending.Copy()
	}
	s.seqCounter = checkpoint.SeqCounter
	s.startTime = checkpoint.StartTime
	s.endTime = checkpoint.EndTime
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
