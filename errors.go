package conductor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kind constants used for classification and policy matching.
const (
	// ErrKindValidation indicates a workflow definition failed validation
	// (dangling edge, unknown node type, rejected cycle).
	ErrKindValidation = "validation"

	// ErrKindCycleIterationExceeded indicates a cyclic node ran past its
	// iteration ceiling.
	ErrKindCycleIterationExceeded = "cycle_iteration_exceeded"

	// ErrKindNodeTimeout indicates a node exceeded its configured timeout.
	ErrKindNodeTimeout = "node_timeout"

	// ErrKindNodeExecution wraps an executor-specific failure. Unknown
	// errors default to this kind so the retry policy can apply to them.
	ErrKindNodeExecution = "node_execution"

	// ErrKindMaxNodesExceeded indicates the execution hit the total node
	// execution ceiling.
	ErrKindMaxNodesExceeded = "max_nodes_exceeded"

	// ErrKindMaxExecutionTimeExceeded indicates the execution ran past its
	// wall-clock ceiling.
	ErrKindMaxExecutionTimeExceeded = "max_execution_time_exceeded"

	// ErrKindCheckpointPersist indicates a checkpoint write failed. These
	// are retried with backoff before the execution is failed; they are
	// never silently swallowed.
	ErrKindCheckpointPersist = "checkpoint_persist"

	// ErrKindCancelled indicates the execution was cancelled by request.
	// Cancellation is never reported as a failure.
	ErrKindCancelled = "cancelled"

	// ErrKindFatal indicates an error that must not be retried regardless
	// of the configured error policy.
	ErrKindFatal = "fatal"

	// ErrKindAll acts as a wildcard that matches any kind except fatal.
	ErrKindAll = "all"
)

// Error is a structured workflow error with a classification kind and the
// node it originated from, if any. It supports Go's error wrapping patterns.
type Error struct {
	Kind    string `json:"kind"`
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %q: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// NewError creates a new Error with the specified kind and message.
func NewError(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewNodeError creates a new Error attributed to a specific node.
func NewNodeError(kind, nodeID, message string) *Error {
	return &Error{Kind: kind, NodeID: nodeID, Message: message}
}

// WrapNodeError wraps an arbitrary error as a node execution failure,
// preserving an existing classification if one is present.
func WrapNodeError(nodeID string, err error) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		if werr.NodeID == "" {
			werr.NodeID = nodeID
		}
		return werr
	}
	return &Error{
		Kind:    classifyKind(err),
		NodeID:  nodeID,
		Message: err.Error(),
		Wrapped: err,
	}
}

// Classify converts an arbitrary error into a structured Error.
func Classify(err error) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	return &Error{
		Kind:    classifyKind(err),
		Message: err.Error(),
		Wrapped: err,
	}
}

func classifyKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindNodeTimeout
	case errors.Is(err, context.Canceled):
		return ErrKindCancelled
	case strings.Contains(strings.ToLower(err.Error()), "timeout"):
		return ErrKindNodeTimeout
	}
	return ErrKindNodeExecution
}

// MatchesKind checks whether an error matches an error kind pattern. Fatal
// errors match only the fatal pattern so they are never retried by a
// wildcard policy.
func MatchesKind(err error, kind string) bool {
	werr := Classify(err)
	if werr.Kind == ErrKindFatal {
		return kind == ErrKindFatal
	}
	if kind == ErrKindAll {
		return true
	}
	return werr.Kind == kind
}

// IsTerminalKind reports whether an error kind always ends the execution,
// bypassing retry and recovery policies.
func IsTerminalKind(kind string) bool {
	switch kind {
	case ErrKindValidation,
		ErrKindCycleIterationExceeded,
		ErrKindMaxNodesExceeded,
		ErrKindMaxExecutionTimeExceeded,
		ErrKindCancelled,
		ErrKindFatal:
		return true
	}
	return false
}
