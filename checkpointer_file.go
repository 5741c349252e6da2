package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileCheckpointer persists checkpoints to disk, one directory per execution.
// Writes go through a temp-file-then-rename discipline so a crash never
// yields a half-written checkpoint.
type FileCheckpointer struct {
	dataDir string

	// keepCheckpoints bounds how many superseded checkpoints are retained
	// per execution. The latest is always kept.
	keepCheckpoints int
}

// FileCheckpointerOptions configures a FileCheckpointer.
type FileCheckpointerOptions struct {
	DataDir         string
	KeepCheckpoints int
}

// NewFileCheckpointer creates a new file-based checkpointer.
func NewFileCheckpointer(opts FileCheckpointerOptions) (*FileCheckpointer, error) {
	dataDir := opts.DataDir
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".conductor", "executions")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	keep := opts.KeepCheckpoints
	if keep <= 0 {
		keep = 5
	}
	return &FileCheckpointer{dataDir: dataDir, keepCheckpoints: keep}, nil
}

func (c *FileCheckpointer) executionDir(executionID string) string {
	return filepath.Join(c.dataDir, executionID)
}

func (c *FileCheckpointer) latestPath(executionID string) string {
	return filepath.Join(c.executionDir(executionID), "latest.json")
}

// SaveCheckpoint writes the checkpoint atomically and updates the latest
// pointer, then prunes superseded checkpoints.
func (c *FileCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	executionDir := c.executionDir(checkpoint.ExecutionID)
	if err := os.MkdirAll(executionDir, 0755); err != nil {
		return fmt.Errorf("failed to create execution directory: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	checkpointPath := filepath.Join(executionDir, fmt.Sprintf("checkpoint-%s.json", checkpoint.ID))
	if err := writeFileAtomic(checkpointPath, data); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	// The latest pointer is itself written atomically, so a reader either
	// sees the previous checkpoint or this one, never a partial write.
	if err := writeFileAtomic(c.latestPath(checkpoint.ExecutionID), data); err != nil {
		return fmt.Errorf("failed to update latest checkpoint: %w", err)
	}

	if err := c.prune(executionDir); err != nil {
		return fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for an execution.
func (c *FileCheckpointer) LoadCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error) {
	data, err := os.ReadFile(c.latestPath(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No checkpoint found
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// DeleteCheckpoint removes all checkpoint data for an execution.
func (c *FileCheckpointer) DeleteCheckpoint(ctx context.Context, executionID string) error {
	if err := os.RemoveAll(c.executionDir(executionID)); err != nil {
		return fmt.Errorf("failed to delete execution directory: %w", err)
	}
	return nil
}

// ListExecutions returns summaries for all executions with checkpoint data,
// newest first.
func (c *FileCheckpointer) ListExecutions(ctx context.Context) ([]*ExecutionSummary, error) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*ExecutionSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read executions directory: %w", err)
	}

	var summaries []*ExecutionSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		checkpoint, err := c.LoadCheckpoint(ctx, entry.Name())
		if err != nil || checkpoint == nil {
			// Skip executions we can't read
			continue
		}
		summaries = append(summaries, summarize(checkpoint))
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}

func summarize(checkpoint *Checkpoint) *ExecutionSummary {
	summary := &ExecutionSummary{
		ExecutionID:  checkpoint.ExecutionID,
		WorkflowID:   checkpoint.WorkflowID,
		WorkflowName: checkpoint.WorkflowName,
		OwnerID:      checkpoint.OwnerID,
		Status:       checkpoint.Status,
		StartTime:    checkpoint.StartTime,
		EndTime:      checkpoint.EndTime,
		CurrentNodes: checkpoint.Frontier,
	}
	if !checkpoint.EndTime.IsZero() {
		summary.Duration = checkpoint.EndTime.Sub(checkpoint.StartTime)
	} else {
		summary.Duration = checkpoint.CreatedAt.Sub(checkpoint.StartTime)
	}
	if len(checkpoint.Errors) > 0 {
		summary.Error = checkpoint.Errors[len(checkpoint.Errors)-1].Message
	}
	return summary
}

// prune removes superseded checkpoint files beyond the retention bound.
func (c *FileCheckpointer) prune(executionDir string) error {
	entries, err := os.ReadDir(executionDir)
	if err != nil {
		return err
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "checkpoint-") && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	if len(names) <= c.keepCheckpoints {
		return nil
	}
	// Checkpoint ids are typeids with a sortable timestamp prefix, so
	// lexical order is creation order.
	sort.Strings(names)
	for _, name := range names[:len(names)-c.keepCheckpoints] {
		if err := os.Remove(filepath.Join(executionDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
