package conductor

import (
	"context"
	"sync"
)

// MemoryCheckpointer keeps checkpoints in memory. Useful for tests.
type MemoryCheckpointer struct {
	mutex  sync.RWMutex
	latest map[string]*Checkpoint
	counts map[string]int
}

// NewMemoryCheckpointer creates a new in-memory checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{
		latest: map[string]*Checkpoint{},
		counts: map[string]int{},
	}
}

func (c *MemoryCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.latest[checkpoint.ExecutionID] = checkpoint
	c.counts[checkpoint.ExecutionID]++
	return nil
}

func (c *MemoryCheckpointer) LoadCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.latest[executionID], nil
}

func (c *MemoryCheckpointer) DeleteCheckpoint(ctx context.Context, executionID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.latest, executionID)
	delete(c.counts, executionID)
	return nil
}

// SaveCount returns how many checkpoints were written for an execution.
func (c *MemoryCheckpointer) SaveCount(executionID string) int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.counts[executionID]
}
