package conductor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// RegistryEntry is the cross-execution summary kept by the registry. It
// never carries execution data or history; those live only in the
// per-execution checkpoint.
type RegistryEntry struct {
	ExecutionID  string          `json:"execution_id"`
	OwnerID      string          `json:"owner_id,omitempty"`
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"started_at,omitzero"`
	CompletedAt  time.Time       `json:"completed_at,omitzero"`
	CurrentNodes []string        `json:"current_nodes,omitempty"`
}

// Copy returns a copy of the registry entry.
func (e *RegistryEntry) Copy() *RegistryEntry {
	c := *e
	c.CurrentNodes = append([]string(nil), e.CurrentNodes...)
	return &c
}

// ListFilter selects registry entries. Zero fields match everything.
type ListFilter struct {
	OwnerID string
	Status  ExecutionStatus

	// Search is a free-text match over execution id and workflow name.
	Search string

	Limit  int
	Offset int
}

// RegistryOptions configures an ExecutionRegistry.
type RegistryOptions struct {
	Store  RegistryStore
	Logger *slog.Logger
}

// ExecutionRegistry is the cross-execution index used for listing,
// searching, and out-of-band cancellation. It is an explicitly constructed,
// injected instance: create one at process start and Close it on shutdown.
// The in-memory index is mirrored to the store on every status change, not
// on every state delta.
type ExecutionRegistry struct {
	store   RegistryStore
	logger  *slog.Logger
	mutex   sync.RWMutex
	entries map[string]*RegistryEntry
}

// NewExecutionRegistry creates a registry and loads existing entries from
// the store.
func NewExecutionRegistry(ctx context.Context, opts RegistryOptions) (*ExecutionRegistry, error) {
	if opts.Store == nil {
		opts.Store = NewMemoryRegistryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	entries, err := opts.Store.LoadEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry entries: %w", err)
	}
	index := make(map[string]*RegistryEntry, len(entries))
	for _, entry := range entries {
		index[entry.ExecutionID] = entry
	}
	return &ExecutionRegistry{
		store:   opts.Store,
		logger:  opts.Logger,
		entries: index,
	}, nil
}

// Register adds an entry for a newly started execution.
func (r *ExecutionRegistry) Register(ctx context.Context, entry *RegistryEntry) error {
	if entry.ExecutionID == "" {
		return fmt.Errorf("registry entry requires an execution id")
	}
	r.mutex.Lock()
	r.entries[entry.ExecutionID] = entry.Copy()
	r.mutex.Unlock()
	return r.store.SaveEntry(ctx, entry)
}

// UpdateStatus records a status change for an execution and mirrors it to
// the store.
func (r *ExecutionRegistry) UpdateStatus(ctx context.Context, executionID string, status ExecutionStatus, currentNodes []string) error {
	r.mutex.Lock()
	entry, ok := r.entries[executionID]
	if !ok {
		r.mutex.Unlock()
		return fmt.Errorf("execution %q not found in registry", executionID)
	}
	entry.Status = status
	entry.CurrentNodes = append([]string(nil), currentNodes...)
	if status.Terminal() {
		entry.CompletedAt = time.Now()
	}
	snapshot := entry.Copy()
	r.mutex.Unlock()
	return r.store.SaveEntry(ctx, snapshot)
}

// TouchFrontier updates the in-memory current node summary without writing
// to the store. Frontier churn between status changes stays in memory only,
// keeping store write volume proportional to status changes.
func (r *ExecutionRegistry) TouchFrontier(executionID string, currentNodes []string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if entry, ok := r.entries[executionID]; ok {
		entry.CurrentNodes = append([]string(nil), currentNodes...)
	}
}

// Get returns the entry for an execution.
func (r *ExecutionRegistry) Get(executionID string) (*RegistryEntry, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	entry, ok := r.entries[executionID]
	if !ok {
		return nil, false
	}
	return entry.Copy(), true
}

// List returns entries matching the filter, newest first.
func (r *ExecutionRegistry) List(filter ListFilter) []*RegistryEntry {
	r.mutex.RLock()
	var matched []*RegistryEntry
	for _, entry := range r.entries {
		if filter.OwnerID != "" && entry.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if filter.Search != "" {
			needle := strings.ToLower(filter.Search)
			if !strings.Contains(strings.ToLower(entry.ExecutionID), needle) &&
				!strings.Contains(strings.ToLower(entry.WorkflowName), needle) {
				continue
			}
		}
		matched = append(matched, entry.Copy())
	}
	r.mutex.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

// Remove deletes an entry from the index and the store.
func (r *ExecutionRegistry) Remove(ctx context.Context, executionID string) error {
	r.mutex.Lock()
	delete(r.entries, executionID)
	r.mutex.Unlock()
	return r.store.DeleteEntry(ctx, executionID)
}

// Close flushes all entries to the store. Call on process shutdown.
func (r *ExecutionRegistry) Close(ctx context.Context) error {
	r.mutex.RLock()
	entries := make([]*RegistryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry.Copy())
	}
	r.mutex.RUnlock()

	for _, entry := range entries {
		if err := r.store.SaveEntry(ctx, entry); err != nil {
			return fmt.Errorf("failed to flush registry entry %s: %w", entry.ExecutionID, err)
		}
	}
	return nil
}
