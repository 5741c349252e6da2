package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleEntry(executionID, ownerID string, status ExecutionStatus, startedAt time.Time) *RegistryEntry {
	return &RegistryEntry{
		ExecutionID:  executionID,
		OwnerID:      ownerID,
		WorkflowID:   "pipeline",
		WorkflowName: "Research Pipeline",
		Status:       status,
		StartedAt:    startedAt,
	}
}

func TestExecutionRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("register and get", func(t *testing.T) {
		registry, err := NewExecutionRegistry(ctx, RegistryOptions{})
		require.NoError(t, err)

		entry := sampleEntry("exec_1", "alice", ExecutionStatusRunning, time.Now())
		require.NoError(t, registry.Register(ctx, entry))

		got, ok := registry.Get("exec_1")
		require.True(t, ok)
		require.Equal(t, "alice", got.OwnerID)

		// Get returns a copy, not the live entry.
		got.Status = ExecutionStatusFailed
		again, _ := registry.Get("exec_1")
		require.Equal(t, ExecutionStatusRunning, again.Status)

		_, ok = registry.Get("exec_missing")
		require.False(t, ok)
	})

	t.Run("register requires an execution id", func(t *testing.T) {
		registry, err := NewExecutionRegistry(ctx, RegistryOptions{})
		require.NoError(t, err)
		require.Error(t, registry.Register(ctx, &RegistryEntry{}))
	})

	t.Run("update status mirrors to store", func(t *testing.T) {
		store := NewMemoryRegistryStore()
		registry, err := NewExecutionRegistry(ctx, RegistryOptions{Store: store})
		require.NoError(t, err)
		require.NoError(t, registry.Register(ctx, sampleEntry("exec_1", "", ExecutionStatusRunning, time.Now())))

		require.NoError(t, registry.UpdateStatus(ctx, "exec_1", ExecutionStatusCompleted, nil))
		entry, _ := registry.Get("exec_1")
		require.Equal(t, ExecutionStatusCompleted, entry.Status)
		require.False(t, entry.CompletedAt.IsZero())

		stored, err := store.LoadEntries(ctx)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		require.Equal(t, ExecutionStatusCompleted, stored[0].Status)

		require.Error(t, registry.UpdateStatus(ctx, "exec_missing", ExecutionStatusCompleted, nil))
	})

	t.Run("touch frontier is memory only", func(t *testing.T) {
		store := NewMemoryRegistryStore()
		registry, err := NewExecutionRegistry(ctx, RegistryOptions{Store: store})
		require.NoError(t, err)
		require.NoError(t, registry.Register(ctx, sampleEntry("exec_1", "", ExecutionStatusRunning, time.Now())))

		registry.TouchFrontier("exec_1", []string{"work", "check"})
		entry, _ := registry.Get("exec_1")
		require.Equal(t, []string{"work", "check"}, entry.CurrentNodes)

		stored, err := store.LoadEntries(ctx)
		require.NoError(t, err)
		require.Empty(t, stored[0].CurrentNodes)
	})

	t.Run("remove", func(t *testing.T) {
		store := NewMemoryRegistryStore()
		registry, err := NewExecutionRegistry(ctx, RegistryOptions{Store: store})
		require.NoError(t, err)
		require.NoError(t, registry.Register(ctx, sampleEntry("exec_1", "", ExecutionStatusRunning, time.Now())))

		require.NoError(t, registry.Remove(ctx, "exec_1"))
		_, ok := registry.Get("exec_1")
		require.False(t, ok)
		stored, err := store.LoadEntries(ctx)
		require.NoError(t, err)
		require.Empty(t, stored)
	})

	t.Run("loads existing entries from store", func(t *testing.T) {
		store := NewMemoryRegistryStore()
		require.NoError(t, store.SaveEntry(ctx, sampleEntry("exec_old", "bob", ExecutionStatusCompleted, time.Now())))

		registry, err := NewExecutionRegistry(ctx, RegistryOptions{Store: store})
		require.NoError(t, err)
		entry, ok := registry.Get("exec_old")
		require.True(t, ok)
		require.Equal(t, "bob", entry.OwnerID)
	})
}

func TestRegistryList(t *testing.T) {
	ctx := context.Background()
	registry, err := NewExecutionRegistry(ctx, RegistryOptions{})
	require.NoError(t, err)

	base := time.Now()
	require.NoError(t, registry.Register(ctx, sampleEntry("exec_a", "alice", ExecutionStatusRunning, base)))
	require.NoError(t, registry.Register(ctx, sampleEntry("exec_b", "alice", ExecutionStatusCompleted, base.Add(time.Second))))
	require.NoError(t, registry.Register(ctx, sampleEntry("exec_c", "bob", ExecutionStatusRunning, base.Add(2*time.Second))))

	t.Run("newest first", func(t *testing.T) {
		entries := registry.List(ListFilter{})
		require.Len(t, entries, 3)
		require.Equal(t, "exec_c", entries[0].ExecutionID)
		require.Equal(t, "exec_a", entries[2].ExecutionID)
	})

	t.Run("filter by owner", func(t *testing.T) {
		entries := registry.List(ListFilter{OwnerID: "alice"})
		require.Len(t, entries, 2)
		for _, entry := range entries {
			require.Equal(t, "alice", entry.OwnerID)
		}
	})

	t.Run("filter by status", func(t *testing.T) {
		entries := registry.List(ListFilter{Status: ExecutionStatusCompleted})
		require.Len(t, entries, 1)
		require.Equal(t, "exec_b", entries[0].ExecutionID)
	})

	t.Run("search matches execution id and workflow name", func(t *testing.T) {
		entries := registry.List(ListFilter{Search: "exec_b"})
		require.Len(t, entries, 1)

		entries = registry.List(ListFilter{Search: "research"})
		require.Len(t, entries, 3)

		entries = registry.List(ListFilter{Search: "nope"})
		require.Empty(t, entries)
	})

	t.Run("pagination", func(t *testing.T) {
		entries := registry.List(ListFilter{Limit: 2})
		require.Len(t, entries, 2)
		require.Equal(t, "exec_c", entries[0].ExecutionID)

		entries = registry.List(ListFilter{Offset: 2})
		require.Len(t, entries, 1)
		require.Equal(t, "exec_a", entries[0].ExecutionID)

		entries = registry.List(ListFilter{Offset: 10})
		require.Empty(t, entries)
	})
}

func TestRegistryClose(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRegistryStore()
	registry, err := NewExecutionRegistry(ctx, RegistryOptions{Store: store})
	require.NoError(t, err)

	require.NoError(t, registry.Register(ctx, sampleEntry("exec_1", "", ExecutionStatusRunning, time.Now())))
	registry.TouchFrontier("exec_1", []string{"work"})

	// Close flushes in-memory frontier updates the store has not seen.
	require.NoError(t, registry.Close(ctx))
	stored, err := store.LoadEntries(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, []string{"work"}, stored[0].CurrentNodes)
}

func TestFileRegistryStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileRegistryStore(t.TempDir())
	require.NoError(t, err)

	entry := sampleEntry("exec_1", "alice", ExecutionStatusRunning, time.Now().UTC())
	require.NoError(t, store.SaveEntry(ctx, entry))

	entries, err := store.LoadEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "exec_1", entries[0].ExecutionID)
	require.Equal(t, ExecutionStatusRunning, entries[0].Status)

	// Overwrites replace in place.
	entry.Status = ExecutionStatusCompleted
	require.NoError(t, store.SaveEntry(ctx, entry))
	entries, err = store.LoadEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ExecutionStatusCompleted, entries[0].Status)

	require.NoError(t, store.DeleteEntry(ctx, "exec_1"))
	require.NoError(t, store.DeleteEntry(ctx, "exec_1"))
	entries, err = store.LoadEntries(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}
