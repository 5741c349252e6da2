package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RegistryStore persists registry entries durably, independent of the
// per-execution checkpoint store so that registry queries never require
// loading full execution state.
type RegistryStore interface {
	SaveEntry(ctx context.Context, entry *RegistryEntry) error
	DeleteEntry(ctx context.Context, executionID string) error
	LoadEntries(ctx context.Context) ([]*RegistryEntry, error)
}

// MemoryRegistryStore keeps entries in memory. Useful for tests and for
// embedders that do not need registry durability.
type MemoryRegistryStore struct {
	mutex   sync.RWMutex
	entries map[string]*RegistryEntry
}

func NewMemoryRegistryStore() *MemoryRegistryStore {
	return &MemoryRegistryStore{entries: map[string]*RegistryEntry{}}
}

func (s *MemoryRegistryStore) SaveEntry(ctx context.Context, entry *RegistryEntry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries[entry.ExecutionID] = entry.Copy()
	return nil
}

func (s *MemoryRegistryStore) DeleteEntry(ctx context.Context, executionID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.entries, executionID)
	return nil
}

func (s *MemoryRegistryStore) LoadEntries(ctx context.Context) ([]*RegistryEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	entries := make([]*RegistryEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry.Copy())
	}
	return entries, nil
}

// FileRegistryStore persists entries as one JSON file per execution under a
// directory, written atomically.
type FileRegistryStore struct {
	directory string
}

func NewFileRegistryStore(directory string) (*FileRegistryStore, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory %s: %w", directory, err)
	}
	return &FileRegistryStore{directory: directory}, nil
}

func (s *FileRegistryStore) entryPath(executionID string) string {
	return filepath.Join(s.directory, executionID+".json")
}

func (s *FileRegistryStore) SaveEntry(ctx context.Context, entry *RegistryEntry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry entry: %w", err)
	}
	if err := writeFileAtomic(s.entryPath(entry.ExecutionID), data); err != nil {
		return fmt.Errorf("failed to write registry entry: %w", err)
	}
	return nil
}

func (s *FileRegistryStore) DeleteEntry(ctx context.Context, executionID string) error {
	err := os.Remove(s.entryPath(executionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete registry entry: %w", err)
	}
	return nil
}

func (s *FileRegistryStore) LoadEntries(ctx context.Context) ([]*RegistryEntry, error) {
	files, err := os.ReadDir(s.directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read registry directory: %w", err)
	}
	var entries []*RegistryEntry
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.directory, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read registry entry %s: %w", file.Name(), err)
		}
		var entry RegistryEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			// Skip unreadable entries rather than failing the whole load
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}
