package conductor

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is the persistence surface used by memory nodes. Scoping is
// per execution by default; a shared scope key can be configured on the node.
type MemoryStore interface {

	// Get returns the value stored under key in the given scope.
	Get(ctx context.Context, scope, key string) (any, bool, error)

	// Put stores a value under key in the given scope.
	Put(ctx context.Context, scope, key string, value any) error

	// Append appends a value to the list stored under key.
	Append(ctx context.Context, scope, key string, value any) error

	// Search returns keys in the scope whose string values contain query.
	Search(ctx context.Context, scope, query string, limit int) ([]string, error)

	// Clear removes all values in the scope.
	Clear(ctx context.Context, scope string) error
}

// InMemoryStore is a process-local MemoryStore protected by an RWMutex.
// Search is a linear substring scan, suitable for tests and single-process
// embedding.
type InMemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]map[string]any
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{scopes: map[string]map[string]any{}}
}

func (s *InMemoryStore) Get(ctx context.Context, scope, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.scopes[scope]
	if !ok {
		return nil, false, nil
	}
	value, ok := values[key]
	return value, ok, nil
}

func (s *InMemoryStore) Put(ctx context.Context, scope, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scopes[scope]; !ok {
		s.scopes[scope] = map[string]any{}
	}
	s.scopes[scope][key] = value
	return nil
}

func (s *InMemoryStore) Append(ctx context.Context, scope, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scopes[scope]; !ok {
		s.scopes[scope] = map[string]any{}
	}
	existing, _ := s.scopes[scope][key].([]any)
	s.scopes[scope][key] = append(existing, value)
	return nil
}

func (s *InMemoryStore) Search(ctx context.Context, scope, query string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.scopes[scope]
	if !ok {
		return nil, nil
	}
	var keys []string
	for key, value := range values {
		if limit > 0 && len(keys) >= limit {
			break
		}
		text, ok := value.(string)
		if query == "" || (ok && strings.Contains(text, query)) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *InMemoryStore) Clear(ctx context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, scope)
	return nil
}
