// Package postgres provides a PostgreSQL-backed registry store for
// deployments where the execution index must survive process restarts and
// be shared across processes.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/conductor"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	execution_id  TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL DEFAULT '',
	workflow_id   TEXT NOT NULL,
	workflow_name TEXT NOT NULL,
	status        TEXT NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	current_nodes TEXT[]
);
CREATE INDEX IF NOT EXISTS workflow_executions_owner_idx
	ON workflow_executions (owner_id);
CREATE INDEX IF NOT EXISTS workflow_executions_status_idx
	ON workflow_executions (status);
`

// RegistryStore persists registry entries in a PostgreSQL table. Writes are
// upserts keyed by execution id, so repeated status updates stay idempotent.
type RegistryStore struct {
	db *sql.DB
}

// NewRegistryStore opens a connection pool against the given DSN and
// ensures the schema exists.
func NewRegistryStore(ctx context.Context, dsn string) (*RegistryStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	store := &RegistryStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewRegistryStoreWithDB wraps an existing connection pool. The caller
// retains ownership of the pool.
func NewRegistryStoreWithDB(ctx context.Context, db *sql.DB) (*RegistryStore, error) {
	store := &RegistryStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *RegistryStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create registry schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RegistryStore) Close() error {
	return s.db.Close()
}

func (s *RegistryStore) SaveEntry(ctx context.Context, entry *conductor.RegistryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions
			(execution_id, owner_id, workflow_id, workflow_name, status,
			 started_at, completed_at, current_nodes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (execution_id) DO UPDATE SET
			status        = EXCLUDED.status,
			completed_at  = EXCLUDED.completed_at,
			current_nodes = EXCLUDED.current_nodes`,
		entry.ExecutionID,
		entry.OwnerID,
		entry.WorkflowID,
		entry.WorkflowName,
		string(entry.Status),
		nullableTime(entry.StartedAt),
		nullableTime(entry.CompletedAt),
		pq.Array(entry.CurrentNodes),
	)
	if err != nil {
		return fmt.Errorf("failed to save registry entry: %w", err)
	}
	return nil
}

func (s *RegistryStore) DeleteEntry(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_executions WHERE execution_id = $1`, executionID)
	if err != nil {
		return fmt.Errorf("failed to delete registry entry: %w", err)
	}
	return nil
}

func (s *RegistryStore) LoadEntries(ctx context.Context) ([]*conductor.RegistryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, owner_id, workflow_id, workflow_name, status,
		       started_at, completed_at, current_nodes
		FROM workflow_executions
		ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry entries: %w", err)
	}
	defer rows.Close()

	var entries []*conductor.RegistryEntry
	for rows.Next() {
		var entry conductor.RegistryEntry
		var status string
		var startedAt, completedAt sql.NullTime
		var currentNodes pq.StringArray
		if err := rows.Scan(
			&entry.ExecutionID,
			&entry.OwnerID,
			&entry.WorkflowID,
			&entry.WorkflowName,
			&status,
			&startedAt,
			&completedAt,
			&currentNodes,
		); err != nil {
			return nil, fmt.Errorf("failed to scan registry entry: %w", err)
		}
		entry.Status = conductor.ExecutionStatus(status)
		if startedAt.Valid {
			entry.StartedAt = startedAt.Time
		}
		if completedAt.Valid {
			entry.CompletedAt = completedAt.Time
		}
		entry.CurrentNodes = []string(currentNodes)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
