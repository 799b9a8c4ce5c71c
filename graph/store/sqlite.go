package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/superstep-go/graph/codec"
	_ "modernc.org/sqlite"
)

// ErrStoreClosed is returned by database-backed stores after Close.
var ErrStoreClosed = errors.New("store is closed")

// SQLiteStore is a CheckpointStorage backed by a single-file SQLite
// database, using the pure-Go modernc.org/sqlite driver.
//
// Designed for:
//   - Development and tests with zero setup
//   - Single-process workflows that must survive restarts
//
// The schema is created on first use. The store runs in WAL mode with a
// single connection, which matches SQLite's one-writer model.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for
// a throwaway database.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./checkpoints.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			checkpoint_id TEXT NOT NULL UNIQUE,
			workflow_id TEXT NOT NULL,
			iteration_count INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create workflow_checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow_id ON workflow_checkpoints(workflow_id)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_workflow_id: %w", err)
	}
	return nil
}

// Path returns the database location the store was opened with.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveCheckpoint implements CheckpointStorage.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *WorkflowCheckpoint) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	query := `
		INSERT INTO workflow_checkpoints (checkpoint_id, workflow_id, iteration_count, timestamp, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(checkpoint_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			iteration_count = excluded.iteration_count,
			timestamp = excluded.timestamp,
			data = excluded.data
	`
	if _, err := s.db.ExecContext(ctx, query, cp.CheckpointID, cp.WorkflowID, cp.IterationCount, cp.Timestamp, string(data)); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return cp.CheckpointID, nil
}

// LoadCheckpoint implements CheckpointStorage.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, id string) (*WorkflowCheckpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM workflow_checkpoints WHERE checkpoint_id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return unmarshalCheckpoint([]byte(data))
}

// ListCheckpointIDs implements CheckpointStorage.
func (s *SQLiteStore) ListCheckpointIDs(ctx context.Context, workflowID string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT checkpoint_id FROM workflow_checkpoints WHERE (? = '' OR workflow_id = ?) ORDER BY id",
		workflowID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return scanIDs(rows)
}

// ListCheckpoints implements CheckpointStorage.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*WorkflowCheckpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM workflow_checkpoints WHERE (? = '' OR workflow_id = ?) ORDER BY id",
		workflowID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return scanCheckpoints(rows)
}

// DeleteCheckpoint implements CheckpointStorage.
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, id string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM workflow_checkpoints WHERE checkpoint_id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return n > 0, nil
}

// Close releases the database. Further calls return ErrStoreClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func unmarshalCheckpoint(data []byte) (*WorkflowCheckpoint, error) {
	var cp WorkflowCheckpoint
	if err := codec.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	cp.normalizeNumbers()
	return &cp, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanCheckpoints(rows *sql.Rows) ([]*WorkflowCheckpoint, error) {
	defer rows.Close()
	result := []*WorkflowCheckpoint{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp, err := unmarshalCheckpoint(data)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, rows.Err()
}
