package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a CheckpointStorage backed by MySQL or MariaDB.
//
// Designed for:
//   - Long-running workflows paused for human input across deployments
//   - Several processes sharing one checkpoint history
//
// MySQLStore uses connection pooling; the schema is created on first use.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects using a go-sql-driver DSN:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Never hardcode credentials; read the DSN from the environment:
//
//	st, err := store.NewMySQLStore(os.Getenv("SUPERSTEP_MYSQL_DSN"))
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			checkpoint_id VARCHAR(64) NOT NULL,
			workflow_id VARCHAR(255) NOT NULL,
			iteration_count INT NOT NULL,
			timestamp VARCHAR(64) NOT NULL,
			data JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE KEY unique_checkpoint_id (checkpoint_id),
			INDEX idx_workflow_id (workflow_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create workflow_checkpoints table: %w", err)
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveCheckpoint implements CheckpointStorage.
func (m *MySQLStore) SaveCheckpoint(ctx context.Context, cp *WorkflowCheckpoint) (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	query := `
		INSERT INTO workflow_checkpoints (checkpoint_id, workflow_id, iteration_count, timestamp, data)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			workflow_id = VALUES(workflow_id),
			iteration_count = VALUES(iteration_count),
			timestamp = VALUES(timestamp),
			data = VALUES(data)
	`
	if _, err := m.db.ExecContext(ctx, query, cp.CheckpointID, cp.WorkflowID, cp.IterationCount, cp.Timestamp, data); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return cp.CheckpointID, nil
}

// LoadCheckpoint implements CheckpointStorage.
func (m *MySQLStore) LoadCheckpoint(ctx context.Context, id string) (*WorkflowCheckpoint, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var data []byte
	err := m.db.QueryRowContext(ctx, "SELECT data FROM workflow_checkpoints WHERE checkpoint_id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return unmarshalCheckpoint(data)
}

// ListCheckpointIDs implements CheckpointStorage.
func (m *MySQLStore) ListCheckpointIDs(ctx context.Context, workflowID string) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		"SELECT checkpoint_id FROM workflow_checkpoints WHERE (? = '' OR workflow_id = ?) ORDER BY id",
		workflowID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return scanIDs(rows)
}

// ListCheckpoints implements CheckpointStorage.
func (m *MySQLStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*WorkflowCheckpoint, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		"SELECT data FROM workflow_checkpoints WHERE (? = '' OR workflow_id = ?) ORDER BY id",
		workflowID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return scanCheckpoints(rows)
}

// DeleteCheckpoint implements CheckpointStorage.
func (m *MySQLStore) DeleteCheckpoint(ctx context.Context, id string) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	res, err := m.db.ExecContext(ctx, "DELETE FROM workflow_checkpoints WHERE checkpoint_id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return n > 0, nil
}

// Close releases the connection pool.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
