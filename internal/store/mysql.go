package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

// MySQLStore is a secondary Checkpoint Store backend for operators without
// a Postgres deployment. It answers the same "two concurrent saves must
// serialize, the loser retries with a fresh version" requirement as
// PostgresStore, using a row lock on the thread's checkpoint rows instead
// of serializable isolation.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection pool against dsn and ensures the
// checkpoints table exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id  VARCHAR(255) NOT NULL,
			version    INT NOT NULL,
			snapshot   JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, version)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error { return s.db.Close() }

// Save implements Store. FOR UPDATE locks every existing row for threadID
// for the duration of the transaction, so a concurrent Save blocks until
// the first commits or rolls back, then observes the updated max(version)
// and correctly reports a conflict rather than racing past it.
func (s *MySQLStore) Save(ctx context.Context, threadID string, state orchestrator.WorkflowState, expectedVersion int) (int, error) {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM checkpoints WHERE thread_id = ? FOR UPDATE`, threadID).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("read current version: %w", err)
	}
	if int(current.Int64) != expectedVersion {
		return 0, orchestrator.ErrPersistenceConflict
	}

	next := expectedVersion + 1
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, version, snapshot) VALUES (?, ?, ?)`,
		threadID, next, snapshot); err != nil {
		return 0, fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// LoadLatest implements Store.
func (s *MySQLStore) LoadLatest(ctx context.Context, threadID string) (orchestrator.WorkflowState, int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, snapshot FROM checkpoints WHERE thread_id = ? ORDER BY version DESC LIMIT 1`, threadID)

	var version int
	var snapshot []byte
	if err := row.Scan(&version, &snapshot); err != nil {
		if err == sql.ErrNoRows {
			return orchestrator.WorkflowState{}, 0, orchestrator.ErrNotFound
		}
		return orchestrator.WorkflowState{}, 0, err
	}

	var state orchestrator.WorkflowState
	if err := json.Unmarshal(snapshot, &state); err != nil {
		return orchestrator.WorkflowState{}, 0, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return state, version, nil
}

// ListVersions implements Store.
func (s *MySQLStore) ListVersions(ctx context.Context, threadID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM checkpoints WHERE thread_id = ? ORDER BY version ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// LoadAt implements Store.
func (s *MySQLStore) LoadAt(ctx context.Context, threadID string, version int) (orchestrator.WorkflowState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM checkpoints WHERE thread_id = ? AND version = ?`, threadID, version)

	var snapshot []byte
	if err := row.Scan(&snapshot); err != nil {
		if err == sql.ErrNoRows {
			return orchestrator.WorkflowState{}, orchestrator.ErrNotFound
		}
		return orchestrator.WorkflowState{}, err
	}

	var state orchestrator.WorkflowState
	if err := json.Unmarshal(snapshot, &state); err != nil {
		return orchestrator.WorkflowState{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return state, nil
}
