package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

// SQLiteStore is a single-file Checkpoint Store backed by modernc.org's
// pure-Go SQLite driver. It is meant for development, testing, and
// single-process deployments. The pool is limited to one open connection,
// so all reads and writes are serialized; Save does not retry, and a stale
// expectedVersion returns ErrPersistenceConflict to the caller.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store at path. Use
// ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id  TEXT NOT NULL,
			version    INTEGER NOT NULL,
			snapshot   TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, version)
		)
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save implements Store with a transactional check-then-insert: the
// current max(version) for threadID is read and compared to
// expectedVersion inside the same transaction that inserts the next row,
// so two concurrent Save calls for the same threadID cannot both commit
// against the same expectedVersion.
func (s *SQLiteStore) Save(ctx context.Context, threadID string, state orchestrator.WorkflowState, expectedVersion int) (int, error) {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM checkpoints WHERE thread_id = ?`, threadID).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("read current version: %w", err)
	}
	if current != expectedVersion {
		return 0, orchestrator.ErrPersistenceConflict
	}

	next := current + 1
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, version, snapshot) VALUES (?, ?, ?)`,
		threadID, next, string(snapshot)); err != nil {
		return 0, fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// LoadLatest implements Store.
func (s *SQLiteStore) LoadLatest(ctx context.Context, threadID string) (orchestrator.WorkflowState, int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, snapshot FROM checkpoints WHERE thread_id = ? ORDER BY version DESC LIMIT 1`, threadID)

	var version int
	var snapshot string
	if err := row.Scan(&version, &snapshot); err != nil {
		if err == sql.ErrNoRows {
			return orchestrator.WorkflowState{}, 0, orchestrator.ErrNotFound
		}
		return orchestrator.WorkflowState{}, 0, err
	}

	var state orchestrator.WorkflowState
	if err := json.Unmarshal([]byte(snapshot), &state); err != nil {
		return orchestrator.WorkflowState{}, 0, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return state, version, nil
}

// ListVersions implements Store.
func (s *SQLiteStore) ListVersions(ctx context.Context, threadID string) ([]int, error) {
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
func (s *SQLiteStore) LoadAt(ctx context.Context, threadID string, version int) (orchestrator.WorkflowState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM checkpoints WHERE thread_id = ? AND version = ?`, threadID, version)

	var snapshot string
	if err := row.Scan(&snapshot); err != nil {
		if err == sql.ErrNoRows {
			return orchestrator.WorkflowState{}, orchestrator.ErrNotFound
		}
		return orchestrator.WorkflowState{}, err
	}

	var state orchestrator.WorkflowState
	if err := json.Unmarshal([]byte(snapshot), &state); err != nil {
		return orchestrator.WorkflowState{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return state, nil
}
