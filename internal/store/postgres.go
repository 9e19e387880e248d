package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

// PostgresStore is the production Checkpoint Store named by spec §4.1: "a
// relational database with a transactional write path". It uses pgx's
// pool directly (no database/sql indirection) and schema_migrations
// managed by golang-migrate so the checkpoints table ships as a versioned
// migration rather than an ad hoc CREATE TABLE IF NOT EXISTS.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-connected pool. Callers are expected to
// have run the migrations in internal/store/migrations via golang-migrate
// before passing the pool in — the store itself does not migrate, mirroring
// how production Postgres deployments gate schema changes behind a
// deploy-time migration step rather than a silent runtime one.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Save implements Store. The current max(version) read and the insert of
// the next row happen inside one serializable-isolation transaction, so a
// losing concurrent Save observes a unique-constraint violation on
// (thread_id, version) and is translated to ErrPersistenceConflict for the
// engine to retry.
func (s *PostgresStore) Save(ctx context.Context, threadID string, state orchestrator.WorkflowState, expectedVersion int) (int, error) {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal state: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM checkpoints WHERE thread_id = $1`, threadID).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("read current version: %w", err)
	}
	if current != expectedVersion {
		return 0, orchestrator.ErrPersistenceConflict
	}

	next := current + 1
	if _, err := tx.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, version, snapshot) VALUES ($1, $2, $3)`,
		threadID, next, snapshot); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "40001") {
			// unique_violation or serialization_failure: a concurrent Save won.
			return 0, fmt.Errorf("%w: %v", orchestrator.ErrPersistenceConflict, err)
		}
		return 0, fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		// A serialization failure under concurrent load surfaces here;
		// treat it the same as a lost version race.
		return 0, fmt.Errorf("%w: %v", orchestrator.ErrPersistenceConflict, err)
	}
	return next, nil
}

// LoadLatest implements Store.
func (s *PostgresStore) LoadLatest(ctx context.Context, threadID string) (orchestrator.WorkflowState, int, error) {
	var version int
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT version, snapshot FROM checkpoints WHERE thread_id = $1 ORDER BY version DESC LIMIT 1`, threadID).
		Scan(&version, &snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return orchestrator.WorkflowState{}, 0, orchestrator.ErrNotFound
	}
	if err != nil {
		return orchestrator.WorkflowState{}, 0, err
	}

	var state orchestrator.WorkflowState
	if err := json.Unmarshal(snapshot, &state); err != nil {
		return orchestrator.WorkflowState{}, 0, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return state, version, nil
}

// ListVersions implements Store.
func (s *PostgresStore) ListVersions(ctx context.Context, threadID string) ([]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT version FROM checkpoints WHERE thread_id = $1 ORDER BY version ASC`, threadID)
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
func (s *PostgresStore) LoadAt(ctx context.Context, threadID string, version int) (orchestrator.WorkflowState, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM checkpoints WHERE thread_id = $1 AND version = $2`, threadID, version).
		Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return orchestrator.WorkflowState{}, orchestrator.ErrNotFound
	}
	if err != nil {
		return orchestrator.WorkflowState{}, err
	}

	var state orchestrator.WorkflowState
	if err := json.Unmarshal(snapshot, &state); err != nil {
		return orchestrator.WorkflowState{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return state, nil
}
