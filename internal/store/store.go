// Package store implements the Checkpoint Store: durable, versioned
// persistence of WorkflowState snapshots keyed by thread id, per spec
// §4.1. Concurrency control is optimistic on version — two concurrent
// saves for the same thread id must serialize, and the losing save must
// retry with a freshly loaded version.
package store

import (
	"context"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

// Store is the Checkpoint Store contract. Implementations MUST make Save
// atomic (a state is either fully visible or not visible at all) and MUST
// enforce strictly increasing versions per thread id.
type Store interface {
	// Save persists state as the next checkpoint for threadID and returns
	// its version. If expectedVersion does not match the store's current
	// latest version for threadID, Save returns
	// orchestrator.ErrPersistenceConflict and the caller must reload and
	// retry the node, per spec §4.1's version-conflict failure mode.
	Save(ctx context.Context, threadID string, state orchestrator.WorkflowState, expectedVersion int) (version int, err error)

	// LoadLatest returns the highest-versioned checkpoint for threadID, or
	// orchestrator.ErrNotFound if none exists.
	LoadLatest(ctx context.Context, threadID string) (orchestrator.WorkflowState, int, error)

	// ListVersions returns every committed version for threadID in
	// ascending order.
	ListVersions(ctx context.Context, threadID string) ([]int, error)

	// LoadAt returns the checkpoint for threadID at exactly version, or
	// orchestrator.ErrNotFound if that version was never committed.
	LoadAt(ctx context.Context, threadID string, version int) (orchestrator.WorkflowState, error)
}
