package store

import (
	"context"
	"sort"
	"sync"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

// MemStore is an in-memory Store, used for tests and single-process
// development. It is safe for concurrent use.
type MemStore struct {
	mu     sync.Mutex
	checks map[string]map[int]orchestrator.WorkflowState
	latest map[string]int
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		checks: make(map[string]map[int]orchestrator.WorkflowState),
		latest: make(map[string]int),
	}
}

// Save implements Store. The whole method runs under one mutex, which is
// the in-memory stand-in for the transactional write path a relational
// backend provides.
func (m *MemStore) Save(ctx context.Context, threadID string, state orchestrator.WorkflowState, expectedVersion int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.latest[threadID]
	if current != expectedVersion {
		return 0, orchestrator.ErrPersistenceConflict
	}

	next := current + 1
	if m.checks[threadID] == nil {
		m.checks[threadID] = make(map[int]orchestrator.WorkflowState)
	}
	m.checks[threadID][next] = state
	m.latest[threadID] = next
	return next, nil
}

// LoadLatest implements Store.
func (m *MemStore) LoadLatest(ctx context.Context, threadID string) (orchestrator.WorkflowState, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.latest[threadID]
	if !ok || v == 0 {
		return orchestrator.WorkflowState{}, 0, orchestrator.ErrNotFound
	}
	return m.checks[threadID][v], v, nil
}

// ListVersions implements Store.
func (m *MemStore) ListVersions(ctx context.Context, threadID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := make([]int, 0, len(m.checks[threadID]))
	for v := range m.checks[threadID] {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

// LoadAt implements Store.
func (m *MemStore) LoadAt(ctx context.Context, threadID string, version int) (orchestrator.WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.checks[threadID][version]
	if !ok {
		return orchestrator.WorkflowState{}, orchestrator.ErrNotFound
	}
	return state, nil
}
