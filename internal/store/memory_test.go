package store

import (
	"context"
	"testing"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

func TestMemStore_SaveLoadLatest(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	state := orchestrator.WorkflowState{WorkflowID: "wf-1", ThreadID: "wf-1", Metadata: map[string]interface{}{}}
	v, err := s.Save(ctx, "wf-1", state, 0)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}

	got, version, err := s.LoadLatest(ctx, "wf-1")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if version != 1 || got.WorkflowID != "wf-1" {
		t.Fatalf("unexpected load: %+v v=%d", got, version)
	}
}

func TestMemStore_VersionConflict(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	state := orchestrator.WorkflowState{WorkflowID: "wf-1"}

	if _, err := s.Save(ctx, "wf-1", state, 0); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Stale expectedVersion (0) now conflicts with the committed version 1.
	if _, err := s.Save(ctx, "wf-1", state, 0); err != orchestrator.ErrPersistenceConflict {
		t.Fatalf("expected ErrPersistenceConflict, got %v", err)
	}

	// Retrying with the fresh version succeeds.
	if v, err := s.Save(ctx, "wf-1", state, 1); err != nil || v != 2 {
		t.Fatalf("retry after reload: v=%d err=%v", v, err)
	}
}

func TestMemStore_NotFound(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if _, _, err := s.LoadLatest(ctx, "missing"); err != orchestrator.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.LoadAt(ctx, "missing", 1); err != orchestrator.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStore_ListVersions(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	state := orchestrator.WorkflowState{WorkflowID: "wf-1"}

	for i := 0; i < 3; i++ {
		if _, err := s.Save(ctx, "wf-1", state, i); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	versions, err := s.ListVersions(ctx, "wf-1")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	want := []int{1, 2, 3}
	if len(versions) != len(want) {
		t.Fatalf("expected %v, got %v", want, versions)
	}
	for i, v := range want {
		if versions[i] != v {
			t.Fatalf("expected %v, got %v", want, versions)
		}
	}
}

func TestMemStore_ConcurrentSavesSerialize(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	state := orchestrator.WorkflowState{WorkflowID: "wf-1"}

	const attempts = 20
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			// Every writer races to save version 1 of the same thread.
			_, err := s.Save(ctx, "wf-race", state, 0)
			results <- err
		}()
	}
	wins := 0
	for i := 0; i < attempts; i++ {
		err := <-results
		if err == nil {
			wins++
		} else if err != orchestrator.ErrPersistenceConflict {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning Save, got %d", wins)
	}

	// A single writer must still see monotonic versions under the lock.
	for i := 0; i < 5; i++ {
		if _, err := s.Save(ctx, "wf-1", state, i); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}
	_, version, err := s.LoadLatest(ctx, "wf-1")
	if err != nil || version != 5 {
		t.Fatalf("expected version 5, got %d err=%v", version, err)
	}
}
