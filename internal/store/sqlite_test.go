package store

import (
	"context"
	"testing"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_SaveLoadRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	state := orchestrator.WorkflowState{
		WorkflowID: "wf-1",
		ThreadID:   "wf-1",
		Messages:   []orchestrator.Message{{Role: orchestrator.RoleUser, Content: "hi"}},
		Metadata:   map[string]interface{}{"version": float64(0)},
	}

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
	if version != 1 || got.WorkflowID != "wf-1" || len(got.Messages) != 1 {
		t.Fatalf("unexpected round-trip: %+v v=%d", got, version)
	}
}

func TestSQLiteStore_VersionConflict(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	state := orchestrator.WorkflowState{WorkflowID: "wf-1"}

	if _, err := s.Save(ctx, "wf-1", state, 0); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save(ctx, "wf-1", state, 0); err != orchestrator.ErrPersistenceConflict {
		t.Fatalf("expected ErrPersistenceConflict, got %v", err)
	}
}

func TestSQLiteStore_LoadAtAndListVersions(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Save(ctx, "wf-1", orchestrator.WorkflowState{WorkflowID: "wf-1"}, i); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	versions, err := s.ListVersions(ctx, "wf-1")
	if err != nil || len(versions) != 3 {
		t.Fatalf("ListVersions: %v %v", versions, err)
	}

	if _, err := s.LoadAt(ctx, "wf-1", 2); err != nil {
		t.Fatalf("LoadAt: %v", err)
	}
	if _, err := s.LoadAt(ctx, "wf-1", 99); err != orchestrator.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
