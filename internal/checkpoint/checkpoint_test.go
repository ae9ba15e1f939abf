package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
)

func TestNewState(t *testing.T) {
	state := NewState("prd-1")

	if state.Version != stateVersion {
		t.Errorf("version = %s, want %s", state.Version, stateVersion)
	}
	if state.PRDID != "prd-1" || state.Status != StatusRunning {
		t.Errorf("unexpected state %+v", state)
	}
	if state.Tasks == nil || state.Metadata == nil {
		t.Error("maps should be initialized")
	}
}

func TestUpdateTaskLifecycle(t *testing.T) {
	state := NewState("prd-1")

	state.UpdateTask("a", domain.StatusPending, "")
	state.Assign("a", "agent-1", "flotilla/prd-1/a", 1)
	state.UpdateTask("a", domain.StatusRunning, "")
	state.UpdateTask("a", domain.StatusRunning, "")

	task := state.Tasks["a"]
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", task.Attempts)
	}
	if task.StartedAt.IsZero() || !task.CompletedAt.IsZero() {
		t.Errorf("unexpected timing %+v", task)
	}
	if task.AgentID != "agent-1" || task.Branch != "flotilla/prd-1/a" || task.Wave != 1 {
		t.Errorf("assignment not recorded: %+v", task)
	}

	state.UpdateTask("a", domain.StatusFailed, "tests failed")
	task = state.Tasks["a"]
	if task.CompletedAt.IsZero() || task.Error != "tests failed" {
		t.Errorf("failure not recorded: %+v", task)
	}
}

func TestCountsAndProgress(t *testing.T) {
	state := NewState("prd-1")
	if state.Progress() != 0 {
		t.Error("empty state should have zero progress")
	}

	state.UpdateTask("a", domain.StatusCompleted, "")
	state.UpdateTask("b", domain.StatusCancelled, "")
	state.UpdateTask("c", domain.StatusRunning, "")
	state.UpdateTask("d", domain.StatusPending, "")

	counts := state.Counts()
	if counts[domain.StatusCompleted] != 1 || counts[domain.StatusRunning] != 1 || counts[domain.StatusPending] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if got := state.Progress(); got != 0.5 {
		t.Errorf("progress = %v, want 0.5", got)
	}
	if ids := state.IDs(domain.StatusCancelled); len(ids) != 1 || ids[0] != "b" {
		t.Errorf("cancelled ids = %v", ids)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	state := NewState("prd-1")
	state.UpdateTask("a", domain.StatusRunning, "")
	state.SetMetadata("k", "v")

	c := state.Clone()
	state.UpdateTask("a", domain.StatusCompleted, "")
	state.SetMetadata("k", "changed")

	if c.Tasks["a"].Status != domain.StatusRunning || c.Metadata["k"] != "v" {
		t.Errorf("clone shares state with original: %+v", c)
	}
}

func TestManagerSaveLoad(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "runs"))

	state := NewState("team/prd-1")
	state.UpdateTask("a", domain.StatusCompleted, "")
	state.SetMetadata("integration_branch", "integration/team/prd-1")
	if err := mgr.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(filepath.Join(mgr.Dir(), "team__prd-1.json")); err != nil {
		t.Errorf("expected sanitized file name: %v", err)
	}
	if !mgr.Exists("team/prd-1") {
		t.Error("Exists should report the saved state")
	}

	loaded, err := mgr.Load("team/prd-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Tasks["a"].Status != domain.StatusCompleted {
		t.Errorf("task a = %+v", loaded.Tasks["a"])
	}
	if loaded.Metadata["integration_branch"] != "integration/team/prd-1" {
		t.Errorf("metadata = %v", loaded.Metadata)
	}

	entries, _ := os.ReadDir(mgr.Dir())
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestManagerLoadErrors(t *testing.T) {
	mgr := NewManager(t.TempDir())

	_, err := mgr.Load("missing")
	if !errors.HasCode(err, errors.ErrCodeCheckpointNotFound) {
		t.Errorf("expected CHECKPOINT-002, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(mgr.Dir(), "bad.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = mgr.Load("bad")
	if !errors.HasCode(err, errors.ErrCodeCheckpointFailed) {
		t.Errorf("expected CHECKPOINT-001, got %v", err)
	}

	if err := mgr.Save(nil); err == nil {
		t.Error("saving nil state should fail")
	}
}

func TestManagerDelete(t *testing.T) {
	mgr := NewManager(t.TempDir())
	if err := mgr.Save(NewState("prd-1")); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Delete("prd-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if mgr.Exists("prd-1") {
		t.Error("state should be gone")
	}
	if err := mgr.Delete("prd-1"); err != nil {
		t.Errorf("deleting a missing state should not fail: %v", err)
	}
}

func TestManagerListNewestFirst(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "runs"))

	states, err := mgr.List()
	if err != nil || len(states) != 0 {
		t.Fatalf("List on missing dir = %v, %v", states, err)
	}

	for _, id := range []string{"old", "new"} {
		st := NewState(id)
		if err := mgr.Save(st); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	states, err = mgr.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(states) != 2 || states[0].PRDID != "new" || states[1].PRDID != "old" {
		t.Errorf("unexpected order: %v, %v", states[0].PRDID, states[1].PRDID)
	}
}
