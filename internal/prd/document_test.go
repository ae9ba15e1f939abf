package prd

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
)

func ids(s ...string) []domain.TaskID {
	out := make([]domain.TaskID, len(s))
	for i, v := range s {
		out[i] = domain.TaskID(v)
	}
	return out
}

func sampleDoc(t *testing.T) *Document {
	t.Helper()
	doc, err := New("checkout", "Checkout flow", []Task{
		{ID: "a", Description: "add login form"},
		{ID: "b", Description: "add session store", Dependencies: ids("a")},
		{ID: "c", Description: "update docs"},
		{ID: "d", Description: "wire checkout", Dependencies: ids("b", "c")},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return doc
}

func TestNewAppliesDefaults(t *testing.T) {
	doc := sampleDoc(t)
	for _, task := range doc.Tasks {
		if task.Status != domain.StatusPending {
			t.Errorf("task %s status = %s, want PENDING", task.ID, task.Status)
		}
		if task.Risk != domain.RiskLow {
			t.Errorf("task %s risk = %s, want low", task.ID, task.Risk)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		tasks    []Task
		wantCode errors.ErrorCode
	}{
		{
			name:     "no tasks",
			tasks:    nil,
			wantCode: errors.ErrCodePRDInvalid,
		},
		{
			name:     "duplicate id",
			tasks:    []Task{{ID: "a", Description: "x"}, {ID: "a", Description: "y"}},
			wantCode: errors.ErrCodePRDInvalid,
		},
		{
			name:     "unknown dependency",
			tasks:    []Task{{ID: "a", Description: "x", Dependencies: ids("ghost")}},
			wantCode: errors.ErrCodePRDInvalid,
		},
		{
			name:     "empty description",
			tasks:    []Task{{ID: "a"}},
			wantCode: errors.ErrCodePRDInvalid,
		},
		{
			name:     "bad risk",
			tasks:    []Task{{ID: "a", Description: "x", Risk: "extreme"}},
			wantCode: errors.ErrCodePRDInvalid,
		},
		{
			name: "two task cycle",
			tasks: []Task{
				{ID: "a", Description: "x", Dependencies: ids("b")},
				{ID: "b", Description: "y", Dependencies: ids("a")},
			},
			wantCode: errors.ErrCodePlanCyclicDep,
		},
		{
			name:     "self dependency",
			tasks:    []Task{{ID: "a", Description: "x", Dependencies: ids("a")}},
			wantCode: errors.ErrCodePlanCyclicDep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("prd-1", "", tt.tasks)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.HasCode(err, tt.wantCode) {
				t.Errorf("error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestFindCycleNamesCycle(t *testing.T) {
	tasks := []Task{
		{ID: "root", Description: "x"},
		{ID: "a", Description: "x", Dependencies: ids("root", "c")},
		{ID: "b", Description: "x", Dependencies: ids("a")},
		{ID: "c", Description: "x", Dependencies: ids("b")},
	}

	cycle := FindCycle(tasks)
	if len(cycle) != 4 || cycle[0] != cycle[len(cycle)-1] {
		t.Fatalf("cycle = %v, want a closed cycle of three tasks", cycle)
	}
	for _, id := range cycle {
		if id == "root" {
			t.Errorf("cycle %v should not include the acyclic prefix", cycle)
		}
	}

	if FindCycle(tasks[:1]) != nil {
		t.Error("single acyclic task should have no cycle")
	}
	// dependencies outside the slice are ignored
	if FindCycle(tasks[1:2]) != nil {
		t.Error("out-of-set dependencies should not form a cycle")
	}
}

func TestReady(t *testing.T) {
	doc := sampleDoc(t)

	if got := taskIDs(doc.Ready()); !reflect.DeepEqual(got, ids("a", "c")) {
		t.Fatalf("Ready() = %v, want [a c]", got)
	}

	mustSet(t, doc, "a", domain.StatusRunning)
	mustSet(t, doc, "a", domain.StatusCompleted)
	if got := taskIDs(doc.Ready()); !reflect.DeepEqual(got, ids("b", "c")) {
		t.Fatalf("Ready() = %v, want [b c]", got)
	}

	mustSet(t, doc, "c", domain.StatusFailed)
	for _, task := range doc.Ready() {
		if task.ID == "d" {
			t.Error("d must not be ready while c is failed")
		}
	}
}

func TestSetStatusRejectsIllegalTransitions(t *testing.T) {
	doc := sampleDoc(t)

	mustSet(t, doc, "a", domain.StatusCancelled)
	err := doc.SetStatus("a", domain.StatusRunning, "")
	if !errors.HasCode(err, errors.ErrCodePRDBadTransition) {
		t.Errorf("expected PRD-005, got %v", err)
	}

	err = doc.SetStatus("nope", domain.StatusRunning, "")
	if !errors.HasCode(err, errors.ErrCodePRDUnknownTask) {
		t.Errorf("expected PRD-004, got %v", err)
	}
}

func TestAssign(t *testing.T) {
	doc := sampleDoc(t)

	if err := doc.Assign("a", "agent-1", "agent/checkout/a"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	task, ok := doc.Task("a")
	if !ok {
		t.Fatal("task a missing")
	}
	if task.Status != domain.StatusAssigned || task.AgentID != "agent-1" || task.Branch != "agent/checkout/a" {
		t.Errorf("unexpected task after Assign: %+v", task)
	}
}

func TestDependentsIsTransitive(t *testing.T) {
	doc := sampleDoc(t)

	if got := doc.Dependents("a"); !reflect.DeepEqual(got, ids("b", "d")) {
		t.Errorf("Dependents(a) = %v, want [b d]", got)
	}
	if got := doc.Dependents("d"); len(got) != 0 {
		t.Errorf("Dependents(d) = %v, want none", got)
	}
}

func TestStatusCountsAndComplete(t *testing.T) {
	doc := sampleDoc(t)

	counts := doc.StatusCounts()
	if counts[domain.StatusPending] != 4 || counts[domain.StatusCompleted] != 0 {
		t.Errorf("unexpected counts: %v", counts)
	}
	if len(counts) != len(domain.AllStatuses) {
		t.Errorf("expected every status present, got %v", counts)
	}
	if doc.IsComplete() {
		t.Error("fresh document should not be complete")
	}

	for _, id := range []string{"a", "b", "c", "d"} {
		mustSet(t, doc, domain.TaskID(id), domain.StatusCancelled)
	}
	if !doc.IsComplete() {
		t.Error("all-terminal document should be complete")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	doc := sampleDoc(t)
	clone := doc.Clone()

	mustSet(t, doc, "a", domain.StatusRunning)
	if task, _ := clone.Task("a"); task.Status != domain.StatusPending {
		t.Errorf("clone should not observe later mutation, got %s", task.Status)
	}
	clone.Tasks[1].Dependencies[0] = "zzz"
	if doc.Tasks[1].Dependencies[0] != "a" {
		t.Error("clone shares dependency slices with the original")
	}
}

func TestLoadYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "prd.yaml")
	yamlDoc := `id: billing
title: Billing
tasks:
  - id: schema
    description: add invoices table migration
    resource_hints: [db/migrations/]
  - id: api
    description: add invoice endpoint
    dependencies: [schema]
    risk: high
`
	if err := os.WriteFile(yamlPath, []byte(yamlDoc), 0600); err != nil {
		t.Fatal(err)
	}

	doc, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	api, _ := doc.Task("api")
	if api.Risk != domain.RiskHigh || !api.DependsOn("schema") {
		t.Errorf("unexpected api task: %+v", api)
	}

	jsonPath := filepath.Join(dir, "prd.json")
	if err := doc.Save(jsonPath); err != nil {
		t.Fatalf("Save: %v", err)
	}
	reloaded, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load json: %v", err)
	}
	if reloaded.ID != "billing" || len(reloaded.Tasks) != 2 {
		t.Errorf("unexpected reloaded document: %+v", reloaded)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	if !errors.HasCode(err, errors.ErrCodePRDNotFound) {
		t.Errorf("expected PRD-001, got %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err = Load(bad)
	if !errors.HasCode(err, errors.ErrCodePRDUnmarshal) {
		t.Errorf("expected PRD-003, got %v", err)
	}
}

func mustSet(t *testing.T, doc *Document, id domain.TaskID, status domain.TaskStatus) {
	t.Helper()
	if err := doc.SetStatus(id, status, ""); err != nil {
		t.Fatalf("SetStatus(%s, %s): %v", id, status, err)
	}
}

func taskIDs(tasks []Task) []domain.TaskID {
	out := make([]domain.TaskID, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}
