package kanban

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lwgray/marcus/pkg/domain"
)

func newTestBoard(t *testing.T) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(filepath.Join(t.TempDir(), "board.db"))
	if err != nil {
		t.Fatalf("open board: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// TestCreateAndListTasks verifies the round trip including JSON-encoded
// skills, deps, and labels.
func TestCreateAndListTasks(t *testing.T) {
	p := newTestBoard(t)
	ctx := context.Background()

	id1, err := p.CreateTask(ctx, "proj-1", TaskSpec{
		Name:           "Build login",
		Description:    "login flow",
		Phase:          domain.PhaseImplement,
		Priority:       domain.PriorityHigh,
		RequiredSkills: domain.Tags{"go", "sql"},
		EstimatedHours: 3,
		Labels:         domain.Tags{"auth"},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id1 != "TASK-001" {
		t.Errorf("first id = %s, want TASK-001", id1)
	}

	id2, err := p.CreateTask(ctx, "proj-1", TaskSpec{Name: "Test login", Phase: domain.PhaseTest, Dependencies: []domain.EntityID{id1}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id2 != "TASK-002" {
		t.Errorf("second id = %s, want TASK-002", id2)
	}

	tasks, err := p.ListTasks(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	first := tasks[0]
	if first.Status != domain.StatusTODO {
		t.Errorf("new task status %s, want TODO", first.Status)
	}
	if len(first.RequiredSkills) != 2 || !first.RequiredSkills.Contains("go") {
		t.Errorf("skills lost in round trip: %v", first.RequiredSkills)
	}
	if len(tasks[1].Dependencies) != 1 || tasks[1].Dependencies[0] != id1 {
		t.Errorf("dependencies lost in round trip: %v", tasks[1].Dependencies)
	}

	// Tasks in another project stay invisible.
	if other, _ := p.ListTasks(ctx, "proj-2"); len(other) != 0 {
		t.Error("tasks leaked across projects")
	}
}

// TestUpdateStatusIsIdempotent verifies repeated status writes succeed.
func TestUpdateStatusIsIdempotent(t *testing.T) {
	p := newTestBoard(t)
	ctx := context.Background()

	id, _ := p.CreateTask(ctx, "proj-1", TaskSpec{Name: "A"})
	for i := 0; i < 2; i++ {
		if err := p.UpdateStatus(ctx, id, domain.StatusDone); err != nil {
			t.Fatalf("UpdateStatus #%d: %v", i+1, err)
		}
	}
	got, _ := p.GetTask(ctx, id)
	if got.Status != domain.StatusDone {
		t.Errorf("status %s, want DONE", got.Status)
	}
}

// TestAssignTaskConflict verifies the conditional claim: a second assign on
// an already-assigned card is a non-retryable rejection.
func TestAssignTaskConflict(t *testing.T) {
	p := newTestBoard(t)
	ctx := context.Background()

	id, _ := p.CreateTask(ctx, "proj-1", TaskSpec{Name: "A"})
	if err := p.AssignTask(ctx, id, "agent-1"); err != nil {
		t.Fatalf("first assign: %v", err)
	}

	err := p.AssignTask(ctx, id, "agent-2")
	if err == nil {
		t.Fatal("second assign must be rejected")
	}
	ie, ok := err.(*IntegrationError)
	if !ok {
		t.Fatalf("expected IntegrationError, got %T", err)
	}
	if ie.Retryable {
		t.Error("assignment conflict must not be retryable")
	}

	// Unassign frees the card for a fresh claim.
	if err := p.UnassignTask(ctx, id); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if err := p.AssignTask(ctx, id, "agent-2"); err != nil {
		t.Fatalf("assign after unassign: %v", err)
	}
}

// TestGetTaskNotFound verifies the typed error for a missing card.
func TestGetTaskNotFound(t *testing.T) {
	p := newTestBoard(t)
	_, err := p.GetTask(context.Background(), "TASK-404")
	if err == nil {
		t.Fatal("expected an error for a missing task")
	}
	if ie, ok := err.(*IntegrationError); !ok || ie.Retryable {
		t.Errorf("missing task should be a non-retryable IntegrationError, got %v", err)
	}
}

// TestAddComment verifies comments insert without error.
func TestAddComment(t *testing.T) {
	p := newTestBoard(t)
	ctx := context.Background()

	id, _ := p.CreateTask(ctx, "proj-1", TaskSpec{Name: "A"})
	if err := p.AddComment(ctx, id, "Decision by agent-1: chose REST"); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
}

// TestCreateProject verifies the optional ProjectCreator capability.
func TestCreateProject(t *testing.T) {
	p := newTestBoard(t)
	id, err := p.CreateProject(context.Background(), "webshop", nil)
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if id.IsZero() {
		t.Error("expected a generated project id")
	}
}
