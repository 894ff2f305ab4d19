package kanban

import (
	"context"
	"fmt"
	"testing"

	"github.com/lwgray/marcus/pkg/domain"
)

// flakyBoard fails UpdateStatus while failing is set; other methods succeed.
type flakyBoard struct {
	failing bool
	calls   int
}

func (f *flakyBoard) Name() string { return "flaky" }

func (f *flakyBoard) ListTasks(ctx context.Context, projectID domain.EntityID) ([]*BoardTask, error) {
	return nil, nil
}
func (f *flakyBoard) GetTask(ctx context.Context, id domain.EntityID) (*BoardTask, error) {
	return &BoardTask{ID: id}, nil
}
func (f *flakyBoard) CreateTask(ctx context.Context, projectID domain.EntityID, spec TaskSpec) (domain.EntityID, error) {
	return "TASK-001", nil
}
func (f *flakyBoard) UpdateStatus(ctx context.Context, id domain.EntityID, status domain.TaskStatus) error {
	f.calls++
	if f.failing {
		return fmt.Errorf("remote down")
	}
	return nil
}
func (f *flakyBoard) AssignTask(ctx context.Context, id, agentID domain.EntityID) error { return nil }
func (f *flakyBoard) UnassignTask(ctx context.Context, id domain.EntityID) error        { return nil }
func (f *flakyBoard) AddComment(ctx context.Context, id domain.EntityID, text string) error {
	return nil
}

// TestBreakerOpensAfterConsecutiveFailures verifies the circuit opens after
// 5 consecutive failures and then fails fast with ErrKanbanUnavailable
// without touching the provider.
func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyBoard{failing: true}
	m := NewBreakerManager(inner)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := m.UpdateStatus(ctx, "TASK-001", domain.StatusDone); err == nil {
			t.Fatalf("call %d should fail", i+1)
		}
	}
	callsBeforeOpen := inner.calls

	err := m.UpdateStatus(ctx, "TASK-001", domain.StatusDone)
	if err != ErrKanbanUnavailable {
		t.Fatalf("expected ErrKanbanUnavailable once open, got %v", err)
	}
	if inner.calls != callsBeforeOpen {
		t.Error("open circuit must not reach the provider")
	}
}

// TestBreakerIsolatesEndpoints verifies one failing endpoint does not open
// the circuit for a healthy one.
func TestBreakerIsolatesEndpoints(t *testing.T) {
	inner := &flakyBoard{failing: true}
	m := NewBreakerManager(inner)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		m.UpdateStatus(ctx, "TASK-001", domain.StatusDone)
	}

	// GetTask has its own breaker and must still pass through.
	if _, err := m.GetTask(ctx, "TASK-001"); err != nil {
		t.Fatalf("healthy endpoint should not be affected: %v", err)
	}
}

// TestBreakerPassesThroughSuccess verifies a healthy provider is untouched.
func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &flakyBoard{}
	m := NewBreakerManager(inner)

	if err := m.UpdateStatus(context.Background(), "TASK-001", domain.StatusDone); err != nil {
		t.Fatalf("healthy call failed: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 provider call, got %d", inner.calls)
	}
}

// TestGitHubStatusTranslation verifies the canonical-status mapping both
// directions.
func TestGitHubStatusTranslation(t *testing.T) {
	tests := []struct {
		github string
		want   domain.TaskStatus
	}{
		{"Todo", domain.StatusTODO},
		{"backlog", domain.StatusTODO},
		{"In Progress", domain.StatusInProgress},
		{"Blocked", domain.StatusBlocked},
		{"Done", domain.StatusDone},
		{"Something Custom", domain.StatusTODO},
	}
	for _, tt := range tests {
		if got := toCanonicalStatus(tt.github); got != tt.want {
			t.Errorf("toCanonicalStatus(%q) = %s, want %s", tt.github, got, tt.want)
		}
	}

	for _, s := range []domain.TaskStatus{domain.StatusTODO, domain.StatusInProgress, domain.StatusBlocked, domain.StatusDone} {
		if got := toCanonicalStatus(fromCanonicalStatus(s)); got != s {
			t.Errorf("round trip for %s yielded %s", s, got)
		}
	}
}

// TestHashShapeDetectsDrift verifies the drift hash reacts to id/status/
// assignee changes and ignores descriptions.
func TestHashShapeDetectsDrift(t *testing.T) {
	base := []*BoardTask{
		{ID: "A", Status: domain.StatusTODO, Description: "one"},
		{ID: "B", Status: domain.StatusDone},
	}
	h1 := hashShape(base)

	descChanged := []*BoardTask{
		{ID: "A", Status: domain.StatusTODO, Description: "rewritten"},
		{ID: "B", Status: domain.StatusDone},
	}
	if hashShape(descChanged) != h1 {
		t.Error("description changes should not register as drift")
	}

	statusChanged := []*BoardTask{
		{ID: "A", Status: domain.StatusInProgress, Description: "one"},
		{ID: "B", Status: domain.StatusDone},
	}
	if hashShape(statusChanged) == h1 {
		t.Error("status changes must register as drift")
	}

	taskAdded := append(append([]*BoardTask(nil), base...), &BoardTask{ID: "C", Status: domain.StatusTODO})
	if hashShape(taskAdded) == h1 {
		t.Error("new tasks must register as drift")
	}
}

// TestRegistryBuild verifies factory registration and the unknown-provider
// error.
func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", func(config map[string]string) (Provider, error) {
		return &flakyBoard{}, nil
	})

	p, err := r.Build("fake", nil)
	if err != nil || p.Name() != "flaky" {
		t.Fatalf("Build = %v, %v", p, err)
	}
	if _, err := r.Build("missing", nil); err == nil {
		t.Fatal("unknown provider should error")
	}
}
