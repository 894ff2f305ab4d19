package leasemonitor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/lwgray/marcus/pkg/agentsvc"
	"github.com/lwgray/marcus/pkg/assignment"
	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/graph"
	"github.com/lwgray/marcus/pkg/kanban"
)

// fakeBoard records mirror writes so the test can assert the kanban rollback
// happened.
type fakeBoard struct {
	tasks      []*kanban.BoardTask
	unassigned []domain.EntityID
	statuses   map[domain.EntityID]domain.TaskStatus
}

func (f *fakeBoard) Name() string { return "fake" }

func (f *fakeBoard) ListTasks(ctx context.Context, projectID domain.EntityID) ([]*kanban.BoardTask, error) {
	return f.tasks, nil
}

func (f *fakeBoard) GetTask(ctx context.Context, id domain.EntityID) (*kanban.BoardTask, error) {
	return nil, fmt.Errorf("not found")
}

func (f *fakeBoard) CreateTask(ctx context.Context, projectID domain.EntityID, spec kanban.TaskSpec) (domain.EntityID, error) {
	return "", fmt.Errorf("not supported")
}

func (f *fakeBoard) UpdateStatus(ctx context.Context, id domain.EntityID, status domain.TaskStatus) error {
	if f.statuses == nil {
		f.statuses = make(map[domain.EntityID]domain.TaskStatus)
	}
	f.statuses[id] = status
	return nil
}

func (f *fakeBoard) AssignTask(ctx context.Context, id, agentID domain.EntityID) error { return nil }

func (f *fakeBoard) UnassignTask(ctx context.Context, id domain.EntityID) error {
	f.unassigned = append(f.unassigned, id)
	return nil
}

func (f *fakeBoard) AddComment(ctx context.Context, id domain.EntityID, text string) error {
	return nil
}

// fixedProjects resolves every task to one graph/provider pair.
type fixedProjects struct {
	g        *graph.TaskGraph
	provider kanban.Provider
}

func (p *fixedProjects) FindByTask(taskID domain.EntityID) (*graph.TaskGraph, kanban.Provider, bool) {
	return p.g, p.provider, true
}

// TestSweepReclaimsExpiredLease verifies spec scenario 4: an expired lease
// is released, the kanban card is unassigned and reset to TODO, the graph
// returns the task to the ready set, and a reclamation event is published.
func TestSweepReclaimsExpiredLease(t *testing.T) {
	dir := t.TempDir()

	store, err := assignment.NewStore(filepath.Join(dir, "assignments.db"))
	if err != nil {
		t.Fatalf("assignment store: %v", err)
	}
	defer store.Close()

	agents, err := agentsvc.New(filepath.Join(dir, "agents"))
	if err != nil {
		t.Fatalf("agentsvc: %v", err)
	}
	if _, err := agents.Register("agent-1", "worker", "worker", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	board := &fakeBoard{tasks: []*kanban.BoardTask{{
		ID: "TASK-001", ProjectID: "proj-1", Name: "A",
		Status: domain.StatusInProgress, Phase: domain.PhaseImplement,
		Priority: domain.PriorityMedium, Assignee: "agent-1",
		CreatedAt: domain.Now(), UpdatedAt: domain.Now(),
	}}}
	g := graph.New("proj-1", board)
	if err := g.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	// Grant a lease that is already past its expiry.
	if res, _ := store.TryClaim("agent-1", "TASK-001", "proj-1", 1, -time.Minute); !res.OK {
		t.Fatal("setup claim failed")
	}

	publisher := bus.NewMessageBus()
	events := publisher.Subscribe("test")

	m := New(store, agents, &fixedProjects{g: g, provider: board}, publisher,
		WithSweepInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	// Wait for the reclamation notice.
	select {
	case ev := <-events:
		if ev.Type != string(domain.EventTaskReclaimed) {
			t.Fatalf("expected a reclaim event, got %s", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reclamation")
	}
	cancel()

	if lease, _ := store.Get("TASK-001"); lease != nil {
		t.Error("lease should be gone after reclamation")
	}
	if len(board.unassigned) == 0 || board.unassigned[0] != "TASK-001" {
		t.Error("kanban card should have been unassigned")
	}
	if board.statuses["TASK-001"] != domain.StatusTODO {
		t.Errorf("kanban status should be TODO, got %s", board.statuses["TASK-001"])
	}
	if tk, ok := g.Task("TASK-001"); !ok || tk.Status != domain.StatusTODO {
		t.Error("graph task should be back to TODO")
	}
}

// TestSweepLeavesLiveLeases verifies a live lease survives the sweep.
func TestSweepLeavesLiveLeases(t *testing.T) {
	dir := t.TempDir()

	store, err := assignment.NewStore(filepath.Join(dir, "assignments.db"))
	if err != nil {
		t.Fatalf("assignment store: %v", err)
	}
	defer store.Close()

	agents, err := agentsvc.New(filepath.Join(dir, "agents"))
	if err != nil {
		t.Fatalf("agentsvc: %v", err)
	}
	agents.Register("agent-1", "worker", "worker", nil)

	board := &fakeBoard{}
	g := graph.New("proj-1", board)

	if res, _ := store.TryClaim("agent-1", "TASK-001", "proj-1", 1, time.Hour); !res.OK {
		t.Fatal("setup claim failed")
	}

	publisher := bus.NewMessageBus()
	m := New(store, agents, &fixedProjects{g: g, provider: board}, publisher,
		WithSweepInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()

	if lease, _ := store.Get("TASK-001"); lease == nil {
		t.Fatal("live lease must survive the sweep")
	}
}
