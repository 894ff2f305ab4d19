package contextsvc

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lwgray/marcus/pkg/artifacts"
	"github.com/lwgray/marcus/pkg/decisionlog"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/domain/decision"
	"github.com/lwgray/marcus/pkg/graph"
	"github.com/lwgray/marcus/pkg/kanban"
)

// fakeBoard serves a fixed task list; GetTask exposes CodeRefs for the
// prior-implementations section.
type fakeBoard struct {
	tasks []*kanban.BoardTask
}

func (f *fakeBoard) Name() string { return "fake" }

func (f *fakeBoard) ListTasks(ctx context.Context, projectID domain.EntityID) ([]*kanban.BoardTask, error) {
	return f.tasks, nil
}

func (f *fakeBoard) GetTask(ctx context.Context, id domain.EntityID) (*kanban.BoardTask, error) {
	for _, t := range f.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("task %s not found", id)
}

func (f *fakeBoard) CreateTask(ctx context.Context, projectID domain.EntityID, spec kanban.TaskSpec) (domain.EntityID, error) {
	return "", fmt.Errorf("not supported")
}
func (f *fakeBoard) UpdateStatus(ctx context.Context, id domain.EntityID, status domain.TaskStatus) error {
	return nil
}
func (f *fakeBoard) AssignTask(ctx context.Context, id, agentID domain.EntityID) error { return nil }
func (f *fakeBoard) UnassignTask(ctx context.Context, id domain.EntityID) error        { return nil }
func (f *fakeBoard) AddComment(ctx context.Context, id domain.EntityID, text string) error {
	return nil
}

func bt(id string, phase domain.Phase, deps ...string) *kanban.BoardTask {
	depIDs := make([]domain.EntityID, len(deps))
	for i, d := range deps {
		depIDs[i] = domain.EntityID(d)
	}
	return &kanban.BoardTask{
		ID: domain.EntityID(id), ProjectID: "proj-1", Name: id,
		Status: domain.StatusTODO, Phase: phase, Priority: domain.PriorityMedium,
		Dependencies: depIDs, CreatedAt: domain.Now(), UpdatedAt: domain.Now(),
	}
}

type fixture struct {
	svc       *Service
	graph     *graph.TaskGraph
	decisions *decisionlog.Store
	arts      *artifacts.Store
}

func newFixture(t *testing.T, board *fakeBoard) *fixture {
	t.Helper()
	dir := t.TempDir()

	decisions, err := decisionlog.NewStore(filepath.Join(dir, "decisions.db"))
	if err != nil {
		t.Fatalf("decision store: %v", err)
	}
	t.Cleanup(func() { decisions.Close() })

	arts, err := artifacts.NewStore(filepath.Join(dir, "artifacts.db"), filepath.Join(dir, "workspace"))
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	t.Cleanup(func() { arts.Close() })

	g := graph.New("proj-1", board)
	if err := g.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	return &fixture{svc: New(g, decisions, arts, board), graph: g, decisions: decisions, arts: arts}
}

// TestPreambleCollectsDependencyArtifacts verifies artifacts are gathered
// from direct and depth-2 dependencies, but not deeper.
func TestPreambleCollectsDependencyArtifacts(t *testing.T) {
	board := &fakeBoard{tasks: []*kanban.BoardTask{
		bt("TASK-A", domain.PhaseDesign),
		bt("TASK-B", domain.PhaseImplement, "TASK-A"),
		bt("TASK-C", domain.PhaseImplement, "TASK-B"),
		bt("TASK-D", domain.PhaseTest, "TASK-C"),
	}}
	f := newFixture(t, board)

	f.arts.LogArtifact("proj-1", "agent-1", "TASK-C", "c-api.yaml", domain.ArtifactAPI, []byte("c"), "direct dep")
	f.arts.LogArtifact("proj-1", "agent-1", "TASK-B", "b-design.md", domain.ArtifactDesign, []byte("b"), "depth 2")
	f.arts.LogArtifact("proj-1", "agent-1", "TASK-A", "a-notes.md", domain.ArtifactOther, []byte("a"), "depth 3, out of range")

	target, _ := f.graph.Task("TASK-D")
	p, err := f.svc.BuildPreamble(context.Background(), target)
	if err != nil {
		t.Fatalf("BuildPreamble: %v", err)
	}

	files := make(map[string]bool)
	for _, a := range p.Artifacts {
		files[a.Filename] = true
	}
	if !files["c-api.yaml"] || !files["b-design.md"] {
		t.Errorf("expected depth-1 and depth-2 artifacts, got %v", files)
	}
	if files["a-notes.md"] {
		t.Error("depth-3 artifact should be excluded")
	}
}

// TestPreambleTypeRelevanceForTestPhase verifies a TEST task sees
// SPECIFICATION artifacts ahead of API ones.
func TestPreambleTypeRelevanceForTestPhase(t *testing.T) {
	board := &fakeBoard{tasks: []*kanban.BoardTask{
		bt("TASK-IMPL", domain.PhaseImplement),
		bt("TASK-TEST", domain.PhaseTest, "TASK-IMPL"),
	}}
	f := newFixture(t, board)

	f.arts.LogArtifact("proj-1", "agent-1", "TASK-IMPL", "api.yaml", domain.ArtifactAPI, []byte("api"), "")
	f.arts.LogArtifact("proj-1", "agent-1", "TASK-IMPL", "acceptance.md", domain.ArtifactSpecification, []byte("acceptance"), "")

	target, _ := f.graph.Task("TASK-TEST")
	p, err := f.svc.BuildPreamble(context.Background(), target)
	if err != nil {
		t.Fatalf("BuildPreamble: %v", err)
	}
	if len(p.Artifacts) < 2 {
		t.Fatalf("expected both artifacts, got %d", len(p.Artifacts))
	}
	if p.Artifacts[0].Type != domain.ArtifactSpecification {
		t.Errorf("TEST phase should rank SPECIFICATION first, got %s", p.Artifacts[0].Type)
	}
}

// TestPreambleIncludesDependencyDecisions verifies dependency decisions
// appear in the preamble.
func TestPreambleIncludesDependencyDecisions(t *testing.T) {
	board := &fakeBoard{tasks: []*kanban.BoardTask{
		bt("TASK-A", domain.PhaseImplement),
		bt("TASK-B", domain.PhaseImplement, "TASK-A"),
	}}
	f := newFixture(t, board)

	d := dec("TASK-A", "chose JSON over protobuf")
	if err := f.decisions.Append("proj-1", d); err != nil {
		t.Fatalf("append: %v", err)
	}

	target, _ := f.graph.Task("TASK-B")
	p, err := f.svc.BuildPreamble(context.Background(), target)
	if err != nil {
		t.Fatalf("BuildPreamble: %v", err)
	}
	if len(p.Decisions) != 1 || p.Decisions[0].What != "chose JSON over protobuf" {
		t.Fatalf("expected the dependency decision, got %+v", p.Decisions)
	}
	if !strings.Contains(p.Text, "chose JSON over protobuf") {
		t.Error("rendered text should include the decision")
	}
}

// TestPreambleDecisionsNewestFirst verifies the merged decision list stays
// newest first even when entries come from different dependency tasks.
func TestPreambleDecisionsNewestFirst(t *testing.T) {
	board := &fakeBoard{tasks: []*kanban.BoardTask{
		bt("TASK-A", domain.PhaseImplement),
		bt("TASK-B", domain.PhaseImplement),
		bt("TASK-C", domain.PhaseImplement, "TASK-A", "TASK-B"),
	}}
	f := newFixture(t, board)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	older := dec("TASK-B", "zz oldest decision") // alphabetically last, chronologically first
	older.Timestamp = domain.TimestampFrom(base)
	newer := dec("TASK-A", "aa newest decision")
	newer.Timestamp = domain.TimestampFrom(base.Add(time.Hour))

	if err := f.decisions.Append("proj-1", older); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.decisions.Append("proj-1", newer); err != nil {
		t.Fatalf("append: %v", err)
	}

	target, _ := f.graph.Task("TASK-C")
	p, err := f.svc.BuildPreamble(context.Background(), target)
	if err != nil {
		t.Fatalf("BuildPreamble: %v", err)
	}
	if len(p.Decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(p.Decisions))
	}
	if p.Decisions[0].What != "aa newest decision" {
		t.Fatalf("expected the newest decision first, got %q", p.Decisions[0].What)
	}
}

// TestPreambleConventionsFromParent verifies subtasks inherit the parent's
// conventions note.
func TestPreambleConventionsFromParent(t *testing.T) {
	parent := bt("TASK-PARENT", domain.PhaseImplement)
	child := bt("TASK-CHILD", domain.PhaseImplement)
	child.ParentID = "TASK-PARENT"

	f := newFixture(t, &fakeBoard{tasks: []*kanban.BoardTask{parent, child}})

	target, _ := f.graph.Task("TASK-CHILD")
	p, err := f.svc.BuildPreamble(context.Background(), target)
	if err != nil {
		t.Fatalf("BuildPreamble: %v", err)
	}
	if p.Conventions == "" {
		t.Error("subtask preamble should carry parent conventions")
	}
}

// TestPreambleCodeRefsCapped verifies at most 3 prior-implementation refs
// survive.
func TestPreambleCodeRefsCapped(t *testing.T) {
	task := bt("TASK-A", domain.PhaseImplement)
	task.CodeRefs = []string{"pr/1", "pr/2", "pr/3", "pr/4", "pr/5"}

	f := newFixture(t, &fakeBoard{tasks: []*kanban.BoardTask{task}})

	target, _ := f.graph.Task("TASK-A")
	p, err := f.svc.BuildPreamble(context.Background(), target)
	if err != nil {
		t.Fatalf("BuildPreamble: %v", err)
	}
	if len(p.PriorCodeRefs) != 3 {
		t.Errorf("expected 3 code refs, got %d", len(p.PriorCodeRefs))
	}
}

// TestPreambleSizeCap verifies the 16 KB budget truncates oversized
// preambles and flags it.
func TestPreambleSizeCap(t *testing.T) {
	board := &fakeBoard{tasks: []*kanban.BoardTask{
		bt("TASK-DEP", domain.PhaseImplement),
		bt("TASK-MAIN", domain.PhaseImplement, "TASK-DEP"),
	}}
	f := newFixture(t, board)

	huge := strings.Repeat("x", 2000)
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("doc-%02d.md", i)
		f.arts.LogArtifact("proj-1", "agent-1", "TASK-DEP", name, domain.ArtifactDesign, []byte{byte(i)}, huge)
	}

	target, _ := f.graph.Task("TASK-MAIN")
	p, err := f.svc.BuildPreamble(context.Background(), target)
	if err != nil {
		t.Fatalf("BuildPreamble: %v", err)
	}
	if len(p.Text) > MaxPreambleBytes {
		t.Errorf("text %d bytes exceeds the %d cap", len(p.Text), MaxPreambleBytes)
	}
	if !p.Truncated {
		t.Error("oversized preamble should be flagged truncated")
	}
}

func dec(taskID, what string) *decision.Decision {
	return decision.NewDecision(domain.EntityID(taskID), "agent-1", what, "", "", nil)
}
