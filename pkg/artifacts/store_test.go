package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lwgray/marcus/pkg/domain"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	workspace := filepath.Join(dir, "workspace")
	s, err := NewStore(filepath.Join(dir, "artifacts.db"), workspace)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, workspace
}

// TestLogArtifactWritesCanonicalLocation verifies content lands under the
// type-derived directory with the right hash and size.
func TestLogArtifactWritesCanonicalLocation(t *testing.T) {
	s, workspace := newTestStore(t)

	content := []byte("openapi: 3.0.0\n")
	a, err := s.LogArtifact("proj-1", "agent-1", "TASK-001", "login-api.yaml", domain.ArtifactAPI, content, "login API spec")
	if err != nil {
		t.Fatalf("LogArtifact: %v", err)
	}

	if a.RelativePath != filepath.Join("docs/api", "login-api.yaml") {
		t.Errorf("unexpected relative path %s", a.RelativePath)
	}
	if a.SizeBytes != int64(len(content)) {
		t.Errorf("size %d, want %d", a.SizeBytes, len(content))
	}

	onDisk, err := os.ReadFile(filepath.Join(workspace, a.RelativePath))
	if err != nil {
		t.Fatalf("artifact content missing on disk: %v", err)
	}
	if string(onDisk) != string(content) {
		t.Error("content on disk does not match what was logged")
	}
}

// TestLogArtifactIdempotentOnSameContent verifies a repeat call with
// identical content is a no-op returning the existing row.
func TestLogArtifactIdempotentOnSameContent(t *testing.T) {
	s, _ := newTestStore(t)

	content := []byte("design notes")
	first, err := s.LogArtifact("proj-1", "agent-1", "TASK-001", "notes.md", domain.ArtifactDesign, content, "")
	if err != nil {
		t.Fatalf("first log: %v", err)
	}
	second, err := s.LogArtifact("proj-1", "agent-1", "TASK-001", "notes.md", domain.ArtifactDesign, content, "")
	if err != nil {
		t.Fatalf("second log: %v", err)
	}
	if second.ID() != first.ID() {
		t.Error("identical content should return the existing artifact")
	}

	all, _ := s.FindByTask("TASK-001")
	if len(all) != 1 {
		t.Fatalf("expected a single metadata row, got %d", len(all))
	}
}

// TestLogArtifactVersionsOnChangedContent verifies different content under
// the same filename gets a versioned name instead of clobbering.
func TestLogArtifactVersionsOnChangedContent(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.LogArtifact("proj-1", "agent-1", "TASK-001", "notes.md", domain.ArtifactDesign, []byte("v1"), ""); err != nil {
		t.Fatalf("first log: %v", err)
	}
	updated, err := s.LogArtifact("proj-1", "agent-1", "TASK-001", "notes.md", domain.ArtifactDesign, []byte("v2"), "")
	if err != nil {
		t.Fatalf("second log: %v", err)
	}

	if updated.Filename == "notes.md" {
		t.Error("changed content should produce a versioned filename")
	}
	if !strings.HasPrefix(updated.Filename, "notes.v") || !strings.HasSuffix(updated.Filename, ".md") {
		t.Errorf("unexpected versioned name %s", updated.Filename)
	}
}

// TestFindByTaskOrdering verifies per-task listing.
func TestFindByTaskOrdering(t *testing.T) {
	s, _ := newTestStore(t)

	s.LogArtifact("proj-1", "agent-1", "TASK-001", "a.md", domain.ArtifactDesign, []byte("a"), "")
	s.LogArtifact("proj-1", "agent-1", "TASK-001", "b.md", domain.ArtifactSpecification, []byte("b"), "")
	s.LogArtifact("proj-1", "agent-1", "TASK-002", "c.md", domain.ArtifactOther, []byte("c"), "")

	got, err := s.FindByTask("TASK-001")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 artifacts for TASK-001, got %d", len(got))
	}
}
