package kanban

import (
	"context"
	"testing"

	"github.com/lwgray/marcus/pkg/domain"
)

// TestGitHubProviderRequiresCredentials verifies construction rejects a
// missing token or owner.
func TestGitHubProviderRequiresCredentials(t *testing.T) {
	if _, err := NewGitHubProjectsProvider(map[string]string{"owner": "acme"}); err == nil {
		t.Fatal("expected an error for a missing token")
	}
	if _, err := NewGitHubProjectsProvider(map[string]string{"token": "tok"}); err == nil {
		t.Fatal("expected an error for a missing owner")
	}
}

// TestGitHubWritesFailWithoutFieldConfig verifies status/assignee writes on
// a board with no configured field ids fail fast with a non-retryable
// error instead of silently succeeding.
func TestGitHubWritesFailWithoutFieldConfig(t *testing.T) {
	p, err := NewGitHubProjectsProvider(map[string]string{"token": "tok", "owner": "acme"})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	ctx := context.Background()

	for name, call := range map[string]func() error{
		"UpdateStatus": func() error { return p.UpdateStatus(ctx, "item-1", domain.StatusDone) },
		"AssignTask":   func() error { return p.AssignTask(ctx, "item-1", "agent-1") },
		"UnassignTask": func() error { return p.UnassignTask(ctx, "item-1") },
	} {
		err := call()
		if err == nil {
			t.Fatalf("%s should fail without field configuration", name)
		}
		ie, ok := err.(*IntegrationError)
		if !ok {
			t.Fatalf("%s: expected IntegrationError, got %T", name, err)
		}
		if ie.Retryable {
			t.Errorf("%s: a missing field id is a configuration problem, not retryable", name)
		}
	}
}
