// Package kanban abstracts task CRUD/status/comments over heterogeneous
// external boards behind one Provider contract, so GitHub Projects / Planka
// / Linear adapters can sit next to the embedded LocalProvider. Adapters
// translate their own column vocabulary to the canonical four statuses.
package kanban

import (
	"context"
	"fmt"
	"time"

	"github.com/lwgray/marcus/pkg/domain"
)

// TaskSpec describes a task to be created on the board. ProjectBuilder
// produces these from PRDParser output.
type TaskSpec struct {
	Name           string
	Description    string
	Phase          domain.Phase
	Priority       domain.Priority
	RequiredSkills domain.Tags
	EstimatedHours float64
	Dependencies   []domain.EntityID // references to previously created specs in the same batch
	ParentID       domain.EntityID
	SubtaskIndex   int
	Labels         domain.Tags
}

// BoardTask is the provider-facing task shape; adapters translate their own
// column vocabulary into the canonical domain.TaskStatus before returning
// these.
type BoardTask struct {
	ID             domain.EntityID
	ProjectID      domain.EntityID
	Name           string
	Description    string
	Status         domain.TaskStatus
	Phase          domain.Phase
	Priority       domain.Priority
	RequiredSkills domain.Tags
	EstimatedHours float64
	Dependencies   []domain.EntityID
	ParentID       domain.EntityID
	SubtaskIndex   int
	Labels         domain.Tags
	Assignee       domain.EntityID
	CreatedAt      domain.Timestamp
	UpdatedAt      domain.Timestamp
	// CodeRefs holds provider-exposed references to past work (e.g.
	// merged-PR URLs) when the provider supports it — surfaced by
	// ContextService as prior implementations. Nil when the provider has no
	// such concept.
	CodeRefs []string
}

// Provider is the contract every kanban backend implements.
// All operations fail with IntegrationError when the remote is unreachable,
// malformed, or rejects the call.
type Provider interface {
	Name() string
	ListTasks(ctx context.Context, projectID domain.EntityID) ([]*BoardTask, error)
	GetTask(ctx context.Context, id domain.EntityID) (*BoardTask, error)
	CreateTask(ctx context.Context, projectID domain.EntityID, spec TaskSpec) (domain.EntityID, error)
	UpdateStatus(ctx context.Context, id domain.EntityID, status domain.TaskStatus) error
	AssignTask(ctx context.Context, id domain.EntityID, agentID domain.EntityID) error
	UnassignTask(ctx context.Context, id domain.EntityID) error
	AddComment(ctx context.Context, id domain.EntityID, text string) error
}

// ProjectCreator is an optional capability: providers that can provision a
// board for a brand-new project implement this. LocalProvider does; most
// remote adapters require the board to already exist and do not.
type ProjectCreator interface {
	CreateProject(ctx context.Context, name string, options domain.Metadata) (domain.EntityID, error)
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// IntegrationError wraps a KanbanProvider failure. Retryable distinguishes
// a transient 5xx/timeout (retried with jitter) from a 4xx or conflict
// (never retried — the caller must re-pick).
type IntegrationError struct {
	Provider  string
	Op        string
	Err       error
	Retryable bool
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("kanban[%s] %s: %v", e.Provider, e.Op, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// ErrKanbanUnavailable is returned by BreakerManager when the circuit for a
// provider endpoint is open.
var ErrKanbanUnavailable = fmt.Errorf("kanban provider unavailable: circuit open")

// DefaultCallTimeout is the deadline applied to outbound kanban writes
// unless the caller supplies a shorter one.
const DefaultCallTimeout = 30 * time.Second
