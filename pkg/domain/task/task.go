// Package task defines the Task bounded context — the unit of work Marcus
// hands out to agents. A Task's authoritative copy lives on the
// KanbanProvider; the TaskGraph keeps a denormalized in-memory view built
// from it.
package task

import (
	"github.com/lwgray/marcus/pkg/domain"
)

// ---------------------------------------------------------------------------
// Task aggregate root
// ---------------------------------------------------------------------------

// Task is the aggregate root for a unit of work. Unlike most aggregates in
// this codebase its ID is board-assigned (by the KanbanProvider), not
// generated locally — see NewTask.
type Task struct {
	domain.AggregateRoot

	ProjectID   domain.EntityID `json:"project_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`

	Status   domain.TaskStatus `json:"status"`
	Phase    domain.Phase      `json:"phase"`
	Priority domain.Priority   `json:"priority"`

	RequiredSkills domain.Tags `json:"required_skills"`
	EstimatedHours float64     `json:"estimated_hours"`

	// Dependencies is the ordered list of task ids that must be DONE before
	// this task is ready. The DAG these form is immutable once cycles are
	// resolved by the graph builder.
	Dependencies []domain.EntityID `json:"dependencies"`

	ParentID     domain.EntityID `json:"parent_id,omitempty"`
	SubtaskIndex int             `json:"subtask_index,omitempty"`

	// Constraint labels carried verbatim from ProjectBuilder (e.g.
	// "vanilla-js", "no-orm") so prompts reaching agents include them.
	Labels domain.Tags `json:"labels,omitempty"`

	Assignee domain.EntityID `json:"assignee,omitempty"`

	CreatedAt   domain.Timestamp  `json:"created_at"`
	UpdatedAt   domain.Timestamp  `json:"updated_at"`
	StartedAt   *domain.Timestamp `json:"started_at,omitempty"`
	CompletedAt *domain.Timestamp `json:"completed_at,omitempty"`
}

// NewTask constructs a Task with a board-assigned id (obtained from the
// KanbanProvider's CreateTask call before this constructor runs).
func NewTask(id domain.EntityID, projectID domain.EntityID, name, description string) *Task {
	t := &Task{
		ProjectID:      projectID,
		Name:           name,
		Description:    description,
		Status:         domain.StatusTODO,
		Phase:          domain.PhaseImplement,
		Priority:       domain.PriorityMedium,
		Dependencies:   make([]domain.EntityID, 0),
		RequiredSkills: make(domain.Tags, 0),
		CreatedAt:      domain.Now(),
		UpdatedAt:      domain.Now(),
	}
	t.SetID(id)
	t.RecordEvent(domain.NewEvent(domain.EventTaskCreated, t.ID(), map[string]string{
		"project_id": projectID.String(),
		"name":       name,
	}))
	return t
}

// ---------------------------------------------------------------------------
// Task behavior
// ---------------------------------------------------------------------------

// Ready reports whether the task is TODO and dependencyDone reports every
// dependency as DONE — dependencyDone is a lookup the TaskGraph provides
// (graph.FeatureCluster / graph.TaskGraph own the actual status lookups;
// Task itself stays storage-agnostic).
func (t *Task) Ready(dependencyDone func(domain.EntityID) bool) bool {
	if t.Status != domain.StatusTODO {
		return false
	}
	for _, dep := range t.Dependencies {
		if !dependencyDone(dep) {
			return false
		}
	}
	return true
}

// Claim transitions TODO -> IN_PROGRESS and records the assignee. The
// caller (AssignmentStore/Scheduler) is responsible for the matching Lease;
// Task only tracks the denormalized assignee field used by the graph and
// kanban mirror.
func (t *Task) Claim(agentID domain.EntityID) {
	t.Status = domain.StatusInProgress
	t.Assignee = agentID
	now := domain.Now()
	t.StartedAt = &now
	t.UpdatedAt = now
	t.RecordEvent(domain.NewEvent(domain.EventTaskClaimed, t.ID(), map[string]string{
		"agent_id": agentID.String(),
	}))
}

// Block transitions IN_PROGRESS -> BLOCKED without releasing the assignee —
// used by report_task_progress(status=blocked); the lease is untouched.
func (t *Task) Block() {
	t.Status = domain.StatusBlocked
	t.UpdatedAt = domain.Now()
	t.RecordEvent(domain.NewEvent(domain.EventTaskBlocked, t.ID(), nil))
}

// Unblock transitions BLOCKED back to IN_PROGRESS.
func (t *Task) Unblock() {
	t.Status = domain.StatusInProgress
	t.UpdatedAt = domain.Now()
}

// Complete transitions to DONE. Idempotent: completing an already-DONE task
// is a no-op.
func (t *Task) Complete() {
	if t.Status == domain.StatusDone {
		return
	}
	t.Status = domain.StatusDone
	t.Assignee = ""
	now := domain.Now()
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.RecordEvent(domain.NewEvent(domain.EventTaskCompleted, t.ID(), nil))
}

// Reset transitions back to TODO, clearing the assignee — used for
// release_task, lease expiry reclamation, and failed-with-retry.
func (t *Task) Reset(eventType domain.EventType) {
	t.Status = domain.StatusTODO
	t.Assignee = ""
	t.UpdatedAt = domain.Now()
	t.RecordEvent(domain.NewEvent(eventType, t.ID(), nil))
}

// ---------------------------------------------------------------------------
// Repository interface
// ---------------------------------------------------------------------------

// Repository defines persistence for Task aggregates. The canonical
// implementation is a KanbanProvider adapter (pkg/kanban), not a generic
// JSON store — the board is the durable truth for tasks.
type Repository interface {
	FindByID(id domain.EntityID) (*Task, error)
	FindByProject(projectID domain.EntityID) ([]*Task, error)
	Save(t *Task) error
	Delete(id domain.EntityID) error
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

type TaskError string

func (e TaskError) Error() string { return string(e) }

const (
	ErrTaskNotFound      TaskError = "task not found"
	ErrCyclicDependency  TaskError = "dependency graph contains a cycle"
	ErrNotTaskOwner      TaskError = "agent does not hold the lease for this task"
	ErrDependencyPending TaskError = "task has pending dependencies"
)
