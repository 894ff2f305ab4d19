// Package agent defines the Agent bounded context.
// An Agent is an aggregate root representing a registered worker that
// connects to Marcus over the MCP tool surface and requests tasks.
package agent

import (
	"github.com/lwgray/marcus/pkg/domain"
)

// ---------------------------------------------------------------------------
// Agent aggregate root
// ---------------------------------------------------------------------------

// Agent is the aggregate root for a registered worker. It is kept in memory
// by agentsvc.Service for the lifetime of the process and persisted on every
// mutation; it is removed only on explicit deregistration.
type Agent struct {
	domain.AggregateRoot

	// Identity — id is caller-supplied at register_agent time, not
	// board-assigned (contrast with Task.ID).
	Name   string      `json:"name"`
	Role   string      `json:"role"`
	Skills domain.Tags `json:"skills"`

	// Capacity — maximum concurrent leases this agent may hold. Default 1.
	Capacity int `json:"capacity"`

	// State
	Status AgentStatus `json:"status"`

	// Metrics
	Metrics AgentMetrics `json:"metrics"`

	// Lifecycle
	RegisteredAt domain.Timestamp `json:"registered_at"`
	LastSeenAt   domain.Timestamp `json:"last_seen_at"`
}

// NewAgent creates a new Agent aggregate with the caller-supplied id.
// The id becomes the aggregate's EntityID directly (register_agent supplies
// it; it is not board-assigned like a Task id).
func NewAgent(id domain.EntityID, name, role string, skills domain.Tags) *Agent {
	a := &Agent{
		Name:         name,
		Role:         role,
		Skills:       skills,
		Capacity:     1,
		Status:       AgentActive,
		Metrics:      NewAgentMetrics(),
		RegisteredAt: domain.Now(),
		LastSeenAt:   domain.Now(),
	}
	a.SetID(id)
	a.RecordEvent(domain.NewEvent(domain.EventAgentRegistered, a.ID(), map[string]string{
		"agent": name,
		"role":  role,
	}))
	return a
}

// ---------------------------------------------------------------------------
// Agent behavior
// ---------------------------------------------------------------------------

// Reregister updates an existing agent's profile idempotently.
// Re-registration with the same id updates the profile but must preserve
// any outstanding lease — this method never touches leases, those live in
// the AssignmentStore keyed by agent id.
func (a *Agent) Reregister(name, role string, skills domain.Tags) {
	a.Name = name
	a.Role = role
	a.Skills = skills
	a.LastSeenAt = domain.Now()
}

// Touch records that the agent made a tool call, used by LeaseMonitor's
// liveness-ping check.
func (a *Agent) Touch() {
	a.LastSeenAt = domain.Now()
	a.RecordEvent(domain.NewEvent(domain.EventAgentSeen, a.ID(), nil))
}

// Deregister marks the agent inactive. Callers must release or reassign any
// outstanding leases before calling this — Deregister itself does not touch
// the AssignmentStore.
func (a *Agent) Deregister() {
	a.Status = AgentInactive
	a.RecordEvent(domain.NewEvent(domain.EventAgentDeregistered, a.ID(), map[string]string{
		"agent": a.Name,
	}))
}

// SetCapacity updates the agent's maximum concurrent lease count.
func (a *Agent) SetCapacity(n int) {
	if n < 1 {
		n = 1
	}
	a.Capacity = n
}

// RecordAssignment tracks a lease granted to this agent.
func (a *Agent) RecordAssignment() {
	a.Metrics.TasksAssigned++
}

// RecordCompletion tracks a task completed by this agent.
func (a *Agent) RecordCompletion() {
	a.Metrics.TasksCompleted++
}

// RecordFailure tracks a task failure reported by this agent.
func (a *Agent) RecordFailure() {
	a.Metrics.TasksFailed++
}

// ---------------------------------------------------------------------------
// Value objects
// ---------------------------------------------------------------------------

// AgentStatus represents the registration state of an agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

func (as AgentStatus) String() string { return string(as) }

// AgentMetrics tracks agent throughput for observability and for the
// Scheduler's capacity accounting.
type AgentMetrics struct {
	TasksAssigned  int64 `json:"tasks_assigned"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
}

// NewAgentMetrics creates zero-value metrics.
func NewAgentMetrics() AgentMetrics {
	return AgentMetrics{}
}

// ---------------------------------------------------------------------------
// Repository interface
// ---------------------------------------------------------------------------

// Repository defines persistence for Agent aggregates.
type Repository interface {
	FindByID(id domain.EntityID) (*Agent, error)
	FindAll() ([]*Agent, error)
	Save(agent *Agent) error
	Delete(id domain.EntityID) error
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

type AgentError string

func (e AgentError) Error() string { return string(e) }

const (
	ErrAgentNotFound      AgentError = "agent not found"
	ErrAgentNotRegistered AgentError = "agent is not registered"
	ErrCapacityExhausted  AgentError = "agent already holds capacity live leases"
)
