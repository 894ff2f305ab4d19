// Package decision defines the Decision and Artifact bounded contexts.
// Both are append-only logs keyed by (project_id, task_id). Decisions are
// never updated once written; artifacts.Store.Save upserts an Artifact's
// metadata row on (task_id, filename).
package decision

import (
	"github.com/lwgray/marcus/pkg/domain"
)

// Decision is an immutable record of a choice an agent made while working a
// task. Decisions are never updated once written.
type Decision struct {
	domain.AggregateRoot

	TaskID       domain.EntityID   `json:"task_id"`
	AgentID      domain.EntityID   `json:"agent_id"`
	What         string            `json:"what"`
	Why          string            `json:"why"`
	Impact       string            `json:"impact"`
	AffectsTasks []domain.EntityID `json:"affects_tasks,omitempty"`
	Timestamp    domain.Timestamp  `json:"timestamp"`
}

// NewDecision constructs an immutable Decision record.
func NewDecision(taskID, agentID domain.EntityID, what, why, impact string, affects []domain.EntityID) *Decision {
	d := &Decision{
		TaskID:       taskID,
		AgentID:      agentID,
		What:         what,
		Why:          why,
		Impact:       impact,
		AffectsTasks: affects,
		Timestamp:    domain.Now(),
	}
	d.SetID(domain.NewID())
	d.RecordEvent(domain.NewEvent(domain.EventDecisionLogged, d.ID(), map[string]string{
		"task_id":  taskID.String(),
		"agent_id": agentID.String(),
	}))
	return d
}

// Artifact is a file-backed deliverable an agent produced while working a
// task. Content lives on disk at a type-derived canonical location; this
// aggregate is the metadata row alongside it.
type Artifact struct {
	domain.AggregateRoot

	TaskID       domain.EntityID     `json:"task_id"`
	AgentID      domain.EntityID     `json:"agent_id"`
	Filename     string              `json:"filename"`
	Type         domain.ArtifactType `json:"type"`
	RelativePath string              `json:"relative_path"`
	SizeBytes    int64               `json:"size_bytes"`
	SHA256       string              `json:"sha256"`
	Description  string              `json:"description"`
	Timestamp    domain.Timestamp    `json:"timestamp"`
}

// NewArtifact constructs Artifact metadata. Content hashing and canonical
// path assignment happen in pkg/artifacts before this constructor runs.
func NewArtifact(taskID, agentID domain.EntityID, filename string, artifactType domain.ArtifactType, relativePath, sha256 string, size int64, description string) *Artifact {
	a := &Artifact{
		TaskID:       taskID,
		AgentID:      agentID,
		Filename:     filename,
		Type:         artifactType,
		RelativePath: relativePath,
		SizeBytes:    size,
		SHA256:       sha256,
		Description:  description,
		Timestamp:    domain.Now(),
	}
	a.SetID(domain.NewID())
	a.RecordEvent(domain.NewEvent(domain.EventArtifactLogged, a.ID(), map[string]string{
		"task_id":  taskID.String(),
		"filename": filename,
	}))
	return a
}

// DecisionRepository defines append-only persistence for Decision records.
// projectID is carried on Append for audit only — it is not used to filter
// FindByTask/FindAffecting.
type DecisionRepository interface {
	FindByTask(taskID domain.EntityID) ([]*Decision, error)
	FindAffecting(taskID domain.EntityID) ([]*Decision, error)
	Append(projectID domain.EntityID, d *Decision) error
}

// ArtifactRepository defines persistence for Artifact metadata rows.
type ArtifactRepository interface {
	FindByTask(taskID domain.EntityID) ([]*Artifact, error)
	FindByFilename(taskID domain.EntityID, filename string) (*Artifact, error)
	Save(a *Artifact) error
}
