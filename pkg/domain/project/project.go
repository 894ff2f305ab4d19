// Package project defines the Project bounded context. The ProjectRegistry
// (pkg/projectregistry) owns persistence; this package owns the aggregate's
// invariants.
package project

import (
	"github.com/lwgray/marcus/pkg/domain"
)

// Project is the aggregate root for a registered kanban board binding.
// Exactly one Project is any given caller's *active* project at a time,
// tracked by session.Session, not by Project itself.
type Project struct {
	domain.AggregateRoot

	Name     string          `json:"name"`
	Provider string          `json:"provider"` // e.g. "local", "github_projects", "planka", "linear"
	Config   domain.Metadata `json:"provider_config"`

	CreatedAt  domain.Timestamp `json:"created_at"`
	LastUsedAt domain.Timestamp `json:"last_used_at"`
}

// NewProject creates a new Project aggregate.
func NewProject(name, provider string, config domain.Metadata) *Project {
	p := &Project{
		Name:       name,
		Provider:   provider,
		Config:     config,
		CreatedAt:  domain.Now(),
		LastUsedAt: domain.Now(),
	}
	p.SetID(domain.NewID())
	p.RecordEvent(domain.NewEvent(domain.EventProjectCreated, p.ID(), map[string]string{
		"name":     name,
		"provider": provider,
	}))
	return p
}

// Touch records that the project was just addressed by a caller.
func (p *Project) Touch() {
	p.LastUsedAt = domain.Now()
}

// Repository defines persistence for Project aggregates.
type Repository interface {
	FindByID(id domain.EntityID) (*Project, error)
	FindByName(name string) (*Project, error)
	FindAll() ([]*Project, error)
	Save(p *Project) error
	Delete(id domain.EntityID) error
}

type ProjectError string

func (e ProjectError) Error() string { return string(e) }

const (
	ErrProjectNotFound ProjectError = "project not found"
	ErrNoActiveProject ProjectError = "no active project for this session"
	ErrDuplicateName   ProjectError = "a project with this name already exists"
)
