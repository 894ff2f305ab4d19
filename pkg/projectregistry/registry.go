// Package projectregistry implements the ProjectRegistry: a persistent
// catalog of Projects plus per-caller active-project selection, persisted
// as small JSON documents since both aggregates are tiny and low-churn.
package projectregistry

import (
	"fmt"
	"sync"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/domain/project"
	"github.com/lwgray/marcus/pkg/domain/session"
	"github.com/lwgray/marcus/pkg/infrastructure/persistence"
	"github.com/lwgray/marcus/pkg/logger"
)

// NoActiveProjectError is returned by GetActive when the caller has not
// selected a project yet. The Dispatcher surfaces Hints verbatim so the
// calling agent can self-correct without parsing an error string.
type NoActiveProjectError struct {
	CallerID string
	Hints    []string
}

func (e *NoActiveProjectError) Error() string {
	return fmt.Sprintf("no active project for caller %s", e.CallerID)
}

// Registry is the persistent Project catalog plus per-caller active-project
// tracking. One Registry instance is shared process-wide; unlike
// AssignmentStore and TaskGraph, project selection is caller-scoped, not
// project-scoped, so it needs no per-project locking of its own beyond what
// JSONStore already serializes internally.
type Registry struct {
	projects *persistence.JSONStore[project.Project]
	sessions *persistence.JSONStore[session.Session]

	mu          sync.RWMutex
	callerIndex map[string]domain.EntityID // caller_id -> session id, avoids a directory scan per lookup

	log *logger.Logger
}

// New opens the project and session JSON stores rooted at projectsDir and
// sessionsDir (typically "<workspace>/data/projects" and "<workspace>/data/sessions").
func New(projectsDir, sessionsDir string) (*Registry, error) {
	r := &Registry{
		projects:    persistence.NewJSONStore[project.Project](projectsDir),
		sessions:    persistence.NewJSONStore[session.Session](sessionsDir),
		callerIndex: make(map[string]domain.EntityID),
		log:         logger.Get("projectregistry"),
	}
	if err := r.projects.Load(); err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}
	if err := r.sessions.Load(); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for _, s := range r.sessions.All() {
		r.callerIndex[s.CallerID] = s.ID()
	}
	return r, nil
}

// Add registers a new Project and persists it.
func (r *Registry) Add(name, provider string, config domain.Metadata) (*project.Project, error) {
	if existing, _ := r.FindByName(name); existing != nil {
		return nil, project.ErrDuplicateName
	}
	p := project.NewProject(name, provider, config)
	if err := r.projects.Put(p.ID(), p); err != nil {
		return nil, fmt.Errorf("persist project: %w", err)
	}
	r.log.InfoF("project added", map[string]interface{}{"project_id": p.ID().String(), "name": name})
	return p, nil
}

// Remove deletes a project from the catalog. Any caller whose active
// project was this one is left pointing at a now-dangling id; GetActive
// surfaces that as ErrProjectNotFound on next use.
func (r *Registry) Remove(id domain.EntityID) error {
	if !r.projects.Remove(id) {
		return project.ErrProjectNotFound
	}
	r.log.InfoF("project removed", map[string]interface{}{"project_id": id.String()})
	return nil
}

// List returns every registered project.
func (r *Registry) List() []*project.Project {
	return r.projects.All()
}

// Get returns a project by id.
func (r *Registry) Get(id domain.EntityID) (*project.Project, error) {
	p, ok := r.projects.Get(id)
	if !ok {
		return nil, project.ErrProjectNotFound
	}
	return p, nil
}

// FindByName returns a project by exact name match, or nil if none exists.
func (r *Registry) FindByName(name string) (*project.Project, error) {
	for _, p := range r.projects.All() {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, nil
}

// Switch sets callerID's active project to projectID, creating the caller's
// Session record on first use.
func (r *Registry) Switch(callerID string, projectID domain.EntityID) (*project.Project, error) {
	p, ok := r.projects.Get(projectID)
	if !ok {
		return nil, project.ErrProjectNotFound
	}

	sess, err := r.sessionFor(callerID)
	if err != nil {
		return nil, err
	}
	sess.SetActiveProject(projectID)
	if err := r.sessions.Put(sess.ID(), sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	p.Touch()
	if err := r.projects.Put(p.ID(), p); err != nil {
		return nil, fmt.Errorf("persist project: %w", err)
	}
	r.log.InfoF("active project switched", map[string]interface{}{"caller_id": callerID, "project_id": projectID.String()})
	return p, nil
}

// GetActive returns the caller's active project, or NoActiveProjectError
// with actionable hints if none is selected.
func (r *Registry) GetActive(callerID string) (*project.Project, error) {
	sess, ok := r.existingSession(callerID)
	if !ok || !sess.HasActiveProject() {
		return nil, &NoActiveProjectError{
			CallerID: callerID,
			Hints:    []string{"list_projects", "add_project", "create_project"},
		}
	}
	p, ok := r.projects.Get(sess.ActiveProjectID)
	if !ok {
		return nil, project.ErrProjectNotFound
	}
	return p, nil
}

func (r *Registry) existingSession(callerID string) (*session.Session, bool) {
	r.mu.RLock()
	id, ok := r.callerIndex[callerID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.sessions.Get(id)
}

func (r *Registry) sessionFor(callerID string) (*session.Session, error) {
	if sess, ok := r.existingSession(callerID); ok {
		return sess, nil
	}
	sess := session.NewSession(callerID)
	r.mu.Lock()
	r.callerIndex[callerID] = sess.ID()
	r.mu.Unlock()
	if err := r.sessions.Put(sess.ID(), sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	return sess, nil
}

var _ project.Repository = (*projectRepoAdapter)(nil)

// projectRepoAdapter satisfies project.Repository on top of JSONStore for
// callers (e.g. ProjectBuilder) that want the narrower domain interface
// instead of the full Registry surface.
type projectRepoAdapter struct{ r *Registry }

func (a *projectRepoAdapter) FindByID(id domain.EntityID) (*project.Project, error) { return a.r.Get(id) }
func (a *projectRepoAdapter) FindByName(name string) (*project.Project, error)       { return a.r.FindByName(name) }
func (a *projectRepoAdapter) FindAll() ([]*project.Project, error)                  { return a.r.List(), nil }
func (a *projectRepoAdapter) Save(p *project.Project) error                         { return a.r.projects.Put(p.ID(), p) }
func (a *projectRepoAdapter) Delete(id domain.EntityID) error                       { return a.r.Remove(id) }

// AsRepository exposes the Registry as a project.Repository.
func (r *Registry) AsRepository() project.Repository { return &projectRepoAdapter{r: r} }
