// Package mcptool implements the MCP tool surface: the ToolDispatcher that
// fronts every agent-facing operation, plus the per-project runtime state
// (TaskGraph, KanbanProvider, ContextService) each tool call needs.
package mcptool

import (
	"fmt"
	"sync"

	"github.com/lwgray/marcus/pkg/artifacts"
	"github.com/lwgray/marcus/pkg/assignment"
	"github.com/lwgray/marcus/pkg/contextsvc"
	"github.com/lwgray/marcus/pkg/decisionlog"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/domain/project"
	"github.com/lwgray/marcus/pkg/graph"
	"github.com/lwgray/marcus/pkg/kanban"
	"github.com/lwgray/marcus/pkg/logger"
)

// ProjectRuntime bundles the per-project live objects a tool call needs once
// a Project has been resolved: its TaskGraph, the KanbanProvider instance
// bound to that project's provider_config, and the ContextService/
// decisionlog.Service built on top of both.
type ProjectRuntime struct {
	Provider kanban.Provider
	Graph    *graph.TaskGraph
	Context  *contextsvc.Service
	Decision *decisionlog.Service
}

// Runtimes lazily constructs and caches a ProjectRuntime per project id,
// built from the global kanban provider registry the first time a project
// is touched. It also answers leasemonitor.ProjectGraphs, so LeaseMonitor
// and ToolDispatcher share one source of truth for "which project owns this
// task".
type Runtimes struct {
	kanbanRegistry *kanban.Registry
	decisions      *decisionlog.Store
	artifactStore  *artifacts.Store
	assignment     *assignment.Store

	mu    sync.RWMutex
	byID  map[domain.EntityID]*ProjectRuntime
	owner map[domain.EntityID]domain.EntityID // task id -> project id, populated on Rebuild
	log   *logger.Logger
}

// NewRuntimes wires the shared, cross-project infrastructure every
// ProjectRuntime is built from.
func NewRuntimes(kanbanRegistry *kanban.Registry, decisions *decisionlog.Store, artifactStore *artifacts.Store, assignmentStore *assignment.Store) *Runtimes {
	return &Runtimes{
		kanbanRegistry: kanbanRegistry,
		decisions:      decisions,
		artifactStore:  artifactStore,
		assignment:     assignmentStore,
		byID:           make(map[domain.EntityID]*ProjectRuntime),
		owner:          make(map[domain.EntityID]domain.EntityID),
		log:            logger.Get("mcptool.runtime"),
	}
}

// GetOrBuild returns the cached ProjectRuntime for p, constructing the
// KanbanProvider/TaskGraph/ContextService/decisionlog.Service the first time
// p is touched by any tool call.
func (r *Runtimes) GetOrBuild(p *project.Project) (*ProjectRuntime, error) {
	r.mu.RLock()
	rt, ok := r.byID[p.ID()]
	r.mu.RUnlock()
	if ok {
		return rt, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.byID[p.ID()]; ok { // re-check under write lock
		return rt, nil
	}

	provider, err := r.kanbanRegistry.Build(p.Provider, map[string]string(p.Config))
	if err != nil {
		return nil, fmt.Errorf("build kanban provider %q: %w", p.Provider, err)
	}
	g := graph.New(p.ID(), provider)
	ctxsvc := contextsvc.New(g, r.decisions, r.artifactStore, provider)
	decisionSvc := decisionlog.NewService(r.decisions, r.assignment, provider)

	rt = &ProjectRuntime{Provider: provider, Graph: g, Context: ctxsvc, Decision: decisionSvc}
	r.byID[p.ID()] = rt
	r.log.InfoF("project runtime built", map[string]interface{}{"project_id": p.ID().String(), "provider": p.Provider})
	return rt, nil
}

// Invalidate drops a cached runtime, forcing the next GetOrBuild to
// reconstruct it.
func (r *Runtimes) Invalidate(projectID domain.EntityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, projectID)
}

// NoteTaskOwners records which project every task in ids belongs to, called
// after every successful TaskGraph.Rebuild so FindByTask stays current.
func (r *Runtimes) NoteTaskOwners(projectID domain.EntityID, ids []domain.EntityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.owner[id] = projectID
	}
}

// FindByTask implements leasemonitor.ProjectGraphs: resolve a task id to its
// project's TaskGraph and KanbanProvider.
func (r *Runtimes) FindByTask(taskID domain.EntityID) (*graph.TaskGraph, kanban.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	projectID, ok := r.owner[taskID]
	if !ok {
		return nil, nil, false
	}
	rt, ok := r.byID[projectID]
	if !ok {
		return nil, nil, false
	}
	return rt.Graph, rt.Provider, true
}
