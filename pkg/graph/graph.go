// Package graph maintains the denormalized in-memory TaskGraph:
// forward/reverse dependency adjacency, depth, and a live ready_tasks set,
// built from whatever a KanbanProvider.ListTasks returns.
package graph

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/domain/task"
	"github.com/lwgray/marcus/pkg/kanban"
	"github.com/lwgray/marcus/pkg/logger"
)

// node is the graph's per-task bookkeeping layered on top of *task.Task.
type node struct {
	task       *task.Task
	dependents []domain.EntityID // reverse adjacency
	depth      int               // longest path from a root
}

// FeatureCluster groups tasks that share a parent or a common label so the
// scheduler can enforce phase safety across a whole feature even when an
// explicit dependency edge is missing.
type FeatureCluster struct {
	Key   string // parent id, or a shared label when there is no parent
	Tasks []domain.EntityID
}

// TaskGraph is the per-project denormalized view. One instance guards one
// project's tasks behind a single RWMutex; writers are graph rebuilds and
// status transitions, everything else reads.
type TaskGraph struct {
	projectID domain.EntityID
	provider  kanban.Provider

	mu         sync.RWMutex
	nodes      map[domain.EntityID]*node
	readyTasks map[domain.EntityID]struct{}
	clusters   map[string]*FeatureCluster

	rebuildGroup singleflight.Group
	log          *logger.Logger
}

// New constructs an empty TaskGraph bound to a project and the provider it
// reconciles against.
func New(projectID domain.EntityID, provider kanban.Provider) *TaskGraph {
	return &TaskGraph{
		projectID:  projectID,
		provider:   provider,
		nodes:      make(map[domain.EntityID]*node),
		readyTasks: make(map[domain.EntityID]struct{}),
		clusters:   make(map[string]*FeatureCluster),
		log:        logger.Get("graph"),
	}
}

// Rebuild pulls the authoritative task list from the KanbanProvider and
// recomputes adjacency, depth, clusters, and ready_tasks. Concurrent
// Rebuild calls for the same graph collapse into one in-flight fetch via
// singleflight.
func (g *TaskGraph) Rebuild(ctx context.Context) error {
	_, err, _ := g.rebuildGroup.Do(string(g.projectID), func() (interface{}, error) {
		boardTasks, err := g.provider.ListTasks(ctx, g.projectID)
		if err != nil {
			return nil, err
		}

		nodes := make(map[domain.EntityID]*node, len(boardTasks))
		for _, bt := range boardTasks {
			t := task.NewTask(bt.ID, bt.ProjectID, bt.Name, bt.Description)
			t.Status = bt.Status
			t.Phase = bt.Phase
			t.Priority = bt.Priority
			t.RequiredSkills = bt.RequiredSkills
			t.EstimatedHours = bt.EstimatedHours
			t.Dependencies = bt.Dependencies
			t.ParentID = bt.ParentID
			t.SubtaskIndex = bt.SubtaskIndex
			t.Labels = bt.Labels
			t.Assignee = bt.Assignee
			t.CreatedAt = bt.CreatedAt
			t.UpdatedAt = bt.UpdatedAt
			nodes[bt.ID] = &node{task: t}
		}

		inferDependencies(nodes)
		breakCycles(nodes, g.log)
		computeReverseAdjacency(nodes)
		computeDepth(nodes)
		clusters := computeClusters(nodes)
		ready := computeReady(nodes)

		g.mu.Lock()
		g.nodes = nodes
		g.clusters = clusters
		g.readyTasks = ready
		g.mu.Unlock()

		g.log.InfoF("graph rebuilt", map[string]interface{}{
			"project_id": g.projectID.String(), "tasks": len(nodes), "ready": len(ready),
		})
		return nil, nil
	})
	return err
}

// ProjectID returns the project this graph was built for.
func (g *TaskGraph) ProjectID() domain.EntityID { return g.projectID }

// Task returns the current in-memory copy of a task.
func (g *TaskGraph) Task(id domain.EntityID) (*task.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.task, true
}

// ReadyUnassigned returns every ready task with no current assignee,
// sorted by task id for deterministic downstream iteration. This is the
// scheduler's pre-scoring candidate set.
func (g *TaskGraph) ReadyUnassigned() []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*task.Task, 0, len(g.readyTasks))
	for id := range g.readyTasks {
		n := g.nodes[id]
		if n.task.Assignee == "" {
			out = append(out, n.task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// AllTasks returns every task currently in the graph, sorted by id. Used by
// the scheduler's blocker-collection pass, which needs the
// full TODO set rather than just the ready-and-unassigned subset.
func (g *TaskGraph) AllTasks() []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*task.Task, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Dependents returns the reverse-adjacency list for id.
func (g *TaskGraph) Dependents(id domain.EntityID) []domain.EntityID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return append([]domain.EntityID(nil), n.dependents...)
	}
	return nil
}

// Depth returns the longest-path-from-a-root depth for id.
func (g *TaskGraph) Depth(id domain.EntityID) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return n.depth
	}
	return 0
}

// ClusterOf returns the FeatureCluster a task belongs to, used by the
// scheduler's phase-safety filter.
func (g *TaskGraph) ClusterOf(id domain.EntityID) (*FeatureCluster, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	key := clusterKey(n.task)
	c, ok := g.clusters[key]
	return c, ok
}

// MarkTransition updates a task's denormalized state in place and
// recomputes ready_tasks incrementally — called by the scheduler/assignment
// flow instead of a full Rebuild on every status change. A task enters
// ready_tasks when its last outstanding dependency transitions to DONE.
func (g *TaskGraph) MarkTransition(id domain.EntityID, status domain.TaskStatus, assignee domain.EntityID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return
	}
	n.task.Status = status
	n.task.Assignee = assignee

	if status == domain.StatusDone {
		delete(g.readyTasks, id)
		for _, depID := range n.dependents {
			dn, ok := g.nodes[depID]
			if !ok {
				continue
			}
			if dn.task.Status == domain.StatusTODO && g.allDepsDone(dn.task) {
				g.readyTasks[depID] = struct{}{}
			}
		}
		return
	}

	if status == domain.StatusTODO && g.allDepsDone(n.task) {
		g.readyTasks[id] = struct{}{}
	} else {
		delete(g.readyTasks, id)
	}
}

func (g *TaskGraph) allDepsDone(t *task.Task) bool {
	for _, dep := range t.Dependencies {
		dn, ok := g.nodes[dep]
		if !ok || dn.task.Status != domain.StatusDone {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Build-time helpers
// ---------------------------------------------------------------------------

// inferDependencies fills in edges the provider didn't supply explicitly,
// using phase ordering and name/label matching.
func inferDependencies(nodes map[domain.EntityID]*node) {
	for _, n := range nodes {
		if len(n.task.Dependencies) > 0 {
			continue
		}
		for otherID, other := range nodes {
			if otherID == n.task.ID() {
				continue
			}
			if clusterKey(n.task) != clusterKey(other.task) {
				continue
			}
			if other.task.Phase.Rank() < n.task.Phase.Rank() {
				n.task.Dependencies = append(n.task.Dependencies, otherID)
				continue
			}
			if n.task.Phase == domain.PhaseTest && other.task.Phase == domain.PhaseImplement &&
				containsName(n.task.Name, other.task.Name) {
				n.task.Dependencies = append(n.task.Dependencies, otherID)
			}
		}
	}
}

func containsName(testName, implName string) bool {
	return len(implName) > 0 && len(testName) >= len(implName) &&
		indexOfFold(testName, implName) >= 0
}

func indexOfFold(haystack, needle string) int {
	hl, nl := len(haystack), len(needle)
	if nl == 0 || nl > hl {
		return -1
	}
	for i := 0; i+nl <= hl; i++ {
		if equalFold(haystack[i:i+nl], needle) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// breakCycles runs a DFS cycle detector and drops the lower-priority edge
// of any cycle found, recording a warning. Edge priority is the priority of
// the task the edge points at, so a high-priority task is preferentially
// kept unblocked: in an URGENT<->LOW pair, the edge that would gate the
// URGENT task on the LOW one is the edge that goes.
func breakCycles(nodes map[domain.EntityID]*node, log *logger.Logger) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[domain.EntityID]int, len(nodes))

	var visit func(id domain.EntityID) bool
	visit = func(id domain.EntityID) bool {
		color[id] = gray
		n, ok := nodes[id]
		if ok {
			for i := 0; i < len(n.task.Dependencies); i++ {
				dep := n.task.Dependencies[i]
				if color[dep] == gray {
					if dropLowerPriorityEdge(nodes, id, dep, log) {
						n.task.Dependencies = append(n.task.Dependencies[:i], n.task.Dependencies[i+1:]...)
						i--
					}
					continue
				}
				if color[dep] == white {
					if visit(dep) {
						return true
					}
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range nodes {
		if color[id] == white {
			visit(id)
		}
	}
}

// dropLowerPriorityEdge breaks a cycle closed by the back edge from->to.
// When the cycle is a reciprocal pair, the edge pointing at the
// lower-priority task is removed; the function returns true if that was
// from's own edge (the caller splices it out of the slice it is iterating),
// or removes to's reciprocal edge in place and returns false. Longer cycles
// have only the back edge to offer, so it is the one dropped.
func dropLowerPriorityEdge(nodes map[domain.EntityID]*node, from, to domain.EntityID, log *logger.Logger) bool {
	fromNode, toNode := nodes[from], nodes[to]

	reciprocal := -1
	for i, dep := range toNode.task.Dependencies {
		if dep == from {
			reciprocal = i
			break
		}
	}

	// from->to points at to; to->from points at from. Keep the edge that
	// gates work on the higher-priority task.
	if reciprocal >= 0 && fromNode.task.Priority.Rank() < toNode.task.Priority.Rank() {
		toNode.task.Dependencies = append(toNode.task.Dependencies[:reciprocal], toNode.task.Dependencies[reciprocal+1:]...)
		log.WarnF("dependency cycle detected, dropping lower-priority edge", map[string]interface{}{
			"from": to.String(), "to": from.String(),
		})
		return false
	}

	log.WarnF("dependency cycle detected, dropping lower-priority edge", map[string]interface{}{
		"from": from.String(), "to": to.String(),
	})
	return true
}

func computeReverseAdjacency(nodes map[domain.EntityID]*node) {
	for id, n := range nodes {
		for _, dep := range n.task.Dependencies {
			if dn, ok := nodes[dep]; ok {
				dn.dependents = append(dn.dependents, id)
			}
		}
	}
}

func computeDepth(nodes map[domain.EntityID]*node) {
	memo := make(map[domain.EntityID]int, len(nodes))
	var depthOf func(id domain.EntityID, visiting map[domain.EntityID]bool) int
	depthOf = func(id domain.EntityID, visiting map[domain.EntityID]bool) int {
		if d, ok := memo[id]; ok {
			return d
		}
		n, ok := nodes[id]
		if !ok || visiting[id] {
			return 0
		}
		visiting[id] = true
		max := 0
		for _, dep := range n.task.Dependencies {
			if d := depthOf(dep, visiting) + 1; d > max {
				max = d
			}
		}
		visiting[id] = false
		memo[id] = max
		return max
	}
	for id, n := range nodes {
		n.depth = depthOf(id, make(map[domain.EntityID]bool))
	}
}

func clusterKey(t *task.Task) string {
	if t.ParentID != "" {
		return "parent:" + t.ParentID.String()
	}
	if len(t.Labels) > 0 {
		return "label:" + string(t.Labels[0])
	}
	return "task:" + t.ID().String()
}

func computeClusters(nodes map[domain.EntityID]*node) map[string]*FeatureCluster {
	clusters := make(map[string]*FeatureCluster)
	for id, n := range nodes {
		key := clusterKey(n.task)
		c, ok := clusters[key]
		if !ok {
			c = &FeatureCluster{Key: key}
			clusters[key] = c
		}
		c.Tasks = append(c.Tasks, id)
	}
	return clusters
}

func computeReady(nodes map[domain.EntityID]*node) map[domain.EntityID]struct{} {
	ready := make(map[domain.EntityID]struct{})
	for id, n := range nodes {
		if n.task.Status != domain.StatusTODO {
			continue
		}
		ok := true
		for _, dep := range n.task.Dependencies {
			dn, found := nodes[dep]
			if !found || dn.task.Status != domain.StatusDone {
				ok = false
				break
			}
		}
		if ok {
			ready[id] = struct{}{}
		}
	}
	return ready
}
