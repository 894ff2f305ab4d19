// Package scheduler implements the pick-next-task algorithm:
// filter the TaskGraph's ready/unassigned tasks, apply the phase-safety
// override, score and tie-break candidates, attempt an atomic lease, mirror
// the claim to the KanbanProvider, and assemble the assignment preamble.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lwgray/marcus/pkg/assignment"
	"github.com/lwgray/marcus/pkg/contextsvc"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/domain/agent"
	"github.com/lwgray/marcus/pkg/domain/task"
	"github.com/lwgray/marcus/pkg/graph"
	"github.com/lwgray/marcus/pkg/kanban"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/metrics"
	"github.com/lwgray/marcus/pkg/retryplanner"
)

// maxClaimRetries bounds how many candidates the scheduler will try to
// claim before giving up on this request.
const maxClaimRetries = 5

// Assignment is the successful result of RequestNextTask.
type Assignment struct {
	Task     *task.Task
	Preamble *contextsvc.Preamble
}

// NoTask is returned when no task could be assigned this round.
type NoTask struct {
	RetryAfter time.Duration
	Reason     string
}

// Project bundles everything the Scheduler needs scoped to a single
// project: its TaskGraph, ContextService, and (project-scoped) lease-claim
// parameters all key off the same project id.
type Project struct {
	ID       domain.EntityID
	Graph    *graph.TaskGraph
	Context  *contextsvc.Service
	Provider kanban.Provider
}

// Scheduler picks the next task for an agent within one project at a time;
// callers hold one Scheduler per server process, scoped per request by the
// Project passed to RequestNextTask.
type Scheduler struct {
	assignment *assignment.Store
	leaseMin   time.Duration
	leaseMax   time.Duration
	log        *logger.Logger
}

// Option configures non-default Scheduler behavior.
type Option func(*Scheduler)

// WithLeaseBounds overrides the default 30min/24h lease-duration bounds.
func WithLeaseBounds(min, max time.Duration) Option {
	return func(s *Scheduler) { s.leaseMin, s.leaseMax = min, max }
}

// New constructs a Scheduler bound to the shared AssignmentStore.
func New(assignmentStore *assignment.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		assignment: assignmentStore,
		leaseMin:   assignment.DefaultMinLease,
		leaseMax:   assignment.DefaultMaxLease,
		log:        logger.Get("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestNextTask runs the full assignment pipeline for one project:
// capacity check, candidate filter, scoring, claim, kanban mirror, preamble.
func (s *Scheduler) RequestNextTask(ctx context.Context, proj *Project, a *agent.Agent) (*Assignment, *NoTask, error) {
	start := time.Now()
	defer func() { metrics.ObserveSchedulerDecision(proj.ID.String(), time.Since(start).Seconds()) }()

	// Step 1: capacity check.
	live, err := s.assignment.ListByAgent(a.ID(), time.Now().UTC())
	if err != nil {
		return nil, nil, fmt.Errorf("list agent leases: %w", err)
	}
	if len(live) >= a.Capacity {
		metrics.RecordNoTask(proj.ID.String(), "agent_at_capacity")
		return nil, &NoTask{RetryAfter: minRemainingLease(live), Reason: "agent at capacity"}, nil
	}

	// Step 2-3: candidate set, phase-safety filtered.
	candidates := s.candidates(proj, a)
	if len(candidates) == 0 {
		noTask := s.noTaskForBlockers(proj, a)
		metrics.RecordNoTask(proj.ID.String(), noTask.Reason)
		return nil, noTask, nil
	}

	// Step 4-5: score and tie-break.
	scored := scoreAndSort(proj, candidates, a)

	// Step 6: attempt lease, walking the ranked list on conflict.
	tries := 0
	for _, c := range scored {
		if tries >= maxClaimRetries {
			break
		}
		tries++

		leaseDuration := assignment.ExpiryForBounds(c.EstimatedHours, s.leaseMin, s.leaseMax)
		result, err := s.assignment.TryClaim(a.ID(), c.ID(), proj.ID, a.Capacity, leaseDuration)
		if err != nil {
			return nil, nil, fmt.Errorf("try claim %s: %w", c.ID(), err)
		}
		if !result.OK {
			continue // another agent won the race; re-pick
		}

		// Step 7: mirror to kanban.
		if err := proj.Provider.AssignTask(ctx, c.ID(), a.ID()); err != nil {
			s.assignment.Release(c.ID(), assignment.ReleaseExpired)
			return nil, &NoTask{RetryAfter: 30 * time.Second, Reason: "kanban assign failed"}, nil
		}
		if err := proj.Provider.UpdateStatus(ctx, c.ID(), domain.StatusInProgress); err != nil {
			s.assignment.Release(c.ID(), assignment.ReleaseExpired)
			_ = proj.Provider.UnassignTask(ctx, c.ID())
			return nil, &NoTask{RetryAfter: 30 * time.Second, Reason: "kanban status update failed"}, nil
		}

		c.Claim(a.ID())
		proj.Graph.MarkTransition(c.ID(), domain.StatusInProgress, a.ID())

		// Step 8: assemble preamble.
		preamble, err := proj.Context.BuildPreamble(ctx, c)
		if err != nil {
			s.log.WarnF("preamble assembly failed", map[string]interface{}{"task_id": c.ID().String(), "error": err.Error()})
			preamble = &contextsvc.Preamble{}
		}

		s.log.InfoF("task assigned", map[string]interface{}{
			"task_id": c.ID().String(), "agent_id": a.ID().String(), "score": scoreOf(proj, c, a),
		})
		metrics.RecordAssigned(proj.ID.String())
		return &Assignment{Task: c, Preamble: preamble}, nil, nil
	}

	// Exhausted retries without a successful claim.
	metrics.RecordNoTask(proj.ID.String(), "lease_conflicts_exhausted_retries")
	return nil, &NoTask{RetryAfter: 2 * time.Second, Reason: "lease conflicts exhausted retries"}, nil
}

// candidates returns the ready, unassigned tasks minus any that would
// violate phase safety (a TEST task whose feature cluster still has
// incomplete IMPLEMENT work, even absent an explicit edge).
func (s *Scheduler) candidates(proj *Project, a *agent.Agent) []*task.Task {
	ready := proj.Graph.ReadyUnassigned()
	out := make([]*task.Task, 0, len(ready))
	for _, t := range ready {
		if t.Phase == domain.PhaseTest && !s.implementComplete(proj, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// implementComplete reports whether every IMPLEMENT-phase task in t's
// feature cluster is DONE.
func (s *Scheduler) implementComplete(proj *Project, t *task.Task) bool {
	cluster, ok := proj.Graph.ClusterOf(t.ID())
	if !ok {
		return true
	}
	for _, id := range cluster.Tasks {
		sib, ok := proj.Graph.Task(id)
		if !ok || sib.Phase != domain.PhaseImplement {
			continue
		}
		if sib.Status != domain.StatusDone {
			return false
		}
	}
	return true
}

// scoredTask pairs a candidate task with its computed score for stable sorting.
type scoredTask struct {
	task  *task.Task
	score float64
}

func scoreOf(proj *Project, t *task.Task, a *agent.Agent) float64 {
	score := 100 * float64(t.Priority.Rank())
	if len(t.RequiredSkills) > 0 {
		score += 50 * float64(t.RequiredSkills.Overlap(a.Skills)) / float64(len(t.RequiredSkills))
	}
	score += 10 * float64(len(proj.Graph.Dependents(t.ID())))
	score += 5 * float64(proj.Graph.Depth(t.ID()))
	score -= t.EstimatedHours
	return score
}

// scoreAndSort scores each candidate then tie-breaks lexicographically by
// (-score, created_at, task_id) so identical inputs always rank the same.
func scoreAndSort(proj *Project, candidates []*task.Task, a *agent.Agent) []*task.Task {
	scored := make([]scoredTask, len(candidates))
	for i, t := range candidates {
		scored[i] = scoredTask{task: t, score: scoreOf(proj, t, a)}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if !scored[i].task.CreatedAt.Equal(scored[j].task.CreatedAt.Time) {
			return scored[i].task.CreatedAt.Before(scored[j].task.CreatedAt.Time)
		}
		return scored[i].task.ID() < scored[j].task.ID()
	})
	out := make([]*task.Task, len(scored))
	for i, st := range scored {
		out[i] = st.task
	}
	return out
}

// noTaskForBlockers hands the blocked-candidate case off to RetryPlanner:
// collect the unmet dependencies of every TODO task the agent could
// otherwise take, with their lease ETA and unlock fan-out.
func (s *Scheduler) noTaskForBlockers(proj *Project, a *agent.Agent) *NoTask {
	blockers := s.collectBlockers(proj, a)
	retry := retryplanner.Compute(blockers, time.Now().UTC())
	reason := "no ready task matches agent skills"
	if len(blockers) > 0 {
		reason = "blocked on dependencies"
	}
	return &NoTask{RetryAfter: retry, Reason: reason}
}

func (s *Scheduler) collectBlockers(proj *Project, a *agent.Agent) []retryplanner.Blocker {
	seen := make(map[domain.EntityID]bool)
	var blockers []retryplanner.Blocker

	for _, t := range allTODO(proj) {
		for _, depID := range t.Dependencies {
			dep, ok := proj.Graph.Task(depID)
			if !ok || dep.Status == domain.StatusDone || seen[depID] {
				continue
			}
			seen[depID] = true

			var expires *time.Time
			if lease, err := s.assignment.Get(depID); err == nil && lease != nil {
				exp := lease.ExpiresAt.Time
				expires = &exp
			}
			blockers = append(blockers, retryplanner.Blocker{
				TaskID:         depID,
				EstimatedHours: dep.EstimatedHours,
				LeaseExpiresAt: expires,
				UnlocksCount:   countUnlocks(proj, depID),
			})
		}
	}
	return blockers
}

// countUnlocks counts how many of depID's dependents would become
// parallel-eligible (all other dependencies already DONE) once depID
// completes.
func countUnlocks(proj *Project, depID domain.EntityID) int {
	n := 0
	for _, dependentID := range proj.Graph.Dependents(depID) {
		dependent, ok := proj.Graph.Task(dependentID)
		if !ok || dependent.Status != domain.StatusTODO {
			continue
		}
		ready := true
		for _, d := range dependent.Dependencies {
			if d == depID {
				continue
			}
			dd, ok := proj.Graph.Task(d)
			if !ok || dd.Status != domain.StatusDone {
				ready = false
				break
			}
		}
		if ready {
			n++
		}
	}
	return n
}

func allTODO(proj *Project) []*task.Task {
	all := proj.Graph.AllTasks()
	out := make([]*task.Task, 0, len(all))
	for _, t := range all {
		if t.Status == domain.StatusTODO {
			out = append(out, t)
		}
	}
	return out
}

func minRemainingLease(leases []*assignment.Lease) time.Duration {
	if len(leases) == 0 {
		return 30 * time.Second
	}
	min := leases[0].ExpiresAt.Sub(time.Now().UTC())
	for _, l := range leases[1:] {
		if d := l.ExpiresAt.Sub(time.Now().UTC()); d < min {
			min = d
		}
	}
	if min < 0 {
		min = 0
	}
	return min
}
