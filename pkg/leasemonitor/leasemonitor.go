// Package leasemonitor implements the background lease reaper: a ticker
// that reclaims expired leases, rolls the kanban mirror and TaskGraph back
// to TODO, and publishes a reclamation notice. Leases held by agents that
// have gone silent are reclaimed early on the same sweep.
package leasemonitor

import (
	"context"
	"time"

	"github.com/lwgray/marcus/pkg/agentsvc"
	"github.com/lwgray/marcus/pkg/assignment"
	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/graph"
	"github.com/lwgray/marcus/pkg/kanban"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/metrics"
)

// DefaultSweepInterval is how often the monitor checks for expired leases.
const DefaultSweepInterval = 30 * time.Second

// DefaultStaleAfter is how long an agent can go without a tool call before
// its leases become eligible for an early liveness-triggered reclamation.
const DefaultStaleAfter = 5 * time.Minute

// ProjectGraphs resolves a task id to the TaskGraph and KanbanProvider of
// the project that owns it, so one Monitor can reap leases across every
// open project without owning project lifecycle itself.
type ProjectGraphs interface {
	FindByTask(taskID domain.EntityID) (*graph.TaskGraph, kanban.Provider, bool)
}

// Monitor periodically reclaims expired and stale-agent leases.
type Monitor struct {
	assignment    *assignment.Store
	agents        *agentsvc.Service
	projects      ProjectGraphs
	publisher     *bus.MessageBus
	sweepInterval time.Duration
	staleAfter    time.Duration
	drifts        []*kanban.DriftDetector
	log           *logger.Logger
}

// Option configures non-default Monitor behavior.
type Option func(*Monitor)

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option { return func(m *Monitor) { m.sweepInterval = d } }

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option { return func(m *Monitor) { m.staleAfter = d } }

// WithDriftDetectors registers per-project kanban drift detectors, ticked
// alongside lease reclamation on every sweep so no second background loop is
// needed.
func WithDriftDetectors(ds ...*kanban.DriftDetector) Option {
	return func(m *Monitor) { m.drifts = append(m.drifts, ds...) }
}

// New constructs a Monitor. Run must be called to start the sweep loop.
func New(assignmentStore *assignment.Store, agents *agentsvc.Service, projects ProjectGraphs, publisher *bus.MessageBus, opts ...Option) *Monitor {
	m := &Monitor{
		assignment:    assignmentStore,
		agents:        agents,
		projects:      projects,
		publisher:     publisher,
		sweepInterval: DefaultSweepInterval,
		staleAfter:    DefaultStaleAfter,
		log:           logger.Get("leasemonitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run blocks, sweeping on sweepInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep reclaims every lease that has passed its expiry. Stale-agent leases
// are reclaimed on the same pass rather than a
// separate schedule, since both end in the same Reclaim call.
func (m *Monitor) sweep(ctx context.Context) {
	for _, d := range m.drifts {
		d.Tick(ctx)
	}

	now := time.Now().UTC()
	expired, err := m.assignment.ListExpired(now)
	if err != nil {
		m.log.WarnF("list expired leases failed", map[string]interface{}{"error": err.Error()})
		return
	}

	expiredIDs := make(map[domain.EntityID]bool, len(expired))
	reclaimed := 0
	for _, lease := range expired {
		expiredIDs[lease.TaskID] = true
		if m.reclaim(ctx, lease, "lease_expired") {
			reclaimed++
		}
	}

	for _, a := range m.agents.List() {
		if !m.agents.IsStale(a.ID(), m.staleAfter) {
			continue
		}
		leases, err := m.assignment.ListByAgent(a.ID(), now)
		if err != nil {
			continue
		}
		for _, lease := range leases {
			if expiredIDs[lease.TaskID] {
				continue // already reclaimed above
			}
			if m.reclaim(ctx, lease, "agent_stale") {
				reclaimed++
			}
		}
	}

	if reclaimed > 0 {
		m.log.InfoF("reclaimed leases", map[string]interface{}{"count": reclaimed})
	}
}

// reclaim releases a lease, rolls the kanban card and graph back to TODO,
// and publishes a reclamation notice. Returns false only if releasing the
// lease fails. When the project's graph cannot be resolved the lease is
// still released and the notice published; the kanban/graph rollback is
// skipped.
func (m *Monitor) reclaim(ctx context.Context, lease *assignment.Lease, reason string) bool {
	if err := m.assignment.Release(lease.TaskID, assignment.ReleaseExpired); err != nil {
		m.log.WarnF("release expired lease failed", map[string]interface{}{
			"task_id": lease.TaskID.String(), "error": err.Error(),
		})
		return false
	}
	m.agents.RecordFailure(lease.AgentID)

	g, provider, ok := m.projects.FindByTask(lease.TaskID)
	if ok {
		if err := provider.UnassignTask(ctx, lease.TaskID); err != nil {
			m.log.WarnF("kanban unassign on reclaim failed", map[string]interface{}{"task_id": lease.TaskID.String(), "error": err.Error()})
		}
		if err := provider.UpdateStatus(ctx, lease.TaskID, domain.StatusTODO); err != nil {
			m.log.WarnF("kanban status reset on reclaim failed", map[string]interface{}{"task_id": lease.TaskID.String(), "error": err.Error()})
		}
		g.MarkTransition(lease.TaskID, domain.StatusTODO, "")
	}

	metrics.RecordLeaseReclamation(reason)
	m.publisher.Publish(bus.SystemEvent{
		Type:   string(domain.EventTaskReclaimed),
		Source: "leasemonitor",
		Data: map[string]string{
			"task_id":  lease.TaskID.String(),
			"agent_id": lease.AgentID.String(),
			"reason":   reason,
		},
	})
	return true
}
