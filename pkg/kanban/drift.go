package kanban

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/logger"
)

// DriftDetector periodically hash-compares a project's task-list shape
// against the last observed snapshot and triggers a rebuild callback when
// it changes — catching tasks created, moved, or reassigned on the board
// outside Marcus's own writes. Check cadence is a cron expression rather
// than a plain ticker, parsed with adhocore/gronx, so a deployment can
// align drift polling with its own low-traffic windows.
type DriftDetector struct {
	provider  Provider
	projectID domain.EntityID
	schedule  string
	cron      gronx.Gronx
	lastHash  string
	lastCheck time.Time
	onDrift   func(ctx context.Context)
	log       *logger.Logger
}

// NewDriftDetector builds a detector for one project. cronSchedule follows
// standard 5-field cron syntax (e.g. "*/5 * * * *" for every 5 minutes).
// onDrift is invoked (synchronously, from Tick's caller) when a shape change
// is observed; callers typically pass a TaskGraph.Rebuild closure.
func NewDriftDetector(provider Provider, projectID domain.EntityID, cronSchedule string, onDrift func(ctx context.Context)) *DriftDetector {
	return &DriftDetector{
		provider:  provider,
		projectID: projectID,
		schedule:  cronSchedule,
		cron:      *gronx.New(),
		onDrift:   onDrift,
		log:       logger.Get("kanban.drift"),
	}
}

// Tick checks whether the cron schedule is due and, if so, compares the
// current task-list shape against the last snapshot. It is safe to call on
// every LeaseMonitor sweep tick; it no-ops between scheduled checks.
func (d *DriftDetector) Tick(ctx context.Context) {
	now := time.Now().UTC()

	due, err := d.cron.IsDue(d.schedule, now)
	if err != nil {
		d.log.WarnF("invalid drift schedule", map[string]interface{}{"schedule": d.schedule, "error": err.Error()})
		return
	}
	if !due || now.Sub(d.lastCheck) < time.Minute {
		return
	}
	d.lastCheck = now

	tasks, err := d.provider.ListTasks(ctx, d.projectID)
	if err != nil {
		d.log.WarnF("drift check list failed", map[string]interface{}{"error": err.Error()})
		return
	}

	hash := hashShape(tasks)
	if d.lastHash != "" && hash != d.lastHash {
		d.log.InfoF("kanban drift detected, triggering rebuild", map[string]interface{}{"project_id": d.projectID.String()})
		d.onDrift(ctx)
	}
	d.lastHash = hash
}

// hashShape summarizes a task list's id/status/assignee shape. It is not a
// content hash (descriptions and labels are ignored) — the drift we care
// about is tasks appearing, disappearing, or changing status/assignee
// outside of Marcus's own writes.
func hashShape(tasks []*BoardTask) string {
	h := sha256.New()
	for _, t := range tasks {
		fmt.Fprintf(h, "%s:%s:%s|", t.ID, t.Status, t.Assignee)
	}
	return hex.EncodeToString(h.Sum(nil))
}
