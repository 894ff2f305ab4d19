// Package decisionlog is the append-only audit trail of agent-authored
// decisions, indexed by (project_id, task_id), plus the LogDecision use
// case: lease-ownership check, append, publish to kanban. Rows are never
// updated once written.
package decisionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lwgray/marcus/pkg/assignment"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/domain/decision"
	"github.com/lwgray/marcus/pkg/kanban"
	"github.com/lwgray/marcus/pkg/logger"
)

// Store is the SQLite-backed, append-only Decision log.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// NewStore opens (creating if absent) the decision log database.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create decision db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open decision db: %w", err)
	}
	s := &Store{db: db, log: logger.Get("decisionlog")}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init decision schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		what TEXT NOT NULL,
		why TEXT NOT NULL,
		impact TEXT NOT NULL,
		affects_tasks TEXT DEFAULT '[]',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_task ON decisions(task_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_project ON decisions(project_id);
	`)
	return err
}

// Append writes an immutable Decision row. projectID is recorded for audit
// only; FindByTask/FindAffecting filter by task id alone, so cross-project
// references are kept verbatim rather than rejected or rerouted.
func (s *Store) Append(projectID domain.EntityID, d *decision.Decision) error {
	affects, _ := json.Marshal(d.AffectsTasks)
	_, err := s.db.Exec(`INSERT INTO decisions (id, project_id, task_id, agent_id, what, why, impact, affects_tasks, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d.ID()), string(projectID), string(d.TaskID), string(d.AgentID),
		d.What, d.Why, d.Impact, string(affects), d.Timestamp.Format(time.RFC3339))
	if err != nil {
		return err
	}
	s.log.InfoF("decision logged", map[string]interface{}{"task_id": d.TaskID.String(), "agent_id": d.AgentID.String()})
	return nil
}

// FindByTask returns every decision logged directly against taskID, newest
// first.
func (s *Store) FindByTask(taskID domain.EntityID) ([]*decision.Decision, error) {
	rows, err := s.db.Query(`SELECT id, task_id, agent_id, what, why, impact, affects_tasks, created_at
		FROM decisions WHERE task_id = ? ORDER BY created_at DESC`, string(taskID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// FindAffecting returns decisions logged against other tasks whose
// affects_tasks list includes taskID.
func (s *Store) FindAffecting(taskID domain.EntityID) ([]*decision.Decision, error) {
	rows, err := s.db.Query(`SELECT id, task_id, agent_id, what, why, impact, affects_tasks, created_at
		FROM decisions WHERE affects_tasks LIKE ? ORDER BY created_at DESC`, "%"+string(taskID)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanDecisions(rows)
	if err != nil {
		return nil, err
	}
	// The LIKE above is a coarse prefilter (JSON array membership can't be
	// expressed in SQL without a JSON1 extension); confirm membership here.
	out := make([]*decision.Decision, 0, len(all))
	for _, d := range all {
		for _, t := range d.AffectsTasks {
			if t == taskID {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

func scanDecisions(rows *sql.Rows) ([]*decision.Decision, error) {
	var out []*decision.Decision
	for rows.Next() {
		var id, taskID, agentID, what, why, impact, affectsJSON, createdAt string
		if err := rows.Scan(&id, &taskID, &agentID, &what, &why, &impact, &affectsJSON, &createdAt); err != nil {
			return nil, err
		}
		var affectsStr []string
		json.Unmarshal([]byte(affectsJSON), &affectsStr)
		affects := make([]domain.EntityID, 0, len(affectsStr))
		for _, a := range affectsStr {
			if strings.TrimSpace(a) != "" {
				affects = append(affects, domain.EntityID(a))
			}
		}
		d := decision.NewDecision(domain.EntityID(taskID), domain.EntityID(agentID), what, why, impact, affects)
		d.SetID(domain.EntityID(id))
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			d.Timestamp = domain.TimestampFrom(ts)
		}
		d.PullEvents() // constructor-recorded event is not re-dispatched on read
		out = append(out, d)
	}
	return out, nil
}

var _ decision.DecisionRepository = (*Store)(nil)

// ---------------------------------------------------------------------------
// LogDecision use case
// ---------------------------------------------------------------------------

// Service drives LogDecision: validates the caller holds the
// task's lease, appends the decision, and mirrors it to the kanban card as
// a comment for auditability.
type Service struct {
	store      *Store
	assignment *assignment.Store
	kanban     kanban.Provider
	log        *logger.Logger
}

// NewService wires the decision log to the lease store it validates
// ownership against and the kanban provider it publishes comments to.
func NewService(store *Store, assignmentStore *assignment.Store, provider kanban.Provider) *Service {
	return &Service{store: store, assignment: assignmentStore, kanban: provider, log: logger.Get("decisionlog")}
}

// ErrNotTaskOwner is returned when the caller does not hold the task's
// lease (wire code NOT_TASK_OWNER).
var ErrNotTaskOwner = fmt.Errorf("agent does not hold the lease for this task")

// LogDecision validates lease ownership, appends the decision, and posts a
// kanban comment. The comment post uses the provider's own retry policy;
// failures there do not roll back the already-appended decision (the log is
// the source of truth; the kanban comment is best-effort auditability).
func (s *Service) LogDecision(ctx context.Context, projectID, agentID, taskID domain.EntityID, what, why, impact string, affects []domain.EntityID) (*decision.Decision, error) {
	lease, err := s.assignment.Get(taskID)
	if err != nil {
		return nil, err
	}
	if lease == nil || lease.AgentID != agentID {
		return nil, ErrNotTaskOwner
	}

	d := decision.NewDecision(taskID, agentID, what, why, impact, affects)
	if err := s.store.Append(projectID, d); err != nil {
		return nil, fmt.Errorf("append decision: %w", err)
	}

	comment := fmt.Sprintf("Decision by %s: %s\nWhy: %s\nImpact: %s", agentID, what, why, impact)
	if err := s.kanban.AddComment(ctx, taskID, comment); err != nil {
		s.log.WarnF("failed to mirror decision to kanban", map[string]interface{}{
			"task_id": taskID.String(), "error": err.Error(),
		})
	}
	return d, nil
}
