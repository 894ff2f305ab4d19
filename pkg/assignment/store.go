package assignment

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/logger"
)

// Store is the SQLite-backed AssignmentStore. TryClaim is serialized per
// project via a map of mutexes — a single lock per project preserves
// intra-project claim invariants while cross-project calls proceed
// concurrently. Release and Renew do not take the per-project lock.
type Store struct {
	db  *sql.DB
	log *logger.Logger

	locksMu sync.Mutex
	locks   map[domain.EntityID]*sync.Mutex
}

// NewStore opens (creating if absent) the lease database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create assignment db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open assignment db: %w", err)
	}
	s := &Store{db: db, log: logger.Get("assignment"), locks: make(map[domain.EntityID]*sync.Mutex)}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init assignment schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS leases (
		task_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		granted_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		renewed_count INTEGER DEFAULT 0,
		generation INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_leases_project ON leases(project_id);
	CREATE INDEX IF NOT EXISTS idx_leases_agent ON leases(agent_id);
	CREATE INDEX IF NOT EXISTS idx_leases_expires ON leases(expires_at);

	CREATE TABLE IF NOT EXISTS generation_counter (
		project_id TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);
	`)
	return err
}

func (s *Store) lockFor(projectID domain.EntityID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectID] = l
	}
	return l
}

func (s *Store) nextGeneration(tx *sql.Tx, projectID domain.EntityID) (int64, error) {
	_, err := tx.Exec(`INSERT INTO generation_counter (project_id, value) VALUES (?, 1)
		ON CONFLICT(project_id) DO UPDATE SET value = value + 1`, string(projectID))
	if err != nil {
		return 0, err
	}
	var v int64
	if err := tx.QueryRow("SELECT value FROM generation_counter WHERE project_id = ?", string(projectID)).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// TryClaim attempts to grant agentID a lease on taskID. Succeeds iff no
// live lease exists for the task and, when capacity == 1, no live lease
// exists for the agent either.
func (s *Store) TryClaim(agentID, taskID domain.EntityID, projectID domain.EntityID, capacity int, leaseDuration time.Duration) (*ClaimResult, error) {
	lock := s.lockFor(projectID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existingExpiry string
	err = tx.QueryRow("SELECT expires_at FROM leases WHERE task_id = ?", string(taskID)).Scan(&existingExpiry)
	if err == nil {
		if exp, perr := time.Parse(time.RFC3339, existingExpiry); perr == nil && exp.After(now) {
			return &ClaimResult{OK: false, Reason: "task already leased"}, nil
		}
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	if capacity <= 1 {
		rows, err := tx.Query("SELECT expires_at FROM leases WHERE agent_id = ?", string(agentID))
		if err != nil {
			return nil, err
		}
		liveCount := 0
		for rows.Next() {
			var exp string
			if err := rows.Scan(&exp); err != nil {
				rows.Close()
				return nil, err
			}
			if t, perr := time.Parse(time.RFC3339, exp); perr == nil && t.After(now) {
				liveCount++
			}
		}
		rows.Close()
		if liveCount >= capacity {
			return &ClaimResult{OK: false, Reason: "agent at capacity"}, nil
		}
	}

	gen, err := s.nextGeneration(tx, projectID)
	if err != nil {
		return nil, err
	}

	expiresAt := now.Add(leaseDuration)
	_, err = tx.Exec(`INSERT INTO leases (task_id, project_id, agent_id, granted_at, expires_at, renewed_count, generation)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			project_id=excluded.project_id, agent_id=excluded.agent_id, granted_at=excluded.granted_at,
			expires_at=excluded.expires_at, renewed_count=0, generation=excluded.generation`,
		string(taskID), string(projectID), string(agentID), now.Format(time.RFC3339), expiresAt.Format(time.RFC3339), gen)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	lease := &Lease{
		AgentID:    agentID,
		TaskID:     taskID,
		GrantedAt:  domain.TimestampFrom(now),
		ExpiresAt:  domain.TimestampFrom(expiresAt),
		Generation: gen,
	}
	s.log.InfoF("lease granted", map[string]interface{}{
		"task_id": taskID.String(), "agent_id": agentID.String(), "generation": gen,
	})
	return &ClaimResult{OK: true, Lease: lease}, nil
}

// Release removes a lease, idempotently. A release for a non-existent lease
// is not an error.
func (s *Store) Release(taskID domain.EntityID, reason ReleaseReason) error {
	_, err := s.db.Exec("DELETE FROM leases WHERE task_id = ?", string(taskID))
	if err != nil {
		return err
	}
	s.log.InfoF("lease released", map[string]interface{}{"task_id": taskID.String(), "reason": reason.String()})
	return nil
}

// Renew extends a lease's expiry. Only the holding agent may renew.
func (s *Store) Renew(taskID, agentID domain.EntityID, newExpiry time.Time) (*Lease, error) {
	var currentAgent string
	var renewedCount int
	err := s.db.QueryRow("SELECT agent_id, renewed_count FROM leases WHERE task_id = ?", string(taskID)).
		Scan(&currentAgent, &renewedCount)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no lease for task %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	if currentAgent != string(agentID) {
		return nil, fmt.Errorf("agent %s does not hold the lease for task %s", agentID, taskID)
	}

	_, err = s.db.Exec("UPDATE leases SET expires_at = ?, renewed_count = renewed_count + 1 WHERE task_id = ?",
		newExpiry.UTC().Format(time.RFC3339), string(taskID))
	if err != nil {
		return nil, err
	}
	return &Lease{
		AgentID: agentID, TaskID: taskID,
		ExpiresAt: domain.TimestampFrom(newExpiry), RenewedCount: renewedCount + 1,
	}, nil
}

// Get returns the current lease for a task, if one exists.
func (s *Store) Get(taskID domain.EntityID) (*Lease, error) {
	var agentID, projectID, grantedAt, expiresAt string
	var renewedCount int
	var generation int64
	err := s.db.QueryRow(`SELECT agent_id, project_id, granted_at, expires_at, renewed_count, generation
		FROM leases WHERE task_id = ?`, string(taskID)).
		Scan(&agentID, &projectID, &grantedAt, &expiresAt, &renewedCount, &generation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l := &Lease{AgentID: domain.EntityID(agentID), TaskID: taskID, RenewedCount: renewedCount, Generation: generation}
	if t, perr := time.Parse(time.RFC3339, grantedAt); perr == nil {
		l.GrantedAt = domain.TimestampFrom(t)
	}
	if t, perr := time.Parse(time.RFC3339, expiresAt); perr == nil {
		l.ExpiresAt = domain.TimestampFrom(t)
	}
	return l, nil
}

// ListExpired returns every lease whose expiry has passed now, consumed by
// LeaseMonitor's reap sweep.
func (s *Store) ListExpired(now time.Time) ([]*Lease, error) {
	rows, err := s.db.Query("SELECT task_id, agent_id, project_id, granted_at, expires_at, renewed_count, generation FROM leases WHERE expires_at < ?",
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Lease
	for rows.Next() {
		var taskID, agentID, projectID, grantedAt, expiresAt string
		var renewedCount int
		var generation int64
		if err := rows.Scan(&taskID, &agentID, &projectID, &grantedAt, &expiresAt, &renewedCount, &generation); err != nil {
			return nil, err
		}
		l := &Lease{TaskID: domain.EntityID(taskID), AgentID: domain.EntityID(agentID), RenewedCount: renewedCount, Generation: generation}
		if t, perr := time.Parse(time.RFC3339, grantedAt); perr == nil {
			l.GrantedAt = domain.TimestampFrom(t)
		}
		if t, perr := time.Parse(time.RFC3339, expiresAt); perr == nil {
			l.ExpiresAt = domain.TimestampFrom(t)
		}
		out = append(out, l)
	}
	return out, nil
}

// ListByAgent returns every live lease held by agentID, used by the
// Scheduler's capacity check.
func (s *Store) ListByAgent(agentID domain.EntityID, now time.Time) ([]*Lease, error) {
	rows, err := s.db.Query("SELECT task_id, expires_at FROM leases WHERE agent_id = ? AND expires_at > ?",
		string(agentID), now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Lease
	for rows.Next() {
		var taskID, expiresAt string
		if err := rows.Scan(&taskID, &expiresAt); err != nil {
			return nil, err
		}
		l := &Lease{AgentID: agentID, TaskID: domain.EntityID(taskID)}
		if t, perr := time.Parse(time.RFC3339, expiresAt); perr == nil {
			l.ExpiresAt = domain.TimestampFrom(t)
		}
		out = append(out, l)
	}
	return out, nil
}
