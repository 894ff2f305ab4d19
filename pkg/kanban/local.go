package kanban

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/logger"
)

func init() {
	Register("local", func(config map[string]string) (Provider, error) {
		dbPath := config["db_path"]
		if dbPath == "" {
			dbPath = "data/board.db"
		}
		return NewLocalProvider(dbPath)
	})
}

// LocalProvider is the embedded, single-writer KanbanProvider backing
// Marcus's own workspace when no external board is configured. Rows are
// keyed by project so many boards share one SQLite file.
type LocalProvider struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	log    *logger.Logger
}

// NewLocalProvider opens (creating if absent) the embedded board database
// at dbPath and ensures its schema exists.
func NewLocalProvider(dbPath string) (*LocalProvider, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create kanban db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open kanban db: %w", err)
	}

	p := &LocalProvider{db: db, dbPath: dbPath, log: logger.Get("kanban.local")}
	if err := p.initSchema(); err != nil {
		return nil, fmt.Errorf("init kanban schema: %w", err)
	}
	p.log.InfoF("local board opened", map[string]interface{}{"db_path": dbPath})
	return p, nil
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Close() error { return p.db.Close() }

func (p *LocalProvider) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT DEFAULT 'TODO',
		phase TEXT DEFAULT 'IMPLEMENT',
		priority TEXT DEFAULT 'MEDIUM',
		required_skills TEXT DEFAULT '[]',
		estimated_hours REAL DEFAULT 0,
		dependencies TEXT DEFAULT '[]',
		parent_id TEXT DEFAULT '',
		subtask_index INTEGER DEFAULT 0,
		labels TEXT DEFAULT '[]',
		assignee TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee);

	CREATE TABLE IF NOT EXISTS task_comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);
	CREATE INDEX IF NOT EXISTS idx_comments_task ON task_comments(task_id);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := p.db.Exec(schema)
	return err
}

// nextID assigns a sequential TASK-NNN id scoped to the whole board.
func (p *LocalProvider) nextID() (domain.EntityID, error) {
	var maxID sql.NullString
	err := p.db.QueryRow("SELECT id FROM tasks ORDER BY id DESC LIMIT 1").Scan(&maxID)
	if err == sql.ErrNoRows || !maxID.Valid {
		return "TASK-001", nil
	}
	if err != nil {
		return "", err
	}
	num := 0
	fmt.Sscanf(maxID.String, "TASK-%d", &num)
	return domain.EntityID(fmt.Sprintf("TASK-%03d", num+1)), nil
}

func (p *LocalProvider) CreateProject(ctx context.Context, name string, options domain.Metadata) (domain.EntityID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := domain.NewID()
	_, err := p.db.ExecContext(ctx,
		"INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)",
		string(id), name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", &IntegrationError{Provider: p.Name(), Op: "CreateProject", Err: err, Retryable: true}
	}
	return id, nil
}

func (p *LocalProvider) CreateTask(ctx context.Context, projectID domain.EntityID, spec TaskSpec) (domain.EntityID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, err := p.nextID()
	if err != nil {
		return "", &IntegrationError{Provider: p.Name(), Op: "CreateTask", Err: err, Retryable: true}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	depsJSON, _ := json.Marshal(spec.Dependencies)
	skillsJSON, _ := json.Marshal(spec.RequiredSkills)
	labelsJSON, _ := json.Marshal(spec.Labels)

	phase := spec.Phase
	if phase == "" {
		phase = domain.PhaseImplement
	}
	priority := spec.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}

	_, err = p.db.ExecContext(ctx, `INSERT INTO tasks
		(id, project_id, name, description, status, phase, priority, required_skills,
		 estimated_hours, dependencies, parent_id, subtask_index, labels, assignee, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'TODO', ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		string(id), string(projectID), spec.Name, spec.Description, string(phase), string(priority),
		string(skillsJSON), spec.EstimatedHours, string(depsJSON), string(spec.ParentID),
		spec.SubtaskIndex, string(labelsJSON), now, now)
	if err != nil {
		return "", &IntegrationError{Provider: p.Name(), Op: "CreateTask", Err: err, Retryable: true}
	}
	return id, nil
}

func (p *LocalProvider) GetTask(ctx context.Context, id domain.EntityID) (*BoardTask, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	row := p.db.QueryRowContext(ctx, taskSelectColumns+" FROM tasks WHERE id = ?", string(id))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &IntegrationError{Provider: p.Name(), Op: "GetTask", Err: fmt.Errorf("task %s not found", id), Retryable: false}
	}
	if err != nil {
		return nil, &IntegrationError{Provider: p.Name(), Op: "GetTask", Err: err, Retryable: true}
	}
	return t, nil
}

func (p *LocalProvider) ListTasks(ctx context.Context, projectID domain.EntityID) ([]*BoardTask, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rows, err := p.db.QueryContext(ctx, taskSelectColumns+" FROM tasks WHERE project_id = ? ORDER BY id", string(projectID))
	if err != nil {
		return nil, &IntegrationError{Provider: p.Name(), Op: "ListTasks", Err: err, Retryable: true}
	}
	defer rows.Close()

	var out []*BoardTask
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, &IntegrationError{Provider: p.Name(), Op: "ListTasks", Err: err, Retryable: true}
		}
		out = append(out, t)
	}
	return out, nil
}

func (p *LocalProvider) UpdateStatus(ctx context.Context, id domain.EntityID, status domain.TaskStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := p.db.ExecContext(ctx, "UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?",
		string(status), now, string(id))
	if err != nil {
		return &IntegrationError{Provider: p.Name(), Op: "UpdateStatus", Err: err, Retryable: true}
	}
	return nil
}

// AssignTask is never retried after a first rejection — this method itself
// is just the conditional write; the no-retry rule lives in
// RetryingProvider, which issues it exactly once.
func (p *LocalProvider) AssignTask(ctx context.Context, id domain.EntityID, agentID domain.EntityID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := p.db.ExecContext(ctx, "UPDATE tasks SET assignee = ?, updated_at = ? WHERE id = ? AND assignee = ''",
		string(agentID), now, string(id))
	if err != nil {
		return &IntegrationError{Provider: p.Name(), Op: "AssignTask", Err: err, Retryable: true}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &IntegrationError{Provider: p.Name(), Op: "AssignTask", Err: fmt.Errorf("task %s already assigned", id), Retryable: false}
	}
	return nil
}

func (p *LocalProvider) UnassignTask(ctx context.Context, id domain.EntityID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := p.db.ExecContext(ctx, "UPDATE tasks SET assignee = '', updated_at = ? WHERE id = ?", now, string(id))
	if err != nil {
		return &IntegrationError{Provider: p.Name(), Op: "UnassignTask", Err: err, Retryable: true}
	}
	return nil
}

func (p *LocalProvider) AddComment(ctx context.Context, id domain.EntityID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := p.db.ExecContext(ctx, "INSERT INTO task_comments (task_id, text, created_at) VALUES (?, ?, ?)",
		string(id), text, now)
	if err != nil {
		return &IntegrationError{Provider: p.Name(), Op: "AddComment", Err: err, Retryable: true}
	}
	return nil
}

var _ Provider = (*LocalProvider)(nil)
var _ ProjectCreator = (*LocalProvider)(nil)

// ---------------------------------------------------------------------------
// Scanning helpers
// ---------------------------------------------------------------------------

const taskSelectColumns = `SELECT id, project_id, name, description, status, phase, priority,
	required_skills, estimated_hours, dependencies, parent_id, subtask_index, labels,
	assignee, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*BoardTask, error) {
	return scanRow(row)
}

func scanTaskRows(rows *sql.Rows) (*BoardTask, error) {
	return scanRow(rows)
}

func scanRow(row rowScanner) (*BoardTask, error) {
	var (
		id, projectID, name, description, status, phase, priority string
		skillsJSON, depsJSON, parentID, labelsJSON, assignee       string
		estimatedHours                                            float64
		subtaskIndex                                               int
		createdAt, updatedAt                                       string
	)

	if err := row.Scan(&id, &projectID, &name, &description, &status, &phase, &priority,
		&skillsJSON, &estimatedHours, &depsJSON, &parentID, &subtaskIndex, &labelsJSON,
		&assignee, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	t := &BoardTask{
		ID:             domain.EntityID(id),
		ProjectID:      domain.EntityID(projectID),
		Name:           name,
		Description:    description,
		Status:         domain.TaskStatus(status),
		Phase:          domain.Phase(phase),
		Priority:       domain.Priority(priority),
		EstimatedHours: estimatedHours,
		ParentID:       domain.EntityID(parentID),
		SubtaskIndex:   subtaskIndex,
		Assignee:       domain.EntityID(assignee),
	}

	var skills, labels []string
	var deps []string
	json.Unmarshal([]byte(skillsJSON), &skills)
	json.Unmarshal([]byte(labelsJSON), &labels)
	json.Unmarshal([]byte(depsJSON), &deps)
	t.RequiredSkills = stringsToTags(skills)
	t.Labels = stringsToTags(labels)
	for _, d := range deps {
		if strings.TrimSpace(d) != "" {
			t.Dependencies = append(t.Dependencies, domain.EntityID(d))
		}
	}

	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		t.CreatedAt = domain.TimestampFrom(ts)
	}
	if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		t.UpdatedAt = domain.TimestampFrom(ts)
	}
	return t, nil
}

func stringsToTags(in []string) domain.Tags {
	out := make(domain.Tags, len(in))
	for i, s := range in {
		out[i] = domain.Tag(s)
	}
	return out
}
