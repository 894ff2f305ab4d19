// Package artifacts persists agent deliverables: file content written to a
// type-derived canonical location in the project workspace, with a SQLite
// metadata row alongside it. Idempotent on (task_id, filename): identical
// content is a no-op, different content gets a versioned suffix.
package artifacts

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/domain/decision"
	"github.com/lwgray/marcus/pkg/logger"
)

// Store persists Artifact metadata and writes content under the project
// workspace's type-derived canonical directories.
type Store struct {
	db            *sql.DB
	workspaceRoot string
	log           *logger.Logger
}

// NewStore opens the artifact metadata database and anchors content writes
// under workspaceRoot (e.g. "docs/api/<filename>" resolves beneath it).
func NewStore(dbPath, workspaceRoot string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create artifact db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open artifact db: %w", err)
	}
	s := &Store{db: db, workspaceRoot: workspaceRoot, log: logger.Get("artifacts")}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init artifact schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		type TEXT NOT NULL,
		relative_path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		sha256 TEXT NOT NULL,
		description TEXT DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_task_file ON artifacts(task_id, filename);
	`)
	return err
}

// LogArtifact writes content to its canonical location and records (or
// updates) the metadata row. Same content on a repeat call is a no-op;
// different content gets a versioned filename suffix.
func (s *Store) LogArtifact(projectID, agentID, taskID domain.EntityID, filename string, artifactType domain.ArtifactType, content []byte, description string) (*decision.Artifact, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	existing, err := s.FindByFilename(taskID, filename)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.SHA256 == hash {
		return existing, nil // identical content: no-op
	}

	finalName := filename
	if existing != nil {
		ext := filepath.Ext(filename)
		versions := strings.TrimSuffix(filename, ext) + ".v%" + ext
		prior, err := scanArtifact(s.db.QueryRow(`SELECT id, task_id, agent_id, filename, type, relative_path, size_bytes, sha256, description, created_at
			FROM artifacts WHERE task_id = ? AND sha256 = ? AND filename LIKE ?`, string(taskID), hash, versions))
		if err == nil {
			return prior, nil // identical content already stored as a version: no-op
		}
		if err != sql.ErrNoRows {
			return nil, err
		}
		finalName = versionedName(filename)
	}

	relPath := filepath.Join(artifactType.CanonicalDir(), finalName)
	absPath := filepath.Join(s.workspaceRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	a := decision.NewArtifact(taskID, agentID, finalName, artifactType, relPath, hash, int64(len(content)), description)
	_, err = s.db.Exec(`INSERT INTO artifacts (id, project_id, task_id, agent_id, filename, type, relative_path, size_bytes, sha256, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, filename) DO UPDATE SET
			relative_path=excluded.relative_path, size_bytes=excluded.size_bytes,
			sha256=excluded.sha256, description=excluded.description, created_at=excluded.created_at`,
		string(a.ID()), string(projectID), string(taskID), string(agentID), finalName,
		string(artifactType), relPath, a.SizeBytes, hash, description, a.Timestamp.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("persist artifact metadata: %w", err)
	}
	s.log.InfoF("artifact logged", map[string]interface{}{
		"task_id": taskID.String(), "filename": finalName, "type": string(artifactType),
	})
	return a, nil
}

func versionedName(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	return fmt.Sprintf("%s.v%d%s", base, time.Now().UTC().UnixNano(), ext)
}

// FindByFilename returns the current metadata row for (taskID, filename), or
// nil if none exists.
func (s *Store) FindByFilename(taskID domain.EntityID, filename string) (*decision.Artifact, error) {
	row := s.db.QueryRow(`SELECT id, task_id, agent_id, filename, type, relative_path, size_bytes, sha256, description, created_at
		FROM artifacts WHERE task_id = ? AND filename = ?`, string(taskID), filename)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// FindByTask returns every artifact logged against taskID.
func (s *Store) FindByTask(taskID domain.EntityID) ([]*decision.Artifact, error) {
	rows, err := s.db.Query(`SELECT id, task_id, agent_id, filename, type, relative_path, size_bytes, sha256, description, created_at
		FROM artifacts WHERE task_id = ? ORDER BY created_at DESC`, string(taskID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*decision.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row rowScanner) (*decision.Artifact, error) {
	var id, taskID, agentID, filename, typ, relPath, sha, description, createdAt string
	var size int64
	if err := row.Scan(&id, &taskID, &agentID, &filename, &typ, &relPath, &size, &sha, &description, &createdAt); err != nil {
		return nil, err
	}
	a := decision.NewArtifact(domain.EntityID(taskID), domain.EntityID(agentID), filename, domain.ArtifactType(typ), relPath, sha, size, description)
	a.SetID(domain.EntityID(id))
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		a.Timestamp = domain.TimestampFrom(ts)
	}
	a.PullEvents()
	return a, nil
}

// Save persists a pre-built Artifact aggregate (decision.ArtifactRepository).
func (s *Store) Save(a *decision.Artifact) error {
	_, err := s.db.Exec(`INSERT INTO artifacts (id, project_id, task_id, agent_id, filename, type, relative_path, size_bytes, sha256, description, created_at)
		VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, filename) DO UPDATE SET
			relative_path=excluded.relative_path, size_bytes=excluded.size_bytes,
			sha256=excluded.sha256, description=excluded.description`,
		string(a.ID()), string(a.TaskID), string(a.AgentID), a.Filename, string(a.Type),
		a.RelativePath, a.SizeBytes, a.SHA256, a.Description, a.Timestamp.Format(time.RFC3339))
	return err
}

var _ decision.ArtifactRepository = (*Store)(nil)
