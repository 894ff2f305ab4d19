// Package session defines the Session bounded context: the ProjectRegistry's
// record of which project an MCP caller currently has active, keyed by the
// caller's session id.
package session

import (
	"github.com/lwgray/marcus/pkg/domain"
)

// ---------------------------------------------------------------------------
// Session aggregate root
// ---------------------------------------------------------------------------

// Session is the aggregate root for per-caller active-project tracking.
// Exactly one project may be active per session at a time.
type Session struct {
	domain.AggregateRoot

	// CallerID is the MCP session identifier supplied by the transport.
	CallerID string `json:"caller_id"`

	// ActiveProjectID is the project this caller's subsequent tool calls
	// address; empty when no project has been selected yet.
	ActiveProjectID domain.EntityID `json:"active_project_id,omitempty"`

	CreatedAt  domain.Timestamp `json:"created_at"`
	LastSeenAt domain.Timestamp `json:"last_seen_at"`
}

// NewSession creates a new Session aggregate with no active project.
func NewSession(callerID string) *Session {
	s := &Session{
		CallerID:   callerID,
		CreatedAt:  domain.Now(),
		LastSeenAt: domain.Now(),
	}
	s.SetID(domain.NewID())
	return s
}

// ---------------------------------------------------------------------------
// Session behavior
// ---------------------------------------------------------------------------

// SetActiveProject switches the caller's active project.
func (s *Session) SetActiveProject(projectID domain.EntityID) {
	s.ActiveProjectID = projectID
	s.LastSeenAt = domain.Now()
	s.RecordEvent(domain.NewEvent(domain.EventProjectSwitched, s.ID(), map[string]string{
		"caller_id":  s.CallerID,
		"project_id": projectID.String(),
	}))
}

// HasActiveProject reports whether a project is currently selected.
func (s *Session) HasActiveProject() bool {
	return !s.ActiveProjectID.IsZero()
}

// Touch records caller activity.
func (s *Session) Touch() {
	s.LastSeenAt = domain.Now()
}

// ---------------------------------------------------------------------------
// Repository interface
// ---------------------------------------------------------------------------

// Repository defines persistence for Session aggregates.
type Repository interface {
	FindByCallerID(callerID string) (*Session, error)
	FindAll() ([]*Session, error)
	Save(session *Session) error
	Delete(id domain.EntityID) error
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

type SessionError string

func (e SessionError) Error() string { return string(e) }

const (
	ErrSessionNotFound SessionError = "session not found"
	ErrEmptyCallerID   SessionError = "caller id cannot be empty"
)
