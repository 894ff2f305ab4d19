// Package agentsvc manages the Agent lifecycle: register_agent, idempotent
// re-registration, liveness touches, and explicit deregistration. Agents
// live in memory for the life of the process and are flushed to disk on
// every mutation.
package agentsvc

import (
	"fmt"
	"sync"
	"time"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/domain/agent"
	"github.com/lwgray/marcus/pkg/infrastructure/persistence"
	"github.com/lwgray/marcus/pkg/logger"
)

// Service owns the in-memory Agent directory, backed by a JSONStore that is
// written on every mutation.
type Service struct {
	mu     sync.RWMutex
	agents map[domain.EntityID]*agent.Agent
	store  *persistence.JSONStore[agent.Agent]
	log    *logger.Logger
}

// New opens (or creates) the agent directory rooted at dataDir and loads
// any previously persisted agents into memory.
func New(dataDir string) (*Service, error) {
	s := &Service{
		agents: make(map[domain.EntityID]*agent.Agent),
		store:  persistence.NewJSONStore[agent.Agent](dataDir),
		log:    logger.Get("agentsvc"),
	}
	if err := s.store.Load(); err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	for _, a := range s.store.All() {
		s.agents[a.ID()] = a
	}
	return s, nil
}

// Register creates or idempotently updates an agent's profile.
// Re-registering a known id updates name/role/skills but never touches
// outstanding leases — those live in the AssignmentStore keyed by agent id,
// untouched here.
func (s *Service) Register(id domain.EntityID, name, role string, skills domain.Tags) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if ok {
		a.Reregister(name, role, skills)
	} else {
		a = agent.NewAgent(id, name, role, skills)
		s.agents[id] = a
	}
	if err := s.store.Put(id, a); err != nil {
		return nil, fmt.Errorf("persist agent: %w", err)
	}
	s.log.InfoF("agent registered", map[string]interface{}{"agent_id": id.String(), "role": role})
	return a, nil
}

// Get returns a registered agent, or agent.ErrAgentNotRegistered.
func (s *Service) Get(id domain.EntityID) (*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, agent.ErrAgentNotRegistered
	}
	return a, nil
}

// Touch records a tool call from id, used by LeaseMonitor's liveness-ping
// check.
func (s *Service) Touch(id domain.EntityID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[id]; ok {
		a.Touch()
		_ = s.store.Put(id, a)
	}
}

// RecordAssignment/RecordCompletion/RecordFailure update an agent's
// throughput metrics.
func (s *Service) RecordAssignment(id domain.EntityID) { s.mutate(id, (*agent.Agent).RecordAssignment) }
func (s *Service) RecordCompletion(id domain.EntityID) { s.mutate(id, (*agent.Agent).RecordCompletion) }
func (s *Service) RecordFailure(id domain.EntityID)    { s.mutate(id, (*agent.Agent).RecordFailure) }

func (s *Service) mutate(id domain.EntityID, fn func(*agent.Agent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[id]; ok {
		fn(a)
		_ = s.store.Put(id, a)
	}
}

// Deregister removes an agent from the directory. Callers must release or
// reassign outstanding leases first.
func (s *Service) Deregister(id domain.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return agent.ErrAgentNotRegistered
	}
	a.Deregister()
	s.store.Remove(id)
	delete(s.agents, id)
	return nil
}

// List returns every registered agent.
func (s *Service) List() []*agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out
}

// IsStale reports whether id hasn't called a tool in longer than
// staleAfter, used by LeaseMonitor to mark its leases eligible for early
// reclamation.
func (s *Service) IsStale(id domain.EntityID, staleAfter time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return true
	}
	return time.Since(a.LastSeenAt.Time) > staleAfter
}
