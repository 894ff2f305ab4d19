package kanban

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/metrics"
)

// BreakerSettings tunes the per-endpoint circuit: how many consecutive
// failures trip it and how long it stays open before a half-open probe.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenDuration        time.Duration
}

// DefaultBreakerSettings is 5 consecutive failures, 60s open.
var DefaultBreakerSettings = BreakerSettings{ConsecutiveFailures: 5, OpenDuration: 60 * time.Second}

// BreakerManager wraps a Provider with one gobreaker circuit per endpoint
// (method). A caller hitting an open
// circuit gets ErrKanbanUnavailable (wire code KANBAN_UNAVAILABLE) instead
// of waiting out the provider's own timeout.
type BreakerManager struct {
	inner    Provider
	settings BreakerSettings
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	log      *logger.Logger
}

// NewBreakerManager wraps inner so every call to it is circuit-protected,
// using DefaultBreakerSettings.
func NewBreakerManager(inner Provider) *BreakerManager {
	return NewBreakerManagerWith(inner, DefaultBreakerSettings)
}

// NewBreakerManagerWith wraps inner with the given breaker settings.
func NewBreakerManagerWith(inner Provider, settings BreakerSettings) *BreakerManager {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = DefaultBreakerSettings.ConsecutiveFailures
	}
	if settings.OpenDuration <= 0 {
		settings.OpenDuration = DefaultBreakerSettings.OpenDuration
	}
	return &BreakerManager{
		inner:    inner,
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      logger.Get("kanban.breaker"),
	}
}

func (m *BreakerManager) Name() string { return m.inner.Name() }

func (m *BreakerManager) breaker(op string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[op]; ok {
		return b
	}
	name := m.inner.Name() + "." + op
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     m.settings.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.WarnF("circuit breaker state change", map[string]interface{}{
				"breaker": name, "from": from.String(), "to": to.String(),
			})
			metrics.SetKanbanCircuitState(op, int(to))
		},
	})
	m.breakers[op] = b
	return b
}

func run[T any](m *BreakerManager, op string, fn func() (T, error)) (T, error) {
	b := m.breaker(op)
	result, err := b.Execute(func() (interface{}, error) {
		return fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		var zero T
		metrics.RecordKanbanCallError(op, false)
		return zero, ErrKanbanUnavailable
	}
	if err != nil {
		var zero T
		metrics.RecordKanbanCallError(op, true)
		return zero, err
	}
	return result.(T), nil
}

func runVoid(m *BreakerManager, op string, fn func() error) error {
	_, err := run(m, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (m *BreakerManager) ListTasks(ctx context.Context, projectID domain.EntityID) ([]*BoardTask, error) {
	return run(m, "ListTasks", func() ([]*BoardTask, error) { return m.inner.ListTasks(ctx, projectID) })
}

func (m *BreakerManager) GetTask(ctx context.Context, id domain.EntityID) (*BoardTask, error) {
	return run(m, "GetTask", func() (*BoardTask, error) { return m.inner.GetTask(ctx, id) })
}

func (m *BreakerManager) CreateTask(ctx context.Context, projectID domain.EntityID, spec TaskSpec) (domain.EntityID, error) {
	return run(m, "CreateTask", func() (domain.EntityID, error) { return m.inner.CreateTask(ctx, projectID, spec) })
}

func (m *BreakerManager) UpdateStatus(ctx context.Context, id domain.EntityID, status domain.TaskStatus) error {
	return runVoid(m, "UpdateStatus", func() error { return m.inner.UpdateStatus(ctx, id, status) })
}

func (m *BreakerManager) AssignTask(ctx context.Context, id domain.EntityID, agentID domain.EntityID) error {
	return runVoid(m, "AssignTask", func() error { return m.inner.AssignTask(ctx, id, agentID) })
}

func (m *BreakerManager) UnassignTask(ctx context.Context, id domain.EntityID) error {
	return runVoid(m, "UnassignTask", func() error { return m.inner.UnassignTask(ctx, id) })
}

func (m *BreakerManager) AddComment(ctx context.Context, id domain.EntityID, text string) error {
	return runVoid(m, "AddComment", func() error { return m.inner.AddComment(ctx, id, text) })
}

var _ Provider = (*BreakerManager)(nil)
