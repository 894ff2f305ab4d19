package kanban

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/logger"
)

// Retry policy for outbound provider calls: exponential backoff starting at
// 500ms, doubling to 8s max, with ±25% jitter, capped at 4 attempts.
const (
	retryBaseDelay   = 500 * time.Millisecond
	retryMaxDelay    = 8 * time.Second
	retryMaxAttempts = 4
	retryJitter      = 0.25
)

// RetryingProvider wraps a Provider so every call is retried with jittered
// exponential backoff. Never retried: errors marked non-retryable (4xx,
// auth, validation) and AssignTask after its first rejection — a rejected
// assignment means another actor claimed the task, and the scheduler must
// re-pick rather than fight for the card.
type RetryingProvider struct {
	inner Provider

	mu  sync.Mutex
	rng *rand.Rand
	log *logger.Logger
}

// NewRetryingProvider wraps inner with the standard retry policy.
func NewRetryingProvider(inner Provider) *RetryingProvider {
	return &RetryingProvider{
		inner: inner,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		log:   logger.Get("kanban.retry"),
	}
}

func (r *RetryingProvider) Name() string { return r.inner.Name() }

// retryable reports whether err is worth another attempt. A typed
// IntegrationError carries the answer; anything untyped (driver errors,
// net timeouts surfaced raw) is assumed transient.
func retryable(err error) bool {
	var ie *IntegrationError
	if errors.As(err, &ie) {
		return ie.Retryable
	}
	return true
}

// delayFor computes the backoff before attempt n (0-based first retry):
// base * 2^n capped at the max, then ±25% jitter.
func (r *RetryingProvider) delayFor(attempt int) time.Duration {
	d := retryBaseDelay << uint(attempt)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	r.mu.Lock()
	factor := 1 - retryJitter + 2*retryJitter*r.rng.Float64()
	r.mu.Unlock()
	return time.Duration(float64(d) * factor)
}

// do runs fn up to retryMaxAttempts times, sleeping the jittered backoff
// between attempts. maxAttempts below the policy cap restricts individual
// operations further (AssignTask passes 1).
func (r *RetryingProvider) do(ctx context.Context, op string, maxAttempts int, fn func() error) error {
	if maxAttempts > retryMaxAttempts {
		maxAttempts = retryMaxAttempts
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.delayFor(attempt - 1)
			r.log.DebugF("retrying provider call", map[string]interface{}{
				"op": op, "attempt": attempt + 1, "delay_ms": delay.Milliseconds(),
			})
			select {
			case <-ctx.Done():
				return err
			case <-time.After(delay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

func (r *RetryingProvider) ListTasks(ctx context.Context, projectID domain.EntityID) ([]*BoardTask, error) {
	var out []*BoardTask
	err := r.do(ctx, "ListTasks", retryMaxAttempts, func() error {
		var e error
		out, e = r.inner.ListTasks(ctx, projectID)
		return e
	})
	return out, err
}

func (r *RetryingProvider) GetTask(ctx context.Context, id domain.EntityID) (*BoardTask, error) {
	var out *BoardTask
	err := r.do(ctx, "GetTask", retryMaxAttempts, func() error {
		var e error
		out, e = r.inner.GetTask(ctx, id)
		return e
	})
	return out, err
}

func (r *RetryingProvider) CreateTask(ctx context.Context, projectID domain.EntityID, spec TaskSpec) (domain.EntityID, error) {
	var out domain.EntityID
	err := r.do(ctx, "CreateTask", retryMaxAttempts, func() error {
		var e error
		out, e = r.inner.CreateTask(ctx, projectID, spec)
		return e
	})
	return out, err
}

func (r *RetryingProvider) UpdateStatus(ctx context.Context, id domain.EntityID, status domain.TaskStatus) error {
	return r.do(ctx, "UpdateStatus", retryMaxAttempts, func() error {
		return r.inner.UpdateStatus(ctx, id, status)
	})
}

// AssignTask is issued exactly once: a conflict means another actor claimed
// the task, so retrying could steal a card the board already gave away.
func (r *RetryingProvider) AssignTask(ctx context.Context, id domain.EntityID, agentID domain.EntityID) error {
	return r.do(ctx, "AssignTask", 1, func() error {
		return r.inner.AssignTask(ctx, id, agentID)
	})
}

func (r *RetryingProvider) UnassignTask(ctx context.Context, id domain.EntityID) error {
	return r.do(ctx, "UnassignTask", retryMaxAttempts, func() error {
		return r.inner.UnassignTask(ctx, id)
	})
}

func (r *RetryingProvider) AddComment(ctx context.Context, id domain.EntityID, text string) error {
	return r.do(ctx, "AddComment", retryMaxAttempts, func() error {
		return r.inner.AddComment(ctx, id, text)
	})
}

var _ Provider = (*RetryingProvider)(nil)
