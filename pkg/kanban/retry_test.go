package kanban

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lwgray/marcus/pkg/domain"
)

// countingBoard fails the first failUntil calls of each op, then succeeds.
type countingBoard struct {
	failUntil int
	retryable bool
	calls     map[string]int
}

func newCountingBoard(failUntil int, retryable bool) *countingBoard {
	return &countingBoard{failUntil: failUntil, retryable: retryable, calls: make(map[string]int)}
}

func (c *countingBoard) fail(op string) error {
	c.calls[op]++
	if c.calls[op] <= c.failUntil {
		return &IntegrationError{Provider: "counting", Op: op, Err: fmt.Errorf("boom"), Retryable: c.retryable}
	}
	return nil
}

func (c *countingBoard) Name() string { return "counting" }
func (c *countingBoard) ListTasks(ctx context.Context, projectID domain.EntityID) ([]*BoardTask, error) {
	return nil, c.fail("ListTasks")
}
func (c *countingBoard) GetTask(ctx context.Context, id domain.EntityID) (*BoardTask, error) {
	return nil, c.fail("GetTask")
}
func (c *countingBoard) CreateTask(ctx context.Context, projectID domain.EntityID, spec TaskSpec) (domain.EntityID, error) {
	return "TASK-001", c.fail("CreateTask")
}
func (c *countingBoard) UpdateStatus(ctx context.Context, id domain.EntityID, status domain.TaskStatus) error {
	return c.fail("UpdateStatus")
}
func (c *countingBoard) AssignTask(ctx context.Context, id, agentID domain.EntityID) error {
	return c.fail("AssignTask")
}
func (c *countingBoard) UnassignTask(ctx context.Context, id domain.EntityID) error {
	return c.fail("UnassignTask")
}
func (c *countingBoard) AddComment(ctx context.Context, id domain.EntityID, text string) error {
	return c.fail("AddComment")
}

// TestRetrySucceedsAfterTransientFailures verifies a write is retried past
// transient errors and eventually succeeds within the attempt cap.
func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	inner := newCountingBoard(2, true)
	r := NewRetryingProvider(inner)

	if err := r.UpdateStatus(context.Background(), "TASK-001", domain.StatusDone); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if inner.calls["UpdateStatus"] != 3 {
		t.Errorf("expected 3 attempts, got %d", inner.calls["UpdateStatus"])
	}
}

// TestRetryStopsAtAttemptCap verifies a persistently failing call gives up
// after 4 attempts.
func TestRetryStopsAtAttemptCap(t *testing.T) {
	inner := newCountingBoard(100, true)
	r := NewRetryingProvider(inner)

	if err := r.AddComment(context.Background(), "TASK-001", "x"); err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if inner.calls["AddComment"] != retryMaxAttempts {
		t.Errorf("expected %d attempts, got %d", retryMaxAttempts, inner.calls["AddComment"])
	}
}

// TestRetrySkipsNonRetryableErrors verifies 4xx-class errors are returned
// immediately without backoff.
func TestRetrySkipsNonRetryableErrors(t *testing.T) {
	inner := newCountingBoard(100, false)
	r := NewRetryingProvider(inner)

	if err := r.UpdateStatus(context.Background(), "TASK-001", domain.StatusDone); err == nil {
		t.Fatal("expected the non-retryable error to surface")
	}
	if inner.calls["UpdateStatus"] != 1 {
		t.Errorf("non-retryable error must not be retried, got %d attempts", inner.calls["UpdateStatus"])
	}
}

// TestAssignTaskNeverRetried verifies an assignment rejection is surfaced
// after a single attempt even when the error reads transient — the
// scheduler must re-pick, not fight for the card.
func TestAssignTaskNeverRetried(t *testing.T) {
	inner := newCountingBoard(100, true)
	r := NewRetryingProvider(inner)

	if err := r.AssignTask(context.Background(), "TASK-001", "agent-1"); err == nil {
		t.Fatal("expected the assignment failure to surface")
	}
	if inner.calls["AssignTask"] != 1 {
		t.Errorf("AssignTask must be issued exactly once, got %d attempts", inner.calls["AssignTask"])
	}
}

// TestRetryRespectsCancellation verifies an in-backoff retry loop exits
// when the context is cancelled.
func TestRetryRespectsCancellation(t *testing.T) {
	inner := newCountingBoard(100, true)
	r := NewRetryingProvider(inner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := r.UpdateStatus(ctx, "TASK-001", domain.StatusDone); err == nil {
		t.Fatal("expected failure under a cancelled context")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancelled retry loop took %s, should exit on the first backoff", elapsed)
	}
	if inner.calls["UpdateStatus"] > 2 {
		t.Errorf("cancelled context should stop further attempts, got %d", inner.calls["UpdateStatus"])
	}
}

// TestDelayForBounds verifies the backoff schedule: 500ms doubling to 8s
// max, each within the ±25% jitter envelope.
func TestDelayForBounds(t *testing.T) {
	r := NewRetryingProvider(newCountingBoard(0, true))

	tests := []struct {
		attempt int
		nominal time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second}, // capped
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := r.delayFor(tt.attempt)
			lo := time.Duration(float64(tt.nominal) * (1 - retryJitter))
			hi := time.Duration(float64(tt.nominal) * (1 + retryJitter))
			if d < lo || d > hi {
				t.Fatalf("delayFor(%d) = %s, outside [%s, %s]", tt.attempt, d, lo, hi)
			}
		}
	}
}
