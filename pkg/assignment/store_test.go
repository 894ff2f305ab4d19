package assignment

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lwgray/marcus/pkg/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "assignments.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestTryClaimGrantsLease verifies the happy path writes a live lease with a
// generation counter.
func TestTryClaimGrantsLease(t *testing.T) {
	s := newTestStore(t)

	res, err := s.TryClaim("agent-1", "TASK-001", "proj-1", 1, time.Hour)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected claim to succeed, got reason %q", res.Reason)
	}
	if res.Lease.Generation != 1 {
		t.Errorf("first claim should be generation 1, got %d", res.Lease.Generation)
	}

	lease, err := s.Get("TASK-001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if lease == nil || lease.AgentID != "agent-1" {
		t.Fatalf("expected persisted lease for agent-1, got %+v", lease)
	}
}

// TestTryClaimConflict verifies no second agent can claim a live-leased
// task (spec mutual-exclusion property).
func TestTryClaimConflict(t *testing.T) {
	s := newTestStore(t)

	if res, _ := s.TryClaim("agent-1", "TASK-001", "proj-1", 1, time.Hour); !res.OK {
		t.Fatal("first claim should succeed")
	}
	res, err := s.TryClaim("agent-2", "TASK-001", "proj-1", 1, time.Hour)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if res.OK {
		t.Fatal("second claim on a live lease must be rejected")
	}
}

// TestTryClaimCapacity verifies a capacity-1 agent cannot hold two leases.
func TestTryClaimCapacity(t *testing.T) {
	s := newTestStore(t)

	if res, _ := s.TryClaim("agent-1", "TASK-001", "proj-1", 1, time.Hour); !res.OK {
		t.Fatal("first claim should succeed")
	}
	res, err := s.TryClaim("agent-1", "TASK-002", "proj-1", 1, time.Hour)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if res.OK {
		t.Fatal("capacity-1 agent must not receive a second lease")
	}

	// Capacity 2 allows the second lease.
	res, err = s.TryClaim("agent-1", "TASK-002", "proj-1", 2, time.Hour)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if !res.OK {
		t.Fatal("capacity-2 agent should receive a second lease")
	}
}

// TestClaimOverExpiredLease verifies an expired lease does not block a new
// claim.
func TestClaimOverExpiredLease(t *testing.T) {
	s := newTestStore(t)

	if res, _ := s.TryClaim("agent-1", "TASK-001", "proj-1", 1, -time.Minute); !res.OK {
		t.Fatal("claim with already-past expiry should still write")
	}
	res, err := s.TryClaim("agent-2", "TASK-001", "proj-1", 1, time.Hour)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if !res.OK {
		t.Fatal("expired lease must not block a fresh claim")
	}
}

// TestReleaseIsIdempotent verifies releasing a missing lease is not an error.
func TestReleaseIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	if res, _ := s.TryClaim("agent-1", "TASK-001", "proj-1", 1, time.Hour); !res.OK {
		t.Fatal("claim should succeed")
	}
	if err := s.Release("TASK-001", ReleaseCompleted); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release("TASK-001", ReleaseCompleted); err != nil {
		t.Fatalf("second Release should be a no-op, got %v", err)
	}
	if lease, _ := s.Get("TASK-001"); lease != nil {
		t.Fatal("lease should be gone after release")
	}
}

// TestRenewOnlyHolder verifies only the holding agent may renew.
func TestRenewOnlyHolder(t *testing.T) {
	s := newTestStore(t)

	if res, _ := s.TryClaim("agent-1", "TASK-001", "proj-1", 1, time.Hour); !res.OK {
		t.Fatal("claim should succeed")
	}

	if _, err := s.Renew("TASK-001", "agent-2", time.Now().Add(2*time.Hour)); err == nil {
		t.Fatal("non-holder renew must fail")
	}

	lease, err := s.Renew("TASK-001", "agent-1", time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("holder renew: %v", err)
	}
	if lease.RenewedCount != 1 {
		t.Errorf("expected renewed_count 1, got %d", lease.RenewedCount)
	}
}

// TestListExpired verifies only past-expiry leases are returned.
func TestListExpired(t *testing.T) {
	s := newTestStore(t)

	s.TryClaim("agent-1", "TASK-001", "proj-1", 2, -time.Minute)
	s.TryClaim("agent-1", "TASK-002", "proj-1", 2, time.Hour)

	expired, err := s.ListExpired(time.Now().UTC())
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].TaskID != "TASK-001" {
		t.Fatalf("expected only TASK-001 expired, got %+v", expired)
	}
}

// TestListByAgentSkipsExpired verifies the capacity check only counts live
// leases.
func TestListByAgentSkipsExpired(t *testing.T) {
	s := newTestStore(t)

	s.TryClaim("agent-1", "TASK-001", "proj-1", 2, -time.Minute)
	s.TryClaim("agent-1", "TASK-002", "proj-1", 2, time.Hour)

	live, err := s.ListByAgent("agent-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(live) != 1 || live[0].TaskID != "TASK-002" {
		t.Fatalf("expected only the live lease, got %+v", live)
	}
}

// TestConcurrentClaimMutualExclusion races many goroutines at one task and
// asserts exactly one claim wins (spec mutual-exclusion property).
func TestConcurrentClaimMutualExclusion(t *testing.T) {
	s := newTestStore(t)

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan domain.EntityID, racers)

	for i := 0; i < racers; i++ {
		agentID := domain.EntityID(string(rune('a' + i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.TryClaim(agentID, "TASK-RACE", "proj-1", 1, time.Hour)
			if err == nil && res.OK {
				wins <- agentID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []domain.EntityID
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d (%v)", len(winners), winners)
	}
}

// TestExpiryFor verifies the lease-duration formula from the data model:
// max(estimated_hours x 2, 30min) capped at 24h.
func TestExpiryFor(t *testing.T) {
	tests := []struct {
		hours float64
		want  time.Duration
	}{
		{0, 30 * time.Minute},
		{0.1, 30 * time.Minute},
		{1, 2 * time.Hour},
		{6, 12 * time.Hour},
		{20, 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := ExpiryFor(tt.hours); got != tt.want {
			t.Errorf("ExpiryFor(%v) = %s, want %s", tt.hours, got, tt.want)
		}
	}
}
