// Package retryplanner computes how long an agent should sleep after
// request_next_task finds nothing assignable, so agents back off
// intelligently instead of hot-polling: the retry tracks the soonest
// blocker's expected completion rather than a fixed interval.
package retryplanner

import (
	"time"

	"github.com/lwgray/marcus/pkg/domain"
)

// Blocker describes one incomplete dependency standing between the agent
// and a TODO task it could otherwise take.
type Blocker struct {
	TaskID         domain.EntityID
	EstimatedHours float64
	LeaseExpiresAt *time.Time // nil when no agent currently holds a lease on it
	// UnlocksCount is the number of additional TODO tasks that become
	// parallel-eligible once this blocker completes — used for the
	// priority-boost halving.
	UnlocksCount int
}

const (
	minRetry     = 30 * time.Second
	maxRetry     = 900 * time.Second
	noMatchRetry = 900 * time.Second
)

// Compute derives the backoff from the blocker set:
//
//	retry_after_seconds = 0.6 * min(ETA over B), clamped to [30, 900]
//	ETA(b) = max(lease.expires_at - now, 0.5 * estimated_hours * 3600)
//	empty B (skill mismatch, no blockers) -> 900
//	any blocker unlocking >= 2 tasks -> halve the result
func Compute(blockers []Blocker, now time.Time) time.Duration {
	if len(blockers) == 0 {
		return noMatchRetry
	}

	var minETA time.Duration
	boost := false
	for i, b := range blockers {
		eta := etaFor(b, now)
		if i == 0 || eta < minETA {
			minETA = eta
		}
		if b.UnlocksCount >= 2 {
			boost = true
		}
	}

	retry := time.Duration(0.6 * float64(minETA))
	if boost {
		retry /= 2
	}
	return clamp(retry)
}

func etaFor(b Blocker, now time.Time) time.Duration {
	estimate := time.Duration(0.5 * b.EstimatedHours * float64(time.Hour))
	if b.LeaseExpiresAt == nil {
		return estimate
	}
	remaining := b.LeaseExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > estimate {
		return remaining
	}
	return estimate
}

func clamp(d time.Duration) time.Duration {
	if d < minRetry {
		return minRetry
	}
	if d > maxRetry {
		return maxRetry
	}
	return d
}
