// Package assignment implements the AssignmentStore — the atomic core
// guarding one live lease per task, decoupled from any one kanban provider.
package assignment

import (
	"time"

	"github.com/lwgray/marcus/pkg/domain"
)

// Lease is the record AssignmentStore owns for a claimed task.
type Lease struct {
	AgentID      domain.EntityID
	TaskID       domain.EntityID
	GrantedAt    domain.Timestamp
	ExpiresAt    domain.Timestamp
	RenewedCount int
	Generation   int64
}

// IsExpired reports whether the lease has passed its expiry relative to now.
func (l *Lease) IsExpired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// Default lease-duration bounds: a lease never runs shorter than 30 minutes
// or longer than 24 hours regardless of the task's estimate.
const (
	DefaultMinLease = 30 * time.Minute
	DefaultMaxLease = 24 * time.Hour
)

// ExpiryFor computes a lease duration from a task's estimated hours:
// max(estimated_hours x 2, 30 min), capped at 24h.
func ExpiryFor(estimatedHours float64) time.Duration {
	return ExpiryForBounds(estimatedHours, DefaultMinLease, DefaultMaxLease)
}

// ExpiryForBounds is ExpiryFor with deployment-supplied bounds (config keys
// lease.min_duration / lease.max_duration). Non-positive bounds fall back to
// the defaults.
func ExpiryForBounds(estimatedHours float64, min, max time.Duration) time.Duration {
	if min <= 0 {
		min = DefaultMinLease
	}
	if max <= 0 {
		max = DefaultMaxLease
	}
	d := time.Duration(estimatedHours * 2 * float64(time.Hour))
	if d < min {
		d = min
	}
	if d > max {
		d = max
	}
	return d
}

// ReleaseReason mirrors domain.ReleaseReason for call-site clarity at this
// package's boundary.
type ReleaseReason = domain.ReleaseReason

const (
	ReleaseCompleted = domain.ReleaseCompleted
	ReleaseCancelled = domain.ReleaseCancelled
	ReleaseExpired   = domain.ReleaseExpired
)

// ClaimResult is the outcome of a TryClaim call.
type ClaimResult struct {
	OK     bool
	Lease  *Lease
	Reason string // populated when OK is false, e.g. "task already leased"
}
