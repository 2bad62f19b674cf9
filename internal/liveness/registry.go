// Package liveness tracks payment rail availability and triggers debt
// repayment when a rail comes back up.
package liveness

import (
	"sort"
	"sync"

	"github.com/sazuyakun/Project-Aegis/internal/metrics"
)

// Status is a rail's last observed availability.
type Status string

const (
	StatusUp      Status = "up"
	StatusDown    Status = "down"
	StatusUnknown Status = "unknown"
)

// ParseStatus maps an inbound event status string onto a Status.
// Anything unrecognized is Unknown.
func ParseStatus(s string) Status {
	switch s {
	case "up":
		return StatusUp
	case "down":
		return StatusDown
	default:
		return StatusUnknown
	}
}

// Registry is the in-memory rail status table. Rails never observed
// report StatusUnknown. The mutex guards only map access; the OnRailUp
// hook runs on its own goroutine so SetStatus never blocks on it.
type Registry struct {
	mu    sync.RWMutex
	rails map[string]Status

	// OnRailUp fires once per not-up to up transition. Set before the
	// registry starts receiving events.
	OnRailUp func(rail string)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rails: make(map[string]Status)}
}

// SetStatus records a rail's status and reports whether this call was a
// not-up to up transition. Repeated "up" samples return false, so the
// repayment trigger fires exactly once per outage recovery.
func (r *Registry) SetStatus(rail string, status Status) bool {
	r.mu.Lock()
	prev, seen := r.rails[rail]
	r.rails[rail] = status
	r.mu.Unlock()

	metrics.ObserveRail(rail, string(status))

	transitioned := status == StatusUp && (!seen || prev != StatusUp)
	if transitioned && r.OnRailUp != nil {
		go r.OnRailUp(rail)
	}
	return transitioned
}

// GetStatus returns the rail's last observed status, or StatusUnknown
// for rails never seen.
func (r *Registry) GetStatus(rail string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.rails[rail]; ok {
		return s
	}
	return StatusUnknown
}

// Snapshot returns all observed rails and their statuses, sorted by
// rail id for stable health output.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Status, len(r.rails))
	for rail, s := range r.rails {
		out[rail] = s
	}
	return out
}

// Rails returns the observed rail ids in sorted order.
func (r *Registry) Rails() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.rails))
	for rail := range r.rails {
		out = append(out, rail)
	}
	sort.Strings(out)
	return out
}
