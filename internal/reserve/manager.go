// Package reserve implements the lease-based file reservation engine. All
// state lives in memory behind a single mutex: conflict checking and lease
// registration happen inside one critical section, which is what closes the
// check-then-insert race between concurrent acquires.
package reserve

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joewinke/foreman/internal/core"
	"github.com/joewinke/foreman/internal/glob"
)

// Manager owns the set of active leases.
type Manager struct {
	mu      sync.Mutex
	leases  map[string]core.Lease
	nowFunc func() time.Time // for testing
}

func NewManager() *Manager {
	return &Manager{
		leases:  make(map[string]core.Lease),
		nowFunc: time.Now,
	}
}

// Acquire attempts to register a lease over the given patterns. On conflict
// it returns a ConflictError listing every overlapping live lease, not just
// the first, so callers can render a complete picture to the agent.
//
// Expiry is evaluated against a single now read at entry: a lease visible to
// the conflict check stays visible for the whole call.
func (m *Manager) Acquire(patterns []string, agent string, mode core.LeaseMode, ttl time.Duration, reason string) (core.Lease, error) {
	if len(patterns) == 0 {
		return core.Lease{}, fmt.Errorf("acquire: patterns required")
	}
	if agent == "" {
		return core.Lease{}, fmt.Errorf("acquire: agent required")
	}
	if ttl <= 0 {
		return core.Lease{}, fmt.Errorf("acquire: ttl must be positive")
	}
	if mode != core.ModeExclusive && mode != core.ModeShared {
		return core.Lease{}, fmt.Errorf("acquire: unknown mode %q", mode)
	}
	for _, p := range patterns {
		if err := glob.Validate(p); err != nil {
			return core.Lease{}, fmt.Errorf("acquire: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc().UTC()
	conflicts, err := m.conflictsLocked(patterns, agent, mode, now)
	if err != nil {
		return core.Lease{}, fmt.Errorf("acquire: %w", err)
	}
	if len(conflicts) > 0 {
		return core.Lease{}, &core.ConflictError{Conflicts: conflicts}
	}

	lease := core.Lease{
		ID:        uuid.NewString(),
		AgentID:   agent,
		Patterns:  append([]string(nil), patterns...),
		Mode:      mode,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	m.leases[lease.ID] = lease
	return lease, nil
}

// Check reports the conflicts a hypothetical acquire would hit, without
// registering anything.
func (m *Manager) Check(patterns []string, agent string, mode core.LeaseMode) ([]core.ConflictDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conflictsLocked(patterns, agent, mode, m.nowFunc().UTC())
}

// conflictsLocked computes every live lease overlapping the requested
// patterns. Two pattern sets conflict when any pair overlaps structurally
// and at least one side is exclusive; an agent never conflicts with itself.
func (m *Manager) conflictsLocked(patterns []string, agent string, mode core.LeaseMode, now time.Time) ([]core.ConflictDetail, error) {
	var out []core.ConflictDetail
	for _, lease := range m.leases {
		if !lease.ActiveAt(now) || lease.AgentID == agent {
			continue
		}
		if mode == core.ModeShared && lease.Mode == core.ModeShared {
			continue
		}
		for _, requested := range patterns {
			for _, held := range lease.Patterns {
				overlap, err := glob.Overlap(requested, held)
				if err != nil {
					return nil, err
				}
				if overlap {
					out = append(out, core.ConflictDetail{
						LeaseID:        lease.ID,
						HolderID:       lease.AgentID,
						Mode:           lease.Mode,
						Pattern:        requested,
						AgainstPattern: held,
						Reason:         lease.Reason,
						Remaining:      lease.Remaining(now),
					})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LeaseID != out[j].LeaseID {
			return out[i].LeaseID < out[j].LeaseID
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out, nil
}

// Release removes a lease owned by the agent. Releasing an unknown, expired,
// or already-released lease is a successful no-op: retried cleanup must
// never surface an error.
func (m *Manager) Release(leaseID, agent string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[leaseID]
	if !ok {
		return true
	}
	if lease.AgentID != agent {
		return false
	}
	delete(m.leases, leaseID)
	return true
}

// ReleaseAllFor removes every lease held by the agent whose reason matches.
// An empty reason releases all of the agent's leases. Returns the count
// released.
func (m *Manager) ReleaseAllFor(agent, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, lease := range m.leases {
		if lease.AgentID != agent {
			continue
		}
		if reason != "" && lease.Reason != reason {
			continue
		}
		delete(m.leases, id)
		count++
	}
	return count
}

// ActiveFor returns a snapshot of the agent's live leases.
func (m *Manager) ActiveFor(agent string) []core.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc().UTC()
	var out []core.Lease
	for _, lease := range m.leases {
		if lease.AgentID == agent && lease.ActiveAt(now) {
			out = append(out, lease)
		}
	}
	sortLeases(out)
	return out
}

// Active returns a snapshot of every live lease.
func (m *Manager) Active() []core.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc().UTC()
	out := make([]core.Lease, 0, len(m.leases))
	for _, lease := range m.leases {
		if lease.ActiveAt(now) {
			out = append(out, lease)
		}
	}
	sortLeases(out)
	return out
}

// Sweep deletes leases expired at or before the cutoff and returns them.
// It takes the same mutex as Acquire/Release, so a sweep never removes a
// lease out from under an in-flight conflict check.
func (m *Manager) Sweep(cutoff time.Time) []core.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	var swept []core.Lease
	for id, lease := range m.leases {
		if !lease.ActiveAt(cutoff) {
			delete(m.leases, id)
			swept = append(swept, lease)
		}
	}
	sortLeases(swept)
	return swept
}

func sortLeases(leases []core.Lease) {
	sort.Slice(leases, func(i, j int) bool {
		if !leases[i].CreatedAt.Equal(leases[j].CreatedAt) {
			return leases[i].CreatedAt.Before(leases[j].CreatedAt)
		}
		return leases[i].ID < leases[j].ID
	})
}
