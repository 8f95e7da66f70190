package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTaskAssigned       EventType = "task.assigned"
	EventTaskClosed         EventType = "task.closed"
	EventReservationCreated EventType = "reservation.created"
	EventReservationRelease EventType = "reservation.released"
	EventReservationExpired EventType = "reservation.expired"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusClosed     TaskStatus = "closed"
)

// TaskRef is a lightweight reference to another task carrying the
// status/priority snapshot taken when the parent task was loaded.
type TaskRef struct {
	ID       string     `json:"id"`
	Status   TaskStatus `json:"status"`
	Priority int        `json:"priority"`
}

// Task is a unit of work in the backlog. DependsOn holds forward edges
// (tasks that must close before this one is ready); BlockedBy holds the
// reverse edges (tasks waiting on this one).
type Task struct {
	ID        string     `json:"id"`
	Project   string     `json:"project"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	Priority  int        `json:"priority"`
	Assignee  string     `json:"assignee,omitempty"`
	DependsOn []TaskRef  `json:"depends_on,omitempty"`
	BlockedBy []TaskRef  `json:"blocked_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// LeaseMode controls how a lease coexists with overlapping leases.
type LeaseMode string

const (
	ModeExclusive LeaseMode = "exclusive"
	ModeShared    LeaseMode = "shared"
)

// Lease is a time-bounded claim over a set of file patterns.
type Lease struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Patterns  []string  `json:"patterns"`
	Mode      LeaseMode `json:"mode"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ActiveAt reports whether the lease is still live at the given instant.
// Expiry is evaluated against a caller-supplied now so every read within
// one operation observes the same cutoff.
func (l Lease) ActiveAt(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// Remaining returns the lease time left at the given instant, floored at zero.
func (l Lease) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ConflictDetail describes one existing lease that overlaps a requested
// pattern set. Callers render these into actionable errors, so the full
// holder/mode/remaining/pattern context travels with each entry.
type ConflictDetail struct {
	LeaseID        string        `json:"lease_id"`
	HolderID       string        `json:"holder_id"`
	Mode           LeaseMode     `json:"mode"`
	Pattern        string        `json:"pattern"`
	AgainstPattern string        `json:"against_pattern"`
	Reason         string        `json:"reason,omitempty"`
	Remaining      time.Duration `json:"remaining"`
}

// NewTaskID generates a task identifier in the <project>-<3charHash> format.
func NewTaskID(project string) string {
	return project + "-" + uuid.NewString()[:3]
}

// ValidTaskID reports whether id matches the <project>-<3charHash> format:
// a non-empty project part, a dash, and exactly three lowercase alphanumerics.
func ValidTaskID(id string) bool {
	i := strings.LastIndexByte(id, '-')
	if i < 1 || len(id)-i-1 != 3 {
		return false
	}
	for _, ch := range id[i+1:] {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= '0' && ch <= '9':
		default:
			return false
		}
	}
	return true
}
