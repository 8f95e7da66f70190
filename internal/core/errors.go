package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores when an entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrAssigneeConflict is returned when a compare-and-set assignment commit
// loses the race: the task was no longer open and unassigned at commit time.
var ErrAssigneeConflict = errors.New("task already assigned")

// ConflictError carries the full set of leases overlapping a denied acquire.
type ConflictError struct {
	Conflicts []ConflictDetail
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 1 {
		c := e.Conflicts[0]
		return fmt.Sprintf("pattern %q conflicts with lease %s held by %s (%s remaining)",
			c.Pattern, c.LeaseID, c.HolderID, c.Remaining.Round(time.Second))
	}
	return fmt.Sprintf("%d overlapping leases", len(e.Conflicts))
}
