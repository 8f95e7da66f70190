// Package deps computes task readiness and blocker chains over point-in-time
// task snapshots. It never touches storage: callers pass in the snapshot they
// want evaluated, which keeps every function here side-effect-free.
package deps

import (
	"fmt"
	"sort"

	"github.com/joewinke/foreman/internal/core"
)

// IsReady reports whether every dependency of the task is closed. When it is
// not, the returned blockers are the non-closed subset of depends_on, sorted
// by priority then ID so error messages stay deterministic.
func IsReady(task core.Task) (bool, []core.TaskRef) {
	var blockers []core.TaskRef
	for _, ref := range task.DependsOn {
		if ref.Status != core.TaskStatusClosed {
			blockers = append(blockers, ref)
		}
	}
	if len(blockers) == 0 {
		return true, nil
	}
	sortRefs(blockers)
	return false, blockers
}

// Level is one tier of the transitive blocker chain: level 1 holds the
// direct blockers, level 2 their blockers, and so on.
type Level struct {
	Depth    int            `json:"depth"`
	Blockers []core.TaskRef `json:"blockers"`
}

// Chain expands the full transitive blocker chain of a task against the
// supplied snapshot of all tasks. Traversal carries a visited set keyed by
// task ID: a task already expanded is never re-expanded, so a dependency
// cycle in the data yields a partial chain instead of an infinite loop.
func Chain(task core.Task, allTasks []core.Task) []Level {
	byID := make(map[string]core.Task, len(allTasks))
	for _, t := range allTasks {
		byID[t.ID] = t
	}

	visited := map[string]bool{task.ID: true}
	_, frontier := IsReady(task)

	var levels []Level
	for depth := 1; len(frontier) > 0; depth++ {
		var tier []core.TaskRef
		var next []core.TaskRef
		for _, ref := range frontier {
			if visited[ref.ID] {
				continue
			}
			visited[ref.ID] = true
			tier = append(tier, ref)
			blocker, ok := byID[ref.ID]
			if !ok {
				continue
			}
			_, more := IsReady(blocker)
			next = append(next, more...)
		}
		if len(tier) == 0 {
			break
		}
		sortRefs(tier)
		levels = append(levels, Level{Depth: depth, Blockers: tier})
		frontier = next
	}
	return levels
}

// Status summarizes a task's dependency situation: how many open tasks block
// it, and how many open tasks it blocks.
type Status struct {
	BlockedCount  int `json:"blocked_count"`
	BlockingCount int `json:"blocking_count"`
}

// StatusOf derives the dependency status from a task snapshot.
func StatusOf(task core.Task) Status {
	var st Status
	for _, ref := range task.DependsOn {
		if ref.Status != core.TaskStatusClosed {
			st.BlockedCount++
		}
	}
	for _, ref := range task.BlockedBy {
		if ref.Status != core.TaskStatusClosed {
			st.BlockingCount++
		}
	}
	return st
}

// BadgeInfo is the presentation mapping of a dependency status. Actionable
// encodes the authoritative rule: a task with open dependencies cannot be
// assigned, while a task that merely has open dependents still can.
type BadgeInfo struct {
	Label      string `json:"label"`
	Actionable bool   `json:"actionable"`
}

// Badge maps a dependency status to its display badge.
func Badge(st Status) BadgeInfo {
	switch {
	case st.BlockedCount > 0:
		return BadgeInfo{
			Label:      fmt.Sprintf("blocked by %d", st.BlockedCount),
			Actionable: false,
		}
	case st.BlockingCount > 0:
		return BadgeInfo{
			Label:      fmt.Sprintf("blocks %d", st.BlockingCount),
			Actionable: true,
		}
	default:
		return BadgeInfo{Actionable: true}
	}
}

func sortRefs(refs []core.TaskRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Priority != refs[j].Priority {
			return refs[i].Priority < refs[j].Priority
		}
		return refs[i].ID < refs[j].ID
	})
}
