// Package storage defines the Task Store contract the coordinator consumes.
// The backlog is owned by this store; the coordinator only reads tasks and
// commits assignee/status transitions through it.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/joewinke/foreman/internal/core"
)

// TaskStore is the persistence contract for tasks and their dependency
// edges. UpdateAssignee is a compare-and-set: it commits only when the task
// is still open and unassigned, returning core.ErrAssigneeConflict otherwise.
type TaskStore interface {
	CreateTask(ctx context.Context, task core.Task) (core.Task, error)
	GetTask(ctx context.Context, id string) (core.Task, error)
	ListTasks(ctx context.Context, project string) ([]core.Task, error)
	ListReady(ctx context.Context, project string) ([]core.Task, error)
	AddDependency(ctx context.Context, taskID, dependsOn string) error
	UpdateAssignee(ctx context.Context, id, agent string) (core.Task, error)
	CloseTask(ctx context.Context, id, reason string) error
}

// InMemory is a mutex-guarded in-memory task store for tests.
type InMemory struct {
	mu    sync.Mutex
	tasks map[string]core.Task
	deps  map[string][]string // task -> depends_on IDs
}

func NewInMemory() *InMemory {
	return &InMemory{
		tasks: make(map[string]core.Task),
		deps:  make(map[string][]string),
	}
}

func (m *InMemory) CreateTask(ctx context.Context, task core.Task) (core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.ID == "" {
		task.ID = core.NewTaskID(task.Project)
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	if task.Status == "" {
		task.Status = core.TaskStatusOpen
	}
	for _, ref := range task.DependsOn {
		m.deps[task.ID] = append(m.deps[task.ID], ref.ID)
	}
	task.DependsOn = nil
	task.BlockedBy = nil
	m.tasks[task.ID] = task
	return m.snapshotLocked(task.ID), nil
}

func (m *InMemory) GetTask(ctx context.Context, id string) (core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return core.Task{}, core.ErrNotFound
	}
	return m.snapshotLocked(id), nil
}

func (m *InMemory) ListTasks(ctx context.Context, project string) ([]core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []core.Task
	for id, task := range m.tasks {
		if project == "" || task.Project == project {
			out = append(out, m.snapshotLocked(id))
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *InMemory) ListReady(ctx context.Context, project string) ([]core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []core.Task
	for id, task := range m.tasks {
		if project != "" && task.Project != project {
			continue
		}
		if task.Status != core.TaskStatusOpen || task.Assignee != "" {
			continue
		}
		snap := m.snapshotLocked(id)
		ready := true
		for _, ref := range snap.DependsOn {
			if ref.Status != core.TaskStatusClosed {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, snap)
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *InMemory) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return core.ErrNotFound
	}
	for _, existing := range m.deps[taskID] {
		if existing == dependsOn {
			return nil
		}
	}
	m.deps[taskID] = append(m.deps[taskID], dependsOn)
	return nil
}

func (m *InMemory) UpdateAssignee(ctx context.Context, id, agent string) (core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return core.Task{}, core.ErrNotFound
	}
	if task.Status != core.TaskStatusOpen || task.Assignee != "" {
		return core.Task{}, core.ErrAssigneeConflict
	}
	task.Assignee = agent
	task.Status = core.TaskStatusInProgress
	task.UpdatedAt = time.Now().UTC()
	m.tasks[id] = task
	return m.snapshotLocked(id), nil
}

func (m *InMemory) CloseTask(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return core.ErrNotFound
	}
	task.Status = core.TaskStatusClosed
	task.UpdatedAt = time.Now().UTC()
	m.tasks[id] = task
	return nil
}

// snapshotLocked materializes a task with its dependency edges carrying the
// current status/priority of each referenced task. An edge to a missing task
// is reported as an open blocker rather than dropped.
func (m *InMemory) snapshotLocked(id string) core.Task {
	task := m.tasks[id]
	for _, depID := range m.deps[id] {
		ref := core.TaskRef{ID: depID, Status: core.TaskStatusOpen}
		if dep, ok := m.tasks[depID]; ok {
			ref.Status = dep.Status
			ref.Priority = dep.Priority
		}
		task.DependsOn = append(task.DependsOn, ref)
	}
	for otherID, depIDs := range m.deps {
		for _, depID := range depIDs {
			if depID != id {
				continue
			}
			ref := core.TaskRef{ID: otherID, Status: core.TaskStatusOpen}
			if other, ok := m.tasks[otherID]; ok {
				ref.Status = other.Status
				ref.Priority = other.Priority
			}
			task.BlockedBy = append(task.BlockedBy, ref)
		}
	}
	sortRefs(task.DependsOn)
	sortRefs(task.BlockedBy)
	return task
}

func sortTasks(tasks []core.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func sortRefs(refs []core.TaskRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
}
