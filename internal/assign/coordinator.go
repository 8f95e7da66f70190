// Package assign implements the transactional task-assignment pipeline:
// readiness gate, exclusive reservation, compare-and-set commit, rollback.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/joewinke/foreman/internal/core"
	"github.com/joewinke/foreman/internal/deps"
	"github.com/joewinke/foreman/internal/reserve"
	"github.com/joewinke/foreman/internal/storage"
)

// DefaultTimeout bounds how long a caller waits for an assignment decision.
const DefaultTimeout = 30 * time.Second

// DefaultLeaseTTL is used when a request does not carry its own TTL.
const DefaultLeaseTTL = 15 * time.Minute

// Publisher delivers events to subscribed agents. Delivery is fire-and-forget.
type Publisher interface {
	Broadcast(project, agent string, event any)
}

// OutcomeKind classifies the result of an assignment attempt.
type OutcomeKind string

const (
	Assigned          OutcomeKind = "assigned"
	DependencyBlocked OutcomeKind = "dependency_blocked"
	Conflict          OutcomeKind = "conflict"
	Timeout           OutcomeKind = "timeout"
	Invalid           OutcomeKind = "invalid"
	NotFound          OutcomeKind = "not_found"
	Failed            OutcomeKind = "error"
)

// Request asks the coordinator to assign a task to an agent, reserving the
// given file patterns for the duration of the work.
type Request struct {
	TaskID   string        `json:"task_id"`
	AgentID  string        `json:"agent_id"`
	Patterns []string      `json:"patterns"`
	TTL      time.Duration `json:"ttl,omitempty"`
}

// Outcome is the decision for one assignment attempt. Exactly one kind is
// set; Blockers and Conflicts carry the structured detail for the blocked
// and conflict kinds.
type Outcome struct {
	Kind      OutcomeKind           `json:"outcome"`
	Task      core.Task             `json:"task,omitzero"`
	Lease     core.Lease            `json:"lease,omitzero"`
	Blockers  []core.TaskRef        `json:"blockers,omitempty"`
	Conflicts []core.ConflictDetail `json:"conflicts,omitempty"`
	Message   string                `json:"message,omitempty"`
}

// Coordinator runs the assignment protocol over the task store and the
// reservation manager.
type Coordinator struct {
	store      storage.TaskStore
	leases     *reserve.Manager
	bus        Publisher
	timeout    time.Duration
	defaultTTL time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout overrides the decision deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithPublisher attaches an event publisher.
func WithPublisher(bus Publisher) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithDefaultTTL overrides the lease TTL applied when a request omits one.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

func NewCoordinator(store storage.TaskStore, leases *reserve.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		leases:     leases,
		timeout:    DefaultTimeout,
		defaultTTL: DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Assign runs the ordered pipeline: validate the request, fetch the task,
// gate on dependency readiness, acquire an exclusive lease over the
// requested patterns, then commit the assignment with a compare-and-set.
// Each stage fails fast; a stage that never ran leaves no side effects.
//
// If the deadline expires before the pipeline decides, Assign returns a
// timeout outcome immediately. The pipeline keeps running in its goroutine
// and still rolls back or commits on its own, so a late commit is possible;
// callers treating timeout as failure should re-check task state before
// retrying.
func (c *Coordinator) Assign(ctx context.Context, req Request) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		done <- c.run(ctx, req)
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		return Outcome{
			Kind:    Timeout,
			Message: fmt.Sprintf("no decision for %s within deadline; re-check task state before retrying", req.TaskID),
		}
	}
}

func (c *Coordinator) run(ctx context.Context, req Request) Outcome {
	if !core.ValidTaskID(req.TaskID) {
		return Outcome{Kind: Invalid, Message: fmt.Sprintf("malformed task id %q", req.TaskID)}
	}
	if req.AgentID == "" {
		return Outcome{Kind: Invalid, Message: "agent id required"}
	}
	if len(req.Patterns) == 0 {
		return Outcome{Kind: Invalid, Message: "at least one file pattern required"}
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	task, err := c.store.GetTask(ctx, req.TaskID)
	if errors.Is(err, core.ErrNotFound) {
		return Outcome{Kind: NotFound, Message: fmt.Sprintf("task %s not found", req.TaskID)}
	}
	if err != nil {
		log.Printf("assign %s: fetch task: %v", req.TaskID, err)
		return Outcome{Kind: Failed, Message: "internal error fetching task; retry may succeed"}
	}

	// Readiness is checked before any reservation: a blocked task must
	// leave the lease table untouched.
	ready, blockers := deps.IsReady(task)
	if !ready {
		return Outcome{
			Kind:     DependencyBlocked,
			Task:     task,
			Blockers: blockers,
			Message:  fmt.Sprintf("task %s is blocked by %d open dependencies", task.ID, len(blockers)),
		}
	}

	lease, err := c.leases.Acquire(req.Patterns, req.AgentID, core.ModeExclusive, ttl, req.TaskID)
	if err != nil {
		var conflict *core.ConflictError
		if errors.As(err, &conflict) {
			return Outcome{
				Kind:      Conflict,
				Task:      task,
				Conflicts: conflict.Conflicts,
				Message:   conflict.Error(),
			}
		}
		return Outcome{Kind: Invalid, Message: err.Error()}
	}

	committed, err := c.store.UpdateAssignee(ctx, task.ID, req.AgentID)
	if err != nil {
		// The lease exists but the commit did not: release it so the
		// patterns are not held for work that never started. A failed
		// release is logged and the original outcome stands.
		if !c.leases.Release(lease.ID, req.AgentID) {
			log.Printf("assign: rollback of lease %s for agent %s failed", lease.ID, req.AgentID)
		}
		switch {
		case errors.Is(err, core.ErrAssigneeConflict):
			return Outcome{
				Kind:    Conflict,
				Task:    task,
				Message: fmt.Sprintf("task %s was claimed by another agent", task.ID),
			}
		case errors.Is(err, core.ErrNotFound):
			return Outcome{Kind: NotFound, Message: fmt.Sprintf("task %s not found", task.ID)}
		default:
			log.Printf("assign %s: commit failed: %v", task.ID, err)
			return Outcome{Kind: Failed, Message: "internal error committing assignment; retry may succeed"}
		}
	}

	c.publish(committed.Project, core.EventTaskAssigned, map[string]any{
		"task_id":  committed.ID,
		"agent_id": req.AgentID,
		"lease_id": lease.ID,
		"patterns": lease.Patterns,
	})
	return Outcome{Kind: Assigned, Task: committed, Lease: lease}
}

// Complete closes a task and releases the agent's leases taken for it.
// Lease cleanup is keyed on the task ID recorded as the lease reason.
func (c *Coordinator) Complete(ctx context.Context, taskID, agentID, reason string) error {
	if !core.ValidTaskID(taskID) {
		return fmt.Errorf("complete: malformed task id %q", taskID)
	}
	if agentID == "" {
		return fmt.Errorf("complete: agent id required")
	}
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if err := c.store.CloseTask(ctx, taskID, reason); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	released := c.leases.ReleaseAllFor(agentID, taskID)
	c.publish(task.Project, core.EventTaskClosed, map[string]any{
		"task_id":         taskID,
		"agent_id":        agentID,
		"reason":          reason,
		"leases_released": released,
	})
	return nil
}

func (c *Coordinator) publish(project string, event core.EventType, payload map[string]any) {
	if c.bus == nil {
		return
	}
	payload["event"] = string(event)
	c.bus.Broadcast(project, "", payload)
}
