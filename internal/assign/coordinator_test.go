package assign

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joewinke/foreman/internal/core"
	"github.com/joewinke/foreman/internal/reserve"
	"github.com/joewinke/foreman/internal/storage"
)

type captureBus struct {
	mu     sync.Mutex
	events []map[string]any
}

func (b *captureBus) Broadcast(project, agent string, event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if payload, ok := event.(map[string]any); ok {
		b.events = append(b.events, payload)
	}
}

func (b *captureBus) byType(event core.EventType) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, e := range b.events {
		if e["event"] == string(event) {
			out = append(out, e)
		}
	}
	return out
}

func newFixture(t *testing.T) (*Coordinator, *storage.InMemory, *reserve.Manager, *captureBus) {
	t.Helper()
	store := storage.NewInMemory()
	leases := reserve.NewManager()
	bus := &captureBus{}
	coord := NewCoordinator(store, leases, WithPublisher(bus))
	return coord, store, leases, bus
}

func seedTask(t *testing.T, store *storage.InMemory, task core.Task) core.Task {
	t.Helper()
	created, err := store.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return created
}

func TestAssignHappyPath(t *testing.T) {
	coord, store, leases, bus := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, store, core.Task{ID: "proj-ab1", Project: "proj", Title: "parser"})

	out := coord.Assign(ctx, Request{
		TaskID:   task.ID,
		AgentID:  "agent-a",
		Patterns: []string{"src/parser/**"},
		TTL:      time.Hour,
	})
	if out.Kind != Assigned {
		t.Fatalf("kind = %q (%s), want assigned", out.Kind, out.Message)
	}
	if out.Task.Assignee != "agent-a" || out.Task.Status != core.TaskStatusInProgress {
		t.Fatalf("task = %+v", out.Task)
	}
	if out.Lease.Reason != task.ID {
		t.Fatalf("lease reason = %q, want task ID", out.Lease.Reason)
	}

	held := leases.ActiveFor("agent-a")
	if len(held) != 1 || held[0].ID != out.Lease.ID {
		t.Fatalf("active leases = %+v", held)
	}
	if events := bus.byType(core.EventTaskAssigned); len(events) != 1 {
		t.Fatalf("assigned events = %d, want 1", len(events))
	}
}

// A request without a TTL gets the coordinator's configured default, not
// the package constant.
func TestAssignConfiguredDefaultTTL(t *testing.T) {
	store := storage.NewInMemory()
	leases := reserve.NewManager()
	coord := NewCoordinator(store, leases, WithDefaultTTL(2*time.Minute))
	ctx := context.Background()
	task := seedTask(t, store, core.Task{ID: "proj-tt1", Project: "proj", Title: "api"})

	out := coord.Assign(ctx, Request{
		TaskID:   task.ID,
		AgentID:  "agent-a",
		Patterns: []string{"src/**"},
	})
	if out.Kind != Assigned {
		t.Fatalf("kind = %q (%s), want assigned", out.Kind, out.Message)
	}
	if ttl := out.Lease.ExpiresAt.Sub(out.Lease.CreatedAt); ttl != 2*time.Minute {
		t.Fatalf("lease ttl = %s, want 2m", ttl)
	}

	// An explicit TTL still wins over the configured default.
	task2 := seedTask(t, store, core.Task{ID: "proj-tt2", Project: "proj", Title: "docs"})
	out = coord.Assign(ctx, Request{
		TaskID:   task2.ID,
		AgentID:  "agent-b",
		Patterns: []string{"docs/**"},
		TTL:      time.Hour,
	})
	if out.Kind != Assigned {
		t.Fatalf("kind = %q (%s), want assigned", out.Kind, out.Message)
	}
	if ttl := out.Lease.ExpiresAt.Sub(out.Lease.CreatedAt); ttl != time.Hour {
		t.Fatalf("lease ttl = %s, want 1h", ttl)
	}
}

func TestAssignInvalidRequests(t *testing.T) {
	coord, _, _, _ := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"malformed task id", Request{TaskID: "not-a-valid-id!", AgentID: "a", Patterns: []string{"x"}}},
		{"missing suffix", Request{TaskID: "proj", AgentID: "a", Patterns: []string{"x"}}},
		{"empty agent", Request{TaskID: "proj-ab1", Patterns: []string{"x"}}},
		{"no patterns", Request{TaskID: "proj-ab1", AgentID: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if out := coord.Assign(ctx, tt.req); out.Kind != Invalid {
				t.Fatalf("kind = %q, want invalid", out.Kind)
			}
		})
	}
}

func TestAssignTaskNotFound(t *testing.T) {
	coord, _, leases, _ := newFixture(t)
	out := coord.Assign(context.Background(), Request{
		TaskID:   "proj-zzz",
		AgentID:  "agent-a",
		Patterns: []string{"src/**"},
	})
	if out.Kind != NotFound {
		t.Fatalf("kind = %q, want not_found", out.Kind)
	}
	if held := leases.Active(); len(held) != 0 {
		t.Fatalf("leases after not_found = %+v", held)
	}
}

// A dependency-blocked assignment must leave the lease table untouched:
// readiness is gated before any reservation is attempted.
func TestAssignDependencyBlockedNoSideEffects(t *testing.T) {
	coord, store, leases, bus := newFixture(t)
	ctx := context.Background()

	dep := seedTask(t, store, core.Task{ID: "proj-dp1", Project: "proj", Title: "schema", Priority: 1})
	task := seedTask(t, store, core.Task{ID: "proj-xy9", Project: "proj", Title: "api"})
	if err := store.AddDependency(ctx, task.ID, dep.ID); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	out := coord.Assign(ctx, Request{
		TaskID:   task.ID,
		AgentID:  "agent-a",
		Patterns: []string{"src/api/**"},
	})
	if out.Kind != DependencyBlocked {
		t.Fatalf("kind = %q, want dependency_blocked", out.Kind)
	}
	if len(out.Blockers) != 1 || out.Blockers[0].ID != dep.ID {
		t.Fatalf("blockers = %+v", out.Blockers)
	}
	if held := leases.Active(); len(held) != 0 {
		t.Fatalf("leases after blocked assign = %+v", held)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Assignee != "" || got.Status != core.TaskStatusOpen {
		t.Fatalf("task mutated: %+v", got)
	}
	if events := bus.byType(core.EventTaskAssigned); len(events) != 0 {
		t.Fatalf("assigned events = %d, want 0", len(events))
	}
}

func TestAssignReservationConflict(t *testing.T) {
	coord, store, leases, _ := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, store, core.Task{ID: "proj-ab1", Project: "proj", Title: "refactor"})

	held, err := leases.Acquire([]string{"src/lib/**"}, "agent-a", core.ModeExclusive, time.Hour, "proj-ab1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	out := coord.Assign(ctx, Request{
		TaskID:   task.ID,
		AgentID:  "agent-b",
		Patterns: []string{"src/lib/foo.ts"},
	})
	if out.Kind != Conflict {
		t.Fatalf("kind = %q, want conflict", out.Kind)
	}
	if len(out.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v", out.Conflicts)
	}
	detail := out.Conflicts[0]
	if detail.HolderID != "agent-a" || detail.LeaseID != held.ID {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.Remaining <= 59*time.Minute {
		t.Fatalf("remaining = %s, want close to an hour", detail.Remaining)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Assignee != "" {
		t.Fatalf("task assigned despite conflict: %+v", got)
	}
}

func TestAssignRace(t *testing.T) {
	coord, store, _, _ := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, store, core.Task{ID: "proj-rc1", Project: "proj", Title: "hot"})

	const agents = 8
	var assigned atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out := coord.Assign(ctx, Request{
				TaskID:   task.ID,
				AgentID:  "agent-" + string(rune('a'+n)),
				// Disjoint patterns so the CAS, not the lease, decides.
				Patterns: []string{"src/" + string(rune('a'+n)) + "/**"},
			})
			if out.Kind == Assigned {
				assigned.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if assigned.Load() != 1 {
		t.Fatalf("assigned = %d, want exactly 1", assigned.Load())
	}
}

type failingCommitStore struct {
	*storage.InMemory
	err error
}

func (s *failingCommitStore) UpdateAssignee(ctx context.Context, id, agent string) (core.Task, error) {
	return core.Task{}, s.err
}

// A commit failure after the lease was acquired must roll the lease back.
func TestAssignRollbackOnCommitFailure(t *testing.T) {
	inner := storage.NewInMemory()
	store := &failingCommitStore{InMemory: inner, err: errors.New("disk full")}
	leases := reserve.NewManager()
	coord := NewCoordinator(store, leases)
	ctx := context.Background()

	seedTask(t, inner, core.Task{ID: "proj-rb1", Project: "proj", Title: "api"})

	out := coord.Assign(ctx, Request{
		TaskID:   "proj-rb1",
		AgentID:  "agent-a",
		Patterns: []string{"src/**"},
	})
	if out.Kind != Failed {
		t.Fatalf("kind = %q, want error", out.Kind)
	}
	if held := leases.ActiveFor("agent-a"); len(held) != 0 {
		t.Fatalf("lease not rolled back: %+v", held)
	}
}

func TestAssignLostCASRollsBackLease(t *testing.T) {
	inner := storage.NewInMemory()
	store := &failingCommitStore{InMemory: inner, err: core.ErrAssigneeConflict}
	leases := reserve.NewManager()
	coord := NewCoordinator(store, leases)
	ctx := context.Background()

	seedTask(t, inner, core.Task{ID: "proj-cs1", Project: "proj", Title: "api"})

	out := coord.Assign(ctx, Request{
		TaskID:   "proj-cs1",
		AgentID:  "agent-b",
		Patterns: []string{"src/**"},
	})
	if out.Kind != Conflict {
		t.Fatalf("kind = %q, want conflict", out.Kind)
	}
	if held := leases.ActiveFor("agent-b"); len(held) != 0 {
		t.Fatalf("lease not rolled back: %+v", held)
	}
}

type slowStore struct {
	*storage.InMemory
}

func (s *slowStore) GetTask(ctx context.Context, id string) (core.Task, error) {
	<-ctx.Done()
	return core.Task{}, ctx.Err()
}

func TestAssignTimeout(t *testing.T) {
	store := &slowStore{InMemory: storage.NewInMemory()}
	coord := NewCoordinator(store, reserve.NewManager(), WithTimeout(50*time.Millisecond))

	start := time.Now()
	out := coord.Assign(context.Background(), Request{
		TaskID:   "proj-ab1",
		AgentID:  "agent-a",
		Patterns: []string{"src/**"},
	})
	if out.Kind != Timeout {
		t.Fatalf("kind = %q, want timeout", out.Kind)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout outcome was not returned promptly")
	}
}

func TestComplete(t *testing.T) {
	coord, store, leases, bus := newFixture(t)
	ctx := context.Background()
	task := seedTask(t, store, core.Task{ID: "proj-dn1", Project: "proj", Title: "api"})

	out := coord.Assign(ctx, Request{
		TaskID:   task.ID,
		AgentID:  "agent-a",
		Patterns: []string{"src/**"},
	})
	if out.Kind != Assigned {
		t.Fatalf("kind = %q, want assigned", out.Kind)
	}

	if err := coord.Complete(ctx, task.ID, "agent-a", "merged"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != core.TaskStatusClosed {
		t.Fatalf("status = %q, want closed", got.Status)
	}
	if held := leases.ActiveFor("agent-a"); len(held) != 0 {
		t.Fatalf("leases after complete = %+v", held)
	}
	if events := bus.byType(core.EventTaskClosed); len(events) != 1 {
		t.Fatalf("closed events = %d, want 1", len(events))
	}
}

func TestCompleteUnknownTask(t *testing.T) {
	coord, _, _, _ := newFixture(t)
	err := coord.Complete(context.Background(), "proj-zzz", "agent-a", "done")
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
