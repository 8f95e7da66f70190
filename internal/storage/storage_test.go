package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/joewinke/foreman/internal/core"
)

func TestInMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewInMemory()

	dep, err := st.CreateTask(ctx, core.Task{Project: "proj", Title: "dep"})
	if err != nil {
		t.Fatalf("create dep: %v", err)
	}
	task, err := st.CreateTask(ctx, core.Task{Project: "proj", Title: "main"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.AddDependency(ctx, task.ID, dep.ID); err != nil {
		t.Fatalf("add dependency: %v", err)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0].ID != dep.ID || got.DependsOn[0].Status != core.TaskStatusOpen {
		t.Fatalf("depends_on = %+v, want open %s", got.DependsOn, dep.ID)
	}

	// Reverse edge visible on the dependency.
	gotDep, err := st.GetTask(ctx, dep.ID)
	if err != nil {
		t.Fatalf("get dep: %v", err)
	}
	if len(gotDep.BlockedBy) != 1 || gotDep.BlockedBy[0].ID != task.ID {
		t.Fatalf("blocked_by = %+v, want %s", gotDep.BlockedBy, task.ID)
	}

	// Not ready until the dependency closes.
	ready, err := st.ListReady(ctx, "proj")
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != dep.ID {
		t.Fatalf("ready = %+v, want only %s", ready, dep.ID)
	}

	if err := st.CloseTask(ctx, dep.ID, "done"); err != nil {
		t.Fatalf("close dep: %v", err)
	}
	ready, err = st.ListReady(ctx, "proj")
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != task.ID {
		t.Fatalf("ready after close = %+v, want only %s", ready, task.ID)
	}
}

func TestInMemoryUpdateAssigneeCAS(t *testing.T) {
	ctx := context.Background()
	st := NewInMemory()

	task, err := st.CreateTask(ctx, core.Task{Project: "proj", Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := st.UpdateAssignee(ctx, task.ID, "agent-a")
	if err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if updated.Assignee != "agent-a" || updated.Status != core.TaskStatusInProgress {
		t.Fatalf("updated = %+v", updated)
	}

	if _, err := st.UpdateAssignee(ctx, task.ID, "agent-b"); !errors.Is(err, core.ErrAssigneeConflict) {
		t.Fatalf("second assign err = %v, want ErrAssigneeConflict", err)
	}
	if _, err := st.UpdateAssignee(ctx, "proj-nop", "agent-a"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing task err = %v, want ErrNotFound", err)
	}
}

func TestInMemoryMissingDependencyBlocks(t *testing.T) {
	ctx := context.Background()
	st := NewInMemory()

	task, err := st.CreateTask(ctx, core.Task{Project: "proj", Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.AddDependency(ctx, task.ID, "proj-gho"); err != nil {
		t.Fatalf("add dependency: %v", err)
	}

	got, _ := st.GetTask(ctx, task.ID)
	if len(got.DependsOn) != 1 || got.DependsOn[0].Status != core.TaskStatusOpen {
		t.Fatalf("missing dep should read as open blocker, got %+v", got.DependsOn)
	}
	ready, _ := st.ListReady(ctx, "proj")
	if len(ready) != 0 {
		t.Fatalf("task with missing dep must not be ready, got %+v", ready)
	}
}
