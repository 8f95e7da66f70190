package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/joewinke/foreman/internal/core"
	"github.com/joewinke/foreman/internal/storage"
)

// Compile-time interface check.
var _ storage.TaskStore = (*ResilientStore)(nil)

// ResilientStore wraps every TaskStore method with a circuit breaker plus
// busy-retry so transient SQLite contention never reaches the coordinator.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient wraps a store with the default breaker (threshold=5,
// cooldown=30s).
func NewResilient(inner *Store) *ResilientStore {
	return &ResilientStore{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second)}
}

// NewResilientWithBreaker wraps a store with a custom breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

// BreakerState reports the current circuit breaker state.
func (r *ResilientStore) BreakerState() string {
	return r.cb.State()
}

// guard runs fn behind the breaker with busy-retry. NotFound and lost-CAS
// assignment conflicts are caller outcomes, not store faults; the breaker
// records them as success so racing agents cannot trip it.
func (r *ResilientStore) guard(fn func() error) error {
	var outcomeErr error
	err := r.cb.Do(func() error {
		err := RetryBusy(fn)
		if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrAssigneeConflict) {
			outcomeErr = err
			return nil
		}
		return err
	})
	if outcomeErr != nil {
		return outcomeErr
	}
	return err
}

func (r *ResilientStore) CreateTask(ctx context.Context, task core.Task) (core.Task, error) {
	var result core.Task
	err := r.guard(func() error {
		var innerErr error
		result, innerErr = r.inner.CreateTask(ctx, task)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetTask(ctx context.Context, id string) (core.Task, error) {
	var result core.Task
	err := r.guard(func() error {
		var innerErr error
		result, innerErr = r.inner.GetTask(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListTasks(ctx context.Context, project string) ([]core.Task, error) {
	var result []core.Task
	err := r.guard(func() error {
		var innerErr error
		result, innerErr = r.inner.ListTasks(ctx, project)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListReady(ctx context.Context, project string) ([]core.Task, error) {
	var result []core.Task
	err := r.guard(func() error {
		var innerErr error
		result, innerErr = r.inner.ListReady(ctx, project)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	return r.guard(func() error {
		return r.inner.AddDependency(ctx, taskID, dependsOn)
	})
}

func (r *ResilientStore) UpdateAssignee(ctx context.Context, id, agent string) (core.Task, error) {
	var result core.Task
	err := r.guard(func() error {
		var innerErr error
		result, innerErr = r.inner.UpdateAssignee(ctx, id, agent)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CloseTask(ctx context.Context, id, reason string) error {
	return r.guard(func() error {
		return r.inner.CloseTask(ctx, id, reason)
	})
}

// Close delegates directly to the inner store without breaker or retry.
func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
