// Package sqlite persists the task backlog in SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/joewinke/foreman/internal/core"
	"github.com/joewinke/foreman/internal/storage"
)

//go:embed schema.sql
var schema string

var _ storage.TaskStore = (*Store)(nil)

type Store struct {
	db dbHandle
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite is single-writer; one connection avoids SQLITE_BUSY and makes
	// the PRAGMA apply to every statement.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("wal mode: %w", err)
	}
	if err := applySchema(db); err != nil {
		return nil, err
	}
	return &Store{db: &queryLogger{inner: db}}, nil
}

func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		return nil, err
	}
	return &Store{db: &queryLogger{inner: db}}, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateTask(ctx context.Context, task core.Task) (core.Task, error) {
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

	_, err := s.db.Exec(
		`INSERT INTO tasks (id, project, title, status, priority, assignee, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Project, task.Title, string(task.Status), task.Priority, task.Assignee,
		task.CreatedAt.Format(time.RFC3339Nano), task.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return core.Task{}, fmt.Errorf("create task: %w", err)
	}
	for _, ref := range task.DependsOn {
		if err := s.AddDependency(ctx, task.ID, ref.ID); err != nil {
			return core.Task{}, err
		}
	}
	return s.GetTask(ctx, task.ID)
}

func (s *Store) GetTask(ctx context.Context, id string) (core.Task, error) {
	row := s.db.QueryRow(
		`SELECT id, project, title, status, priority, assignee, created_at, updated_at
		 FROM tasks WHERE id = ?`, id,
	)
	task, err := scanTask(row)
	if err != nil {
		return core.Task{}, err
	}
	if task.DependsOn, err = s.forwardEdges(id); err != nil {
		return core.Task{}, err
	}
	if task.BlockedBy, err = s.reverseEdges(id); err != nil {
		return core.Task{}, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, project string) ([]core.Task, error) {
	query := `SELECT id, project, title, status, priority, assignee, created_at, updated_at FROM tasks`
	var args []any
	if project != "" {
		query += " WHERE project = ?"
		args = append(args, project)
	}
	query += " ORDER BY priority ASC, id ASC"
	return s.listWithEdges(query, args...)
}

// ListReady returns open, unassigned tasks with no non-closed dependency.
// An edge pointing at a missing task counts as an open blocker.
func (s *Store) ListReady(ctx context.Context, project string) ([]core.Task, error) {
	query := `SELECT id, project, title, status, priority, assignee, created_at, updated_at
	 FROM tasks
	 WHERE status = 'open' AND (assignee IS NULL OR assignee = '')
	   AND NOT EXISTS (
	       SELECT 1 FROM task_deps d
	       LEFT JOIN tasks b ON b.id = d.depends_on
	       WHERE d.task_id = tasks.id AND COALESCE(b.status, 'open') != 'closed'
	   )`
	var args []any
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	query += " ORDER BY priority ASC, id ASC"
	return s.listWithEdges(query, args...)
}

func (s *Store) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM tasks WHERE id = ?`, taskID).Scan(&exists); err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	if exists == 0 {
		return core.ErrNotFound
	}
	_, err := s.db.Exec(
		`INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?)
		 ON CONFLICT(task_id, depends_on) DO NOTHING`,
		taskID, dependsOn,
	)
	if err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	return nil
}

// UpdateAssignee commits an assignment only if the task is still open and
// unassigned, deciding the race between concurrent claimers at the row.
func (s *Store) UpdateAssignee(ctx context.Context, id, agent string) (core.Task, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET assignee = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status = 'open' AND (assignee IS NULL OR assignee = '')`,
		agent, string(core.TaskStatusInProgress), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return core.Task{}, fmt.Errorf("update assignee: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return core.Task{}, fmt.Errorf("update assignee: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return core.Task{}, err
		}
		return core.Task{}, core.ErrAssigneeConflict
	}
	return s.GetTask(ctx, id)
}

func (s *Store) CloseTask(ctx context.Context, id, reason string) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, closed_reason = ?, updated_at = ? WHERE id = ?`,
		string(core.TaskStatusClosed), reason, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("close task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close task: %w", err)
	}
	if affected == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) listWithEdges(query string, args ...any) ([]core.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	for i := range tasks {
		if tasks[i].DependsOn, err = s.forwardEdges(tasks[i].ID); err != nil {
			return nil, err
		}
		if tasks[i].BlockedBy, err = s.reverseEdges(tasks[i].ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *Store) forwardEdges(id string) ([]core.TaskRef, error) {
	return s.scanEdges(
		`SELECT d.depends_on, COALESCE(b.status, 'open'), COALESCE(b.priority, 0)
		 FROM task_deps d LEFT JOIN tasks b ON b.id = d.depends_on
		 WHERE d.task_id = ? ORDER BY d.depends_on ASC`, id,
	)
}

func (s *Store) reverseEdges(id string) ([]core.TaskRef, error) {
	return s.scanEdges(
		`SELECT d.task_id, COALESCE(b.status, 'open'), COALESCE(b.priority, 0)
		 FROM task_deps d LEFT JOIN tasks b ON b.id = d.task_id
		 WHERE d.depends_on = ? ORDER BY d.task_id ASC`, id,
	)
}

func (s *Store) scanEdges(query, id string) ([]core.TaskRef, error) {
	rows, err := s.db.Query(query, id)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var refs []core.TaskRef
	for rows.Next() {
		var ref core.TaskRef
		var status string
		if err := rows.Scan(&ref.ID, &status, &ref.Priority); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		ref.Status = core.TaskStatus(status)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (core.Task, error) {
	var t core.Task
	var assignee sql.NullString
	var status, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Project, &t.Title, &status, &t.Priority, &assignee, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Task{}, core.ErrNotFound
	}
	if err != nil {
		return core.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Assignee = assignee.String
	t.Status = core.TaskStatus(status)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return t, nil
}
