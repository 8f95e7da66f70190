package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/joewinke/foreman/internal/core"
	"github.com/joewinke/foreman/internal/deps"
)

type createTaskRequest struct {
	Project   string   `json:"project"`
	Title     string   `json:"title"`
	Priority  int      `json:"priority"`
	DependsOn []string `json:"depends_on"`
}

func (s *Service) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Project == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "project and title required")
		return
	}
	task := core.Task{Project: req.Project, Title: req.Title, Priority: req.Priority}
	for _, dep := range req.DependsOn {
		task.DependsOn = append(task.DependsOn, core.TaskRef{ID: dep})
	}
	created, err := s.store.CreateTask(r.Context(), task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create task failed")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Service) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project := q.Get("project")

	var tasks []core.Task
	var err error
	if q.Get("ready") == "1" || q.Get("ready") == "true" {
		tasks, err = s.store.ListReady(r.Context(), project)
	} else {
		tasks, err = s.store.ListTasks(r.Context(), project)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list tasks failed")
		return
	}
	if tasks == nil {
		tasks = []core.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Service) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	if path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if id, ok := strings.CutSuffix(path, "/chain"); ok {
		s.taskChain(w, r, id)
		return
	}
	s.getTask(w, r, path)
}

func (s *Service) getTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get task failed")
		return
	}
	badge := deps.Badge(deps.StatusOf(task))
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "badge": badge})
}

// taskChain expands the transitive blocker chain for diagnostics.
func (s *Service) taskChain(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get task failed")
		return
	}
	all, err := s.store.ListTasks(r.Context(), task.Project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list tasks failed")
		return
	}
	levels := deps.Chain(task, all)
	if levels == nil {
		levels = []deps.Level{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": task.ID,
		"levels":  levels,
		"badge":   deps.Badge(deps.StatusOf(task)),
	})
}
