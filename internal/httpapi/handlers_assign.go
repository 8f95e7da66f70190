package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/joewinke/foreman/internal/assign"
	"github.com/joewinke/foreman/internal/core"
)

type assignRequest struct {
	TaskID     string   `json:"task_id"`
	AgentID    string   `json:"agent_id"`
	Patterns   []string `json:"patterns"`
	TTLSeconds int      `json:"ttl_seconds"`
}

// statusForOutcome maps each decision kind to its HTTP status. Blocked and
// conflict are both 409: the request was well-formed but cannot proceed yet.
func statusForOutcome(kind assign.OutcomeKind) int {
	switch kind {
	case assign.Assigned:
		return http.StatusOK
	case assign.Invalid:
		return http.StatusBadRequest
	case assign.NotFound:
		return http.StatusNotFound
	case assign.DependencyBlocked, assign.Conflict:
		return http.StatusConflict
	case assign.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	var ttl time.Duration
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	out := s.coord.Assign(r.Context(), assign.Request{
		TaskID:   req.TaskID,
		AgentID:  req.AgentID,
		Patterns: req.Patterns,
		TTL:      ttl,
	})
	writeJSON(w, statusForOutcome(out.Kind), out)
}

type completeRequest struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

func (s *Service) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.coord.Complete(r.Context(), req.TaskID, req.AgentID, req.Reason); err != nil {
		switch {
		case errors.Is(err, core.ErrNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
