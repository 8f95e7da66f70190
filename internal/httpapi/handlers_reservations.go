package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/joewinke/foreman/internal/auth"
	"github.com/joewinke/foreman/internal/core"
)

const defaultReservationTTL = 30 * time.Minute

type reservationRequest struct {
	AgentID    string   `json:"agent_id"`
	Patterns   []string `json:"patterns"`
	Mode       string   `json:"mode"`
	Reason     string   `json:"reason"`
	TTLMinutes int      `json:"ttl_minutes"`
}

type apiLease struct {
	ID        string   `json:"id"`
	AgentID   string   `json:"agent_id"`
	Patterns  []string `json:"patterns"`
	Mode      string   `json:"mode"`
	Reason    string   `json:"reason,omitempty"`
	CreatedAt string   `json:"created_at"`
	ExpiresAt string   `json:"expires_at"`
}

func toAPILease(l core.Lease) apiLease {
	return apiLease{
		ID:        l.ID,
		AgentID:   l.AgentID,
		Patterns:  l.Patterns,
		Mode:      string(l.Mode),
		Reason:    l.Reason,
		CreatedAt: l.CreatedAt.Format(time.RFC3339Nano),
		ExpiresAt: l.ExpiresAt.Format(time.RFC3339Nano),
	}
}

func (s *Service) handleReservations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listReservations(w, r)
	case http.MethodPost:
		s.createReservation(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) createReservation(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	mode := core.LeaseMode(req.Mode)
	if req.Mode == "" {
		mode = core.ModeExclusive
	}
	ttl := s.defaultTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}

	lease, err := s.leases.Acquire(req.Patterns, req.AgentID, mode, ttl, req.Reason)
	if err != nil {
		var conflictErr *core.ConflictError
		if errors.As(err, &conflictErr) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":     "reservation_conflict",
				"conflicts": conflictErr.Conflicts,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.broadcast("", req.AgentID, map[string]any{
		"event":    string(core.EventReservationCreated),
		"lease_id": lease.ID,
		"agent_id": lease.AgentID,
		"patterns": lease.Patterns,
	})
	writeJSON(w, http.StatusCreated, toAPILease(lease))
}

func (s *Service) listReservations(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	var leases []core.Lease
	if agent != "" {
		leases = s.leases.ActiveFor(agent)
	} else {
		leases = s.leases.Active()
	}
	out := make([]apiLease, 0, len(leases))
	for _, l := range leases {
		out = append(out, toAPILease(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": out})
}

func (s *Service) handleReservationByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/reservations/"), "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	info, _ := auth.FromContext(r.Context())
	agent := info.AgentID
	if agent == "" {
		agent = r.URL.Query().Get("agent")
	}
	if agent == "" {
		writeError(w, http.StatusBadRequest, "agent identity required to release")
		return
	}
	if !s.leases.Release(id, agent) {
		writeError(w, http.StatusForbidden, "lease held by another agent")
		return
	}
	s.broadcast("", agent, map[string]any{
		"event":    string(core.EventReservationRelease),
		"lease_id": id,
		"agent_id": agent,
	})
	w.WriteHeader(http.StatusOK)
}

// handleConflictCheck is a dry run: it reports what an acquire would collide
// with, registering nothing.
func (s *Service) handleConflictCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	patterns := q["pattern"]
	if len(patterns) == 0 {
		writeError(w, http.StatusBadRequest, "at least one pattern parameter required")
		return
	}
	mode := core.ModeExclusive
	if q.Get("mode") == string(core.ModeShared) {
		mode = core.ModeShared
	}
	conflicts, err := s.leases.Check(patterns, q.Get("agent"), mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if conflicts == nil {
		conflicts = []core.ConflictDetail{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}
