// Package httpapi exposes the coordinator over HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/joewinke/foreman/internal/assign"
	"github.com/joewinke/foreman/internal/reserve"
	"github.com/joewinke/foreman/internal/storage"
)

type Service struct {
	store      storage.TaskStore
	leases     *reserve.Manager
	coord      *assign.Coordinator
	bus        assign.Publisher
	defaultTTL time.Duration
}

func NewService(store storage.TaskStore, leases *reserve.Manager, coord *assign.Coordinator) *Service {
	return &Service{store: store, leases: leases, coord: coord, defaultTTL: defaultReservationTTL}
}

func (s *Service) WithBroadcaster(bus assign.Publisher) *Service {
	s.bus = bus
	return s
}

// WithDefaultTTL overrides the TTL applied to reservation requests that
// omit one.
func (s *Service) WithDefaultTTL(d time.Duration) *Service {
	if d > 0 {
		s.defaultTTL = d
	}
	return s
}

func (s *Service) broadcast(project, agent string, event any) {
	if s.bus != nil {
		s.bus.Broadcast(project, agent, event)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
