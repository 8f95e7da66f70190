package httpapi

import "net/http"

// NewRouter wires every API route through the optional auth middleware.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler {
		handler := http.Handler(h)
		if mw != nil {
			handler = mw(handler)
		}
		return handler
	}

	mux.Handle("/api/assign", wrap(svc.handleAssign))
	mux.Handle("/api/complete", wrap(svc.handleComplete))
	mux.Handle("/api/reservations", wrap(svc.handleReservations))
	mux.Handle("/api/reservations/conflicts", wrap(svc.handleConflictCheck))
	mux.Handle("/api/reservations/", wrap(svc.handleReservationByID))
	mux.Handle("/api/tasks", wrap(svc.handleTasks))
	mux.Handle("/api/tasks/", wrap(svc.handleTaskByID))

	if wsHandler != nil {
		if mw != nil {
			mux.Handle("/ws/agents/", mw(wsHandler))
		} else {
			mux.Handle("/ws/agents/", wsHandler)
		}
	}
	return mux
}
