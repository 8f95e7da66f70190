// Package ws fans coordination events out to subscribed agents. Delivery is
// fire-and-forget: a slow or dead subscriber is dropped, never waited on.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/joewinke/foreman/internal/auth"
)

const writeTimeout = 5 * time.Second

type subscriber struct {
	project string
	agent   string
}

// Hub tracks live subscriptions keyed by connection.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]subscriber
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]subscriber)}
}

// Handler upgrades GET /ws/agents/{agent}?project=... to a websocket
// subscription. API-key callers are pinned to their key's project; an
// X-Agent-ID header, when present, must match the agent in the path.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/agents/"), "/")
		if agent == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		requested := strings.TrimSpace(r.URL.Query().Get("project"))
		info, _ := auth.FromContext(r.Context())
		project := info.Project
		if info.Mode == auth.ModeAPIKey {
			if requested != "" && requested != project {
				w.WriteHeader(http.StatusForbidden)
				return
			}
		} else if project == "" {
			project = requested
		}
		if info.AgentID != "" && info.AgentID != agent {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		h.register(conn, subscriber{project: project, agent: agent})
		defer h.unregister(conn)

		// Drain the connection so pings and close frames are processed;
		// inbound payloads are ignored.
		ctx := r.Context()
		for {
			var discard any
			if err := wsjson.Read(ctx, conn, &discard); err != nil {
				return
			}
		}
	}
}

// Broadcast sends the event to every subscriber matching the project and
// agent filters. An empty project matches all projects; an empty agent
// matches every agent in the project.
func (h *Hub) Broadcast(project, agent string, event any) {
	for _, conn := range h.match(project, agent) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, conn, event)
		cancel()
		if err != nil {
			go func(conn *websocket.Conn) {
				conn.Close(websocket.StatusGoingAway, "write error")
				h.unregister(conn)
			}(conn)
		}
	}
}

func (h *Hub) match(project, agent string) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*websocket.Conn
	for conn, sub := range h.conns {
		if project != "" && sub.project != project {
			continue
		}
		if agent != "" && sub.agent != agent {
			continue
		}
		out = append(out, conn)
	}
	return out
}

func (h *Hub) register(conn *websocket.Conn, sub subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = sub
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}
