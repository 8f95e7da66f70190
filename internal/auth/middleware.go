package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// AgentHeader names the header agents use to declare their identity. The
// value is advisory; it scopes websocket subscriptions and never substitutes
// for the agent_id arguments the API requires.
const AgentHeader = "X-Agent-ID"

type Mode string

const (
	ModeLocalhost Mode = "localhost"
	ModeAPIKey    Mode = "api_key"
)

// Info is the caller identity attached to every authenticated request.
type Info struct {
	Mode      Mode
	Project   string
	AgentID   string
	Localhost bool
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

// Middleware authenticates requests against the keyring. Loopback callers
// pass without a key when the keyring policy allows it; everyone else needs
// a bearer key, which pins them to the key's project.
func Middleware(ring *Keyring) func(http.Handler) http.Handler {
	if ring == nil {
		ring = emptyKeyring()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := Info{AgentID: strings.TrimSpace(r.Header.Get(AgentHeader))}
			switch {
			case ring.AllowLocalhostWithoutAuth && isLocalRequest(r):
				info.Mode = ModeLocalhost
				info.Localhost = true
			default:
				project, ok := ring.ProjectForKey(bearerKey(r))
				if !ok {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusUnauthorized)
					_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
					return
				}
				info.Mode = ModeAPIKey
				info.Project = project
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, info)))
		})
	}
}

func bearerKey(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func isLocalRequest(r *http.Request) bool {
	if ip := firstForwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.IsLoopback()
		}
		return strings.EqualFold(ip, "localhost")
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	parsed := net.ParseIP(host)
	return parsed != nil && parsed.IsLoopback()
}

func firstForwardedFor(v string) string {
	if v == "" {
		return ""
	}
	return strings.TrimSpace(strings.Split(v, ",")[0])
}
