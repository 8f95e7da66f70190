package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func passthroughHandler(got *Info) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if info, ok := FromContext(r.Context()); ok {
			*got = info
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareLocalhostBypass(t *testing.T) {
	ring := NewKeyring(true, map[string]string{"secret": "proj-a"})
	var got Info
	handler := Middleware(ring)(passthroughHandler(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	req.Header.Set(AgentHeader, "agent-a")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d", rr.Code)
	}
	if got.Mode != ModeLocalhost || !got.Localhost {
		t.Fatalf("info = %+v", got)
	}
	if got.AgentID != "agent-a" {
		t.Fatalf("agent = %q", got.AgentID)
	}
}

func TestMiddlewareRejectsRemoteWithoutKey(t *testing.T) {
	ring := NewKeyring(true, map[string]string{"secret": "proj-a"})
	handler := Middleware(ring)(passthroughHandler(&Info{}))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.RemoteAddr = "203.0.113.10:9999"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rr.Code)
	}
}

func TestMiddlewareBearerKey(t *testing.T) {
	ring := NewKeyring(false, map[string]string{"secret": "proj-a"})
	var got Info
	handler := Middleware(ring)(passthroughHandler(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.RemoteAddr = "203.0.113.10:9999"
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d", rr.Code)
	}
	if got.Mode != ModeAPIKey || got.Project != "proj-a" {
		t.Fatalf("info = %+v", got)
	}
}

func TestMiddlewareForwardedForRemote(t *testing.T) {
	// A loopback RemoteAddr behind a proxy must not grant the bypass when
	// the forwarded client is remote.
	ring := NewKeyring(true, nil)
	handler := Middleware(ring)(passthroughHandler(&Info{}))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.10")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rr.Code)
	}
}

func TestLoadKeyring(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.keys.yaml")
	content := []byte(`
default_policy:
  allow_localhost_without_auth: false
projects:
  proj-a:
    keys: ["key-one", "key-two"]
  proj-b:
    keys: ["key-three"]
`)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("write keys: %v", err)
	}

	ring, err := LoadKeyring(path)
	if err != nil {
		t.Fatalf("LoadKeyring: %v", err)
	}
	if ring.AllowLocalhostWithoutAuth {
		t.Fatal("localhost bypass should be disabled")
	}
	if project, ok := ring.ProjectForKey("key-two"); !ok || project != "proj-a" {
		t.Fatalf("key-two -> %q, %v", project, ok)
	}
	if _, ok := ring.ProjectForKey("unknown"); ok {
		t.Fatal("unknown key should not resolve")
	}
}

func TestLoadKeyringRejectsReusedKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.keys.yaml")
	content := []byte(`
projects:
  proj-a:
    keys: ["dup"]
  proj-b:
    keys: ["dup"]
`)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("write keys: %v", err)
	}
	if _, err := LoadKeyring(path); err == nil {
		t.Fatal("expected error for key reused across projects")
	}
}

func TestLoadKeyringBootstrapsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.keys.yaml")
	ring, err := LoadKeyring(path)
	if err != nil {
		t.Fatalf("LoadKeyring: %v", err)
	}
	if !ring.AllowLocalhostWithoutAuth {
		t.Fatal("bootstrapped keyring should allow localhost")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("keys file not created: %v", err)
	}
}

func TestBootstrapDevKeyIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.keys.yaml")

	first, err := BootstrapDevKey(path, "dev")
	if err != nil {
		t.Fatalf("BootstrapDevKey: %v", err)
	}
	if !first.Created || first.Key == "" {
		t.Fatalf("first = %+v", first)
	}

	second, err := BootstrapDevKey(path, "dev")
	if err != nil {
		t.Fatalf("BootstrapDevKey again: %v", err)
	}
	if second.Created {
		t.Fatal("second bootstrap must not recreate the file")
	}
}
