package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7463" || cfg.DBPath != "foreman.db" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("sweep interval = %s", cfg.SweepInterval)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	content := []byte(`
addr: ":9000"
db_path: /var/lib/foreman/tasks.db
default_ttl: 1h
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.DefaultTTL != time.Hour {
		t.Fatalf("ttl = %s", cfg.DefaultTTL)
	}
	// Unset fields keep defaults.
	if cfg.AssignTimeout != 30*time.Second {
		t.Fatalf("assign timeout = %s", cfg.AssignTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_ADDR", ":8888")
	t.Setenv("FOREMAN_SWEEP_INTERVAL", "5s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8888" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Fatalf("sweep interval = %s", cfg.SweepInterval)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("FOREMAN_SWEEP_INTERVAL", "-1s")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for negative sweep interval")
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err != nil {
		t.Fatalf("Load: %v", err)
	}
}
