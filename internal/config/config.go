// Package config loads server settings from an optional yaml file with
// FOREMAN_* environment overrides applied on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr          string        `yaml:"addr" envconfig:"ADDR"`
	SocketPath    string        `yaml:"socket_path" envconfig:"SOCKET_PATH"`
	DBPath        string        `yaml:"db_path" envconfig:"DB_PATH"`
	KeysFile      string        `yaml:"keys_file" envconfig:"KEYS_FILE"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	DefaultTTL    time.Duration `yaml:"default_ttl" envconfig:"DEFAULT_TTL"`
	AssignTimeout time.Duration `yaml:"assign_timeout" envconfig:"ASSIGN_TIMEOUT"`
}

func Default() Config {
	return Config{
		Addr:          ":7463",
		DBPath:        "foreman.db",
		SweepInterval: 30 * time.Second,
		DefaultTTL:    15 * time.Minute,
		AssignTimeout: 30 * time.Second,
	}
}

// Load reads the yaml file at path when it exists, then applies FOREMAN_*
// environment variables. An empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := envconfig.Process("foreman", &cfg); err != nil {
		return Config{}, fmt.Errorf("env overrides: %w", err)
	}
	if cfg.Addr == "" {
		return Config{}, fmt.Errorf("addr required")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("sweep_interval must be positive")
	}
	return cfg, nil
}
