package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Orchestrator.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d", cfg.Orchestrator.MaxRetries)
	}
	if cfg.Orchestrator.DefaultStrategy != "sequential" {
		t.Errorf("DefaultStrategy = %q", cfg.Orchestrator.DefaultStrategy)
	}
	if cfg.Adapter.Type != "mock" {
		t.Errorf("Adapter.Type = %q", cfg.Adapter.Type)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	data := `
server:
  addr: ":9999"
orchestrator:
  max_retries: 7
log_level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Orchestrator.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d", cfg.Orchestrator.MaxRetries)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	// Untouched fields keep their defaults.
	if cfg.Adapter.Type != "mock" {
		t.Errorf("Adapter.Type = %q", cfg.Adapter.Type)
	}
	if cfg.Orchestrator.DefaultStrategy != "sequential" {
		t.Errorf("DefaultStrategy = %q", cfg.Orchestrator.DefaultStrategy)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [not a mapping"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load of invalid YAML succeeded")
	}
}
