// Package config defines the conductor application configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level conductor configuration.
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Adapter      AdapterConfig      `json:"adapter" yaml:"adapter"`
	DataDir      string             `json:"data_dir" yaml:"data_dir"`
	LogLevel     string             `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":8080"
}

// OrchestratorConfig controls lifecycle policy.
type OrchestratorConfig struct {
	// MaxRetries caps retry() per task; 0 disables the cap.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// DefaultStrategy is used when a decompose request omits one.
	DefaultStrategy string `json:"default_strategy" yaml:"default_strategy"`
}

// AdapterConfig selects the execution collaborator.
type AdapterConfig struct {
	Type string `json:"type" yaml:"type"` // "mock"
	// WorkDelayMS is the simulated work duration for the mock adapter.
	WorkDelayMS int `json:"work_delay_ms,omitempty" yaml:"work_delay_ms"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Orchestrator: OrchestratorConfig{
			MaxRetries:      3,
			DefaultStrategy: "sequential",
		},
		Adapter: AdapterConfig{
			Type: "mock",
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
