// Package config provides configuration types, defaults, and persistence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hive/internal/log"
)

// Config holds all configuration options for hive.
type Config struct {
	// Workspace is the root directory for the shared state store, the
	// registry database, and logs. Default: .hive in the current directory.
	Workspace string `mapstructure:"workspace"`

	// RosterPath points at the agent roster YAML. When empty, a default
	// roster with a librarian and a probe worker is used.
	RosterPath string `mapstructure:"roster_path"`

	// Registry selects the task registry backend: "sqlite" (default) or
	// "memory" for ephemeral runs.
	Registry string `mapstructure:"registry"`

	// DelegationTimeout bounds how long a delegated task may wait for its
	// worker before the sweep fails it. Zero disables the sweep.
	DelegationTimeout time.Duration `mapstructure:"delegation_timeout"`

	// WatchRoster enables the roster file watcher, which warns when the
	// roster changes while the system is running.
	WatchRoster bool `mapstructure:"watch_roster"`

	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: <workspace>/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Workspace:         ".hive",
		RosterPath:        "",
		Registry:          "sqlite",
		DelegationTimeout: 2 * time.Minute,
		WatchRoster:       true,
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// TracesFilePath returns the tracing output path, deriving the default from
// the workspace when unset.
func (c Config) TracesFilePath() string {
	if c.Tracing.FilePath != "" {
		return c.Tracing.FilePath
	}
	return filepath.Join(c.Workspace, "traces", "traces.jsonl")
}

// RegistryPath returns the SQLite registry location inside the workspace.
func (c Config) RegistryPath() string {
	return filepath.Join(c.Workspace, "registry.db")
}

// LogPath returns the log file location inside the workspace.
func (c Config) LogPath() string {
	return filepath.Join(c.Workspace, "hive.log")
}

// DefaultConfigTemplate returns the default config as a YAML string with
// comments.
func DefaultConfigTemplate() string {
	return `# Hive Configuration

# Workspace directory for the state store, registry, and logs
workspace: .hive

# Agent roster file (default: built-in librarian + probe roster)
# roster_path: roster.yaml

# Task registry backend: "sqlite" (durable, default) or "memory"
registry: sqlite

# Fail delegated tasks with no completion signal after this long.
# Set to 0 to disable the timeout sweep.
delegation_timeout: 2m

# Warn when the roster file changes while running
watch_roster: true

# Distributed tracing for task lifecycle operations
# tracing:
#   enabled: true
#   exporter: file
#   file_path: .hive/traces/traces.jsonl
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}

// Validate checks configuration values that cannot be defaulted away.
func (c Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace must not be empty")
	}
	switch c.Registry {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry)
	}
	if c.DelegationTimeout < 0 {
		return fmt.Errorf("delegation_timeout must not be negative")
	}
	return nil
}
