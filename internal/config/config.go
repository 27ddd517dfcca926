package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up when --config is not given.
const DefaultPath = "docpipe.yaml"

// Config is the orchestrator configuration. The pipeline definition itself lives
// in a separate file referenced by Pipeline.Path.
type Config struct {
	Version   string          `yaml:"version"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Gate      GateConfig      `yaml:"gate"`
	Execution ExecutionConfig `yaml:"execution"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Deploy    DeployConfig    `yaml:"deploy"`
	History   HistoryConfig   `yaml:"history"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// PipelineConfig locates the pipeline definition.
type PipelineConfig struct {
	Path string `yaml:"path"`
}

// GateConfig configures the commit gate.
type GateConfig struct {
	Disabled bool     `yaml:"disabled"`
	RepoPath string   `yaml:"repo_path"` // Local git repository whose history is inspected
	Skip     *int     `yaml:"skip"`      // Commits to skip from the tip (default 1)
	Markers  []string `yaml:"markers"`   // Case-sensitive skip markers
}

// SkipCount returns the configured skip, defaulting to 1.
func (g GateConfig) SkipCount() int {
	if g.Skip == nil {
		return 1
	}
	return *g.Skip
}

// ExecutionConfig configures the execution environment for steps.
type ExecutionConfig struct {
	Shell             string           `yaml:"shell"`
	WorkDir           string           `yaml:"work_dir"`
	MaxParallel       int              `yaml:"max_parallel"`    // Concurrent job instances per stage
	DefaultTimeout    string           `yaml:"default_timeout"` // Per-instance timeout when a job sets none
	RetryBackoff      RetryBackoffMode `yaml:"retry_backoff"`
	RetryInitialDelay string           `yaml:"retry_initial_delay"`
	RetryMaxDelay     string           `yaml:"retry_max_delay"`
}

// ArtifactsConfig selects the artifact store backend.
type ArtifactsConfig struct {
	Backend ArtifactBackend `yaml:"backend"`
	Dir     string          `yaml:"dir"`
	NATS    NATSConfig      `yaml:"nats"`
}

// NATSConfig holds the connection settings shared by the NATS artifact store and deploy action.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Bucket  string `yaml:"bucket"`
	Subject string `yaml:"subject"`
}

// DeployConfig maps action names referenced by pipeline deploy targets to implementations.
type DeployConfig struct {
	Actions map[string]ActionConfig `yaml:"actions"`
}

// ActionConfig configures one publish action.
type ActionConfig struct {
	Type    ActionType `yaml:"type"`
	Command string     `yaml:"command"` // shell: command run with DEPLOY_* variables
	Subject string     `yaml:"subject"` // nats: subject the deploy request is published on
}

// HistoryConfig configures the sqlite run history.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DaemonConfig configures the long-running serve mode.
type DaemonConfig struct {
	AdminAddr string `yaml:"admin_addr"`
	Interval  string `yaml:"interval"` // Empty disables scheduled runs
	Ref       string `yaml:"ref"`      // Ref used for scheduled runs
	Watch     bool   `yaml:"watch"`    // Reload the pipeline definition on change
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Load reads, expands, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Note: .env file not found or couldn't be loaded: %v\n", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("configuration file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault loads path when it exists. A missing file yields the defaults
// unless the caller asked for that exact file explicitly.
func LoadOrDefault(path string, explicit bool) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		_ = loadEnvFile()
		cfg := &Config{}
		if err := ApplyDefaults(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

// Parse decodes configuration bytes. ${VAR} references are expanded from the environment
// and unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := ApplyDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}
