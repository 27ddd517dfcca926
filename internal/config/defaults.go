package config

import (
	"fmt"
	"time"
)

// Default values applied when the corresponding field is unset.
const (
	DefaultPipelinePath  = "pipeline.yaml"
	DefaultShell         = "sh"
	DefaultMaxParallel   = 4
	DefaultTimeout       = "60m"
	DefaultArtifactsDir  = ".docpipe/artifacts"
	DefaultNATSURL       = "nats://127.0.0.1:4222"
	DefaultNATSBucket    = "docpipe-artifacts"
	DefaultHistoryPath   = ".docpipe/history.db"
	DefaultMetricsPath   = "/metrics"
	DefaultAdminAddr     = ":8090"
	DefaultDaemonRef     = "refs/heads/master"
	defaultRetryInitial  = "1s"
	defaultRetryMaxDelay = "30s"
)

// ApplyDefaults fills unset fields. It normalizes enum fields and rejects values
// that cannot be normalized.
func ApplyDefaults(cfg *Config) error {
	if cfg.Version == "" {
		cfg.Version = "1.0"
	}
	if cfg.Pipeline.Path == "" {
		cfg.Pipeline.Path = DefaultPipelinePath
	}
	if cfg.Gate.RepoPath == "" {
		cfg.Gate.RepoPath = "."
	}

	ex := &cfg.Execution
	if ex.Shell == "" {
		ex.Shell = DefaultShell
	}
	if ex.MaxParallel <= 0 {
		ex.MaxParallel = DefaultMaxParallel
	}
	if ex.DefaultTimeout == "" {
		ex.DefaultTimeout = DefaultTimeout
	}
	mode, err := ParseRetryBackoff(string(ex.RetryBackoff))
	if err != nil {
		return err
	}
	ex.RetryBackoff = mode
	if ex.RetryInitialDelay == "" {
		ex.RetryInitialDelay = defaultRetryInitial
	}
	if ex.RetryMaxDelay == "" {
		ex.RetryMaxDelay = defaultRetryMaxDelay
	}

	backend, err := ParseArtifactBackend(string(cfg.Artifacts.Backend))
	if err != nil {
		return err
	}
	cfg.Artifacts.Backend = backend
	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = DefaultArtifactsDir
	}
	if cfg.Artifacts.NATS.URL == "" {
		cfg.Artifacts.NATS.URL = DefaultNATSURL
	}
	if cfg.Artifacts.NATS.Bucket == "" {
		cfg.Artifacts.NATS.Bucket = DefaultNATSBucket
	}

	for name, action := range cfg.Deploy.Actions {
		t, err := ParseActionType(string(action.Type))
		if err != nil {
			return fmt.Errorf("deploy action %s: %w", name, err)
		}
		action.Type = t
		cfg.Deploy.Actions[name] = action
	}

	if cfg.History.Path == "" {
		cfg.History.Path = DefaultHistoryPath
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Daemon.AdminAddr == "" {
		cfg.Daemon.AdminAddr = DefaultAdminAddr
	}
	if cfg.Daemon.Ref == "" {
		cfg.Daemon.Ref = DefaultDaemonRef
	}

	cfg.Logging.Level = NormalizeLogLevel(string(cfg.Logging.Level))
	cfg.Logging.Format = NormalizeLogFormat(string(cfg.Logging.Format))
	return nil
}

// DefaultTimeoutDuration returns the parsed per-instance default timeout.
func (e ExecutionConfig) DefaultTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(e.DefaultTimeout)
	if err != nil {
		return 0
	}
	return d
}

// RetryDelays returns the parsed initial and maximum retry delays; unparsable values yield zero.
func (e ExecutionConfig) RetryDelays() (initial, maxDelay time.Duration) {
	initial, _ = time.ParseDuration(e.RetryInitialDelay)
	maxDelay, _ = time.ParseDuration(e.RetryMaxDelay)
	return initial, maxDelay
}

// IntervalDuration returns the scheduled run interval, or zero when scheduling is disabled.
func (d DaemonConfig) IntervalDuration() time.Duration {
	if d.Interval == "" {
		return 0
	}
	v, err := time.ParseDuration(d.Interval)
	if err != nil {
		return 0
	}
	return v
}
