package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks a defaulted configuration and reports every problem found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Gate.SkipCount() < 0 {
		errs = append(errs, fmt.Errorf("gate.skip must be >= 0, got %d", cfg.Gate.SkipCount()))
	}
	for i, m := range cfg.Gate.Markers {
		if m == "" {
			errs = append(errs, fmt.Errorf("gate.markers[%d] is empty", i))
		}
	}

	for field, raw := range map[string]string{
		"execution.default_timeout":     cfg.Execution.DefaultTimeout,
		"execution.retry_initial_delay": cfg.Execution.RetryInitialDelay,
		"execution.retry_max_delay":     cfg.Execution.RetryMaxDelay,
	} {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field, raw))
		}
	}
	if cfg.Daemon.Interval != "" {
		if d, err := time.ParseDuration(cfg.Daemon.Interval); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("daemon.interval: invalid duration %q", cfg.Daemon.Interval))
		}
	}

	if !strings.HasPrefix(cfg.Daemon.Ref, "refs/heads/") && !strings.HasPrefix(cfg.Daemon.Ref, "refs/tags/") {
		errs = append(errs, fmt.Errorf("daemon.ref: %q must be refs/heads/<branch> or refs/tags/<tag>", cfg.Daemon.Ref))
	}

	if cfg.Artifacts.Backend == ArtifactBackendNATS && cfg.Artifacts.NATS.URL == "" {
		errs = append(errs, errors.New("artifacts.nats.url is required for the nats backend"))
	}

	for name, action := range cfg.Deploy.Actions {
		switch action.Type {
		case ActionTypeShell:
			if action.Command == "" {
				errs = append(errs, fmt.Errorf("deploy action %s: command is required for shell actions", name))
			}
		case ActionTypeNATS:
			if action.Subject == "" && cfg.Artifacts.NATS.Subject == "" {
				errs = append(errs, fmt.Errorf("deploy action %s: subject is required for nats actions", name))
			}
		}
	}

	return errors.Join(errs...)
}
