package config

import "git.home.luguber.info/inful/docpipe/internal/foundation/normalization"

// LogLevel enumerates supported logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var logLevelNormalizer = normalization.NewNormalizer("log level", map[string]LogLevel{
	"debug":   LogLevelDebug,
	"info":    LogLevelInfo,
	"warn":    LogLevelWarn,
	"warning": LogLevelWarn,
	"error":   LogLevelError,
}, LogLevelInfo)

func NormalizeLogLevel(raw string) LogLevel { return logLevelNormalizer.Normalize(raw) }

// LogFormat enumerates supported log output formats.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

var logFormatNormalizer = normalization.NewNormalizer("log format", map[string]LogFormat{
	"json": LogFormatJSON,
	"text": LogFormatText,
}, LogFormatText)

func NormalizeLogFormat(raw string) LogFormat { return logFormatNormalizer.Normalize(raw) }

// RetryBackoffMode enumerates supported backoff strategies for step retries.
type RetryBackoffMode string

const (
	RetryBackoffFixed       RetryBackoffMode = "fixed"
	RetryBackoffLinear      RetryBackoffMode = "linear"
	RetryBackoffExponential RetryBackoffMode = "exponential"
)

var retryBackoffNormalizer = normalization.NewNormalizer("retry backoff", map[string]RetryBackoffMode{
	"fixed":       RetryBackoffFixed,
	"linear":      RetryBackoffLinear,
	"exponential": RetryBackoffExponential,
}, RetryBackoffLinear)

// ParseRetryBackoff validates a backoff mode; empty input yields linear.
func ParseRetryBackoff(raw string) (RetryBackoffMode, error) { return retryBackoffNormalizer.Parse(raw) }

// ArtifactBackend selects the artifact store implementation.
type ArtifactBackend string

const (
	ArtifactBackendLocal ArtifactBackend = "local"
	ArtifactBackendNATS  ArtifactBackend = "nats"
)

var artifactBackendNormalizer = normalization.NewNormalizer("artifact backend", map[string]ArtifactBackend{
	"local": ArtifactBackendLocal,
	"fs":    ArtifactBackendLocal,
	"nats":  ArtifactBackendNATS,
}, ArtifactBackendLocal)

func ParseArtifactBackend(raw string) (ArtifactBackend, error) {
	return artifactBackendNormalizer.Parse(raw)
}

// ActionType selects a deploy publish action implementation.
type ActionType string

const (
	ActionTypeShell ActionType = "shell"
	ActionTypeNATS  ActionType = "nats"
)

var actionTypeNormalizer = normalization.NewNormalizer("deploy action type", map[string]ActionType{
	"shell": ActionTypeShell,
	"nats":  ActionTypeNATS,
}, ActionTypeShell)

func ParseActionType(raw string) (ActionType, error) { return actionTypeNormalizer.Parse(raw) }
