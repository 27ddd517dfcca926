package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("version: \"1.0\"\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultPipelinePath, cfg.Pipeline.Path)
	assert.Equal(t, 1, cfg.Gate.SkipCount())
	assert.Equal(t, DefaultShell, cfg.Execution.Shell)
	assert.Equal(t, DefaultMaxParallel, cfg.Execution.MaxParallel)
	assert.Equal(t, RetryBackoffLinear, cfg.Execution.RetryBackoff)
	assert.Equal(t, ArtifactBackendLocal, cfg.Artifacts.Backend)
	assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
	assert.Equal(t, LogFormatText, cfg.Logging.Format)
	assert.Equal(t, 60*time.Minute, cfg.Execution.DefaultTimeoutDuration())
	assert.Zero(t, cfg.Daemon.IntervalDuration())
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultAdminAddr, cfg.Daemon.AdminAddr)
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("DOCPIPE_TEST_NATS", "nats://queue:4222")
	cfg, err := Parse([]byte(`
artifacts:
  backend: NATS
  nats:
    url: ${DOCPIPE_TEST_NATS}
`))
	require.NoError(t, err)
	assert.Equal(t, ArtifactBackendNATS, cfg.Artifacts.Backend)
	assert.Equal(t, "nats://queue:4222", cfg.Artifacts.NATS.URL)
}

func TestParseGateSkipZeroIsKept(t *testing.T) {
	cfg, err := Parse([]byte("gate:\n  skip: 0\n  markers: [\"[no ci]\"]\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Gate.SkipCount())
	assert.Equal(t, []string{"[no ci]"}, cfg.Gate.Markers)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "pipline:\n  path: x\n"},
		{"negative skip", "gate:\n  skip: -1\n"},
		{"bad timeout", "execution:\n  default_timeout: soon\n"},
		{"bad backoff", "execution:\n  retry_backoff: quadratic\n"},
		{"bad backend", "artifacts:\n  backend: s3\n"},
		{"shell action without command", "deploy:\n  actions:\n    gh-pages:\n      type: shell\n"},
		{"nats action without subject", "deploy:\n  actions:\n    bus:\n      type: nats\n"},
		{"bad interval", "daemon:\n  interval: nightly\n"},
		{"bare daemon ref", "daemon:\n  ref: master\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "docpipe.yaml")

	cfg, err := LoadOrDefault(missing, false)
	require.NoError(t, err)
	assert.Equal(t, DefaultPipelinePath, cfg.Pipeline.Path)

	_, err = LoadOrDefault(missing, true)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(missing, []byte("pipeline:\n  path: ci/pipeline.yaml\n"), 0o600))
	cfg, err = LoadOrDefault(missing, true)
	require.NoError(t, err)
	assert.Equal(t, "ci/pipeline.yaml", cfg.Pipeline.Path)
}

func TestLoadEnvFileDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(".env", []byte("DOCPIPE_TEST_A=from-file\nDOCPIPE_TEST_B=from-file\n"), 0o600))
	t.Setenv("DOCPIPE_TEST_A", "from-env")
	t.Setenv("DOCPIPE_TEST_B", "")
	require.NoError(t, os.Unsetenv("DOCPIPE_TEST_B"))

	require.NoError(t, loadEnvFile())
	assert.Equal(t, "from-env", os.Getenv("DOCPIPE_TEST_A"))
	assert.Equal(t, "from-file", os.Getenv("DOCPIPE_TEST_B"))
}
