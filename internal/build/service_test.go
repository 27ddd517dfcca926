package build

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docpipe/internal/artifacts"
	"git.home.luguber.info/inful/docpipe/internal/config"
	"git.home.luguber.info/inful/docpipe/internal/eventstore"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/gate"
	"git.home.luguber.info/inful/docpipe/internal/metrics"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/retry"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
	"git.home.luguber.info/inful/docpipe/internal/runner"
	helpers "git.home.luguber.info/inful/docpipe/internal/testutil/testutils"
)

// scriptExecutor fails steps whose script is "fail" and records every script it ran.
type scriptExecutor struct {
	mu      sync.Mutex
	scripts []string
	env     []map[string]string
}

func (e *scriptExecutor) Run(_ context.Context, req runner.StepRequest) (runner.StepOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts = append(e.scripts, req.Script)
	e.env = append(e.env, req.Env)
	if req.Script == "fail" {
		return runner.StepOutcome{ExitCode: 2}, errors.New("exit status 2")
	}
	return runner.StepOutcome{}, nil
}

const docsPipeline = `
name: docs
variables:
  FORMAT: html
gate:
  markers: ["[docs skip]"]
stages:
  - stage: Build
    jobs:
      - job: sphinx
        steps:
          - script: make
  - stage: Check
    dependsOn: Build
    jobs:
      - job: linkcheck
        steps:
          - script: linkcheck
`

func newTestService(t *testing.T, exec runner.Executor, mutate func(*config.Config)) (*DefaultService, *Resources) {
	t.Helper()
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	cfg.Execution.WorkDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	events, err := eventstore.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	res := &Resources{
		Executor:   exec,
		Store:      artifacts.NewLocalStore(t.TempDir()),
		Events:     events,
		Projection: eventstore.NewRunHistoryProjection(events, 10),
		Recorder:   metrics.NoopRecorder{},
	}
	t.Cleanup(func() { _ = res.Close() })

	fast := retry.NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 0)
	return NewService(cfg, res, WithRetryPolicy(fast)), res
}

func parsePipeline(t *testing.T, doc string) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.Parse([]byte(doc))
	require.NoError(t, err)
	return p
}

var cleanHistory = gate.StaticHistory{
	{Hash: "tip", Message: "Merge branch 'docs'"},
	{Hash: "c1", Message: "Describe the gallery"},
}

func TestRun_SucceedsAndRecordsHistory(t *testing.T) {
	exec := &scriptExecutor{}
	svc, res := newTestService(t, exec, nil)

	result, err := svc.Run(t.Context(), Request{
		Pipeline: parsePipeline(t, docsPipeline),
		Ref:      runctx.BranchRef("master"),
		History:  cleanHistory,
		Trigger:  TriggerAPI,
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSucceeded, result.Status)
	assert.Equal(t, []string{"make", "linkcheck"}, exec.scripts)
	assert.Equal(t, "html", exec.env[0]["FORMAT"])

	history := res.Projection.History()
	require.Len(t, history, 1)
	assert.Equal(t, result.RunID, history[0].RunID)
	assert.Equal(t, TriggerAPI, history[0].Trigger)
	assert.Equal(t, "succeeded", history[0].Status)

	events, err := res.Events.GetByRunID(t.Context(), result.RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestRun_VariablesOverridePipeline(t *testing.T) {
	exec := &scriptExecutor{}
	svc, _ := newTestService(t, exec, nil)

	_, err := svc.Run(t.Context(), Request{
		Pipeline:  parsePipeline(t, docsPipeline),
		Ref:       runctx.BranchRef("master"),
		History:   cleanHistory,
		Variables: map[string]string{"FORMAT": "pdf"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, exec.env)
	assert.Equal(t, "pdf", exec.env[0]["FORMAT"])
}

func TestRun_PipelineMarkersOverrideConfig(t *testing.T) {
	exec := &scriptExecutor{}
	svc, _ := newTestService(t, exec, func(cfg *config.Config) {
		cfg.Gate.Markers = []string{"[skip ci]"}
	})

	result, err := svc.Run(t.Context(), Request{
		Pipeline: parsePipeline(t, docsPipeline),
		Ref:      runctx.BranchRef("master"),
		Message:  "Typo [docs skip]",
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCanceled, result.Status)
	assert.Empty(t, exec.scripts)
}

func TestRun_FailedStepFailsRun(t *testing.T) {
	exec := &scriptExecutor{}
	svc, res := newTestService(t, exec, nil)
	p := parsePipeline(t, docsPipeline)
	p.Stages[0].Jobs[0].Steps[0].Script = "fail"

	result, err := svc.Run(t.Context(), Request{Pipeline: p, Ref: runctx.BranchRef("master"), History: cleanHistory})
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunFailed, result.Status)
	require.Error(t, result.Err)

	run, ok := res.Projection.Run(result.RunID)
	require.True(t, ok)
	assert.Equal(t, "failed", run.Status)
}

func TestRun_RejectsInvalidRequests(t *testing.T) {
	svc, _ := newTestService(t, &scriptExecutor{}, nil)

	_, err := svc.Run(t.Context(), Request{Ref: runctx.BranchRef("master")})
	require.Error(t, err)
	assert.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryConfig))

	p := parsePipeline(t, docsPipeline)
	p.Stages[1].DependsOn = pipeline.StringList{"Missing"}
	_, err = svc.Run(t.Context(), Request{Pipeline: p, Ref: runctx.BranchRef("master"), History: cleanHistory})
	require.Error(t, err)
}

func TestHistorySelection(t *testing.T) {
	svc, _ := newTestService(t, &scriptExecutor{}, nil)

	assert.Equal(t, cleanHistory, svc.History(Request{History: cleanHistory, Message: "ignored"}))
	assert.Equal(t, gate.MessageOverride("msg"), svc.History(Request{Message: "msg"}))
	assert.Equal(t, gate.GitHistory{Path: "."}, svc.History(Request{}))

	disabled, _ := newTestService(t, &scriptExecutor{}, func(cfg *config.Config) { cfg.Gate.Disabled = true })
	assert.Equal(t, gate.MessageOverride(""), disabled.History(Request{}))
}

func TestGateSettingsPrecedence(t *testing.T) {
	svc, _ := newTestService(t, &scriptExecutor{}, func(cfg *config.Config) {
		cfg.Gate.Markers = []string{"[wip]"}
	})
	g := svc.Gate(parsePipeline(t, "name: x\nstages:\n  - stage: A\n    jobs: [{job: a, steps: [{script: a}]}]\n"))
	assert.Equal(t, []string{"[wip]"}, g.Markers())
	assert.Equal(t, 1, g.Skip())

	zero := 0
	p := parsePipeline(t, docsPipeline)
	p.Gate.Skip = &zero
	g = svc.Gate(p)
	assert.Equal(t, []string{"[docs skip]"}, g.Markers())
	assert.Equal(t, 0, g.Skip())
}

func TestResolveRef(t *testing.T) {
	repo, _, dir := helpers.SetupTestGitRepo(t)
	helpers.AddCommit(t, repo, dir, "index.rst", "Gallery", "first")

	svc, _ := newTestService(t, &scriptExecutor{}, func(cfg *config.Config) { cfg.Gate.RepoPath = dir })

	ref, err := svc.ResolveRef(runctx.Ref{})
	require.NoError(t, err)
	assert.Equal(t, runctx.BranchRef("master"), ref)

	ref, err = svc.ResolveRef(runctx.TagRef("v1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, runctx.TagRef("v1.0.0"), ref)

	broken, _ := newTestService(t, &scriptExecutor{}, func(cfg *config.Config) { cfg.Gate.RepoPath = t.TempDir() })
	_, err = broken.ResolveRef(runctx.Ref{})
	require.Error(t, err)
	assert.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryConfig))
}

func TestResolveRef_DetachedHead(t *testing.T) {
	repo, wt, dir := helpers.SetupTestGitRepo(t)
	first := helpers.AddCommit(t, repo, dir, "index.rst", "Gallery", "first")
	helpers.AddCommit(t, repo, dir, "index.rst", "Gallery v2", "second")
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{Hash: first}))

	svc, _ := newTestService(t, &scriptExecutor{}, func(cfg *config.Config) { cfg.Gate.RepoPath = dir })
	_, err := svc.ResolveRef(runctx.Ref{})
	require.Error(t, err)
	assert.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryConfig))
	assert.Contains(t, err.Error(), "--branch or --tag")
}

func TestOpenResources_LocalDefaults(t *testing.T) {
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	cfg.Artifacts.Dir = t.TempDir()
	cfg.Metrics.Enabled = true
	cfg.History.Enabled = true
	cfg.History.Path = ":memory:"

	res, err := OpenResources(t.Context(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Close()) }()

	assert.IsType(t, &artifacts.LocalStore{}, res.Store)
	assert.Nil(t, res.Broker)
	assert.NotNil(t, res.Registry)
	assert.IsType(t, &metrics.PrometheusRecorder{}, res.Recorder)
	assert.NotNil(t, res.Projection)
	assert.Len(t, res.Observers(TriggerCLI), 1)
}

func TestOpenResources_HistoryDisabled(t *testing.T) {
	cfg, err := config.Parse(nil)
	require.NoError(t, err)

	res, err := OpenResources(t.Context(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Close()) }()

	assert.Nil(t, res.Events)
	assert.Empty(t, res.Observers(TriggerCLI))
	assert.IsType(t, metrics.NoopRecorder{}, res.Recorder)
}
