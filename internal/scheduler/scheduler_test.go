package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docpipe/internal/artifacts"
	"git.home.luguber.info/inful/docpipe/internal/condition"
	"git.home.luguber.info/inful/docpipe/internal/config"
	"git.home.luguber.info/inful/docpipe/internal/deploy"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/gate"
	"git.home.luguber.info/inful/docpipe/internal/git"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/retry"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
	"git.home.luguber.info/inful/docpipe/internal/runner"
)

// recordingExecutor interprets scripts "fail", "fail-if VAR", "out name=value",
// "sleep" and "block"; anything else succeeds. It records start and end events.
type recordingExecutor struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingExecutor) record(ev string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingExecutor) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func (e *recordingExecutor) Run(ctx context.Context, req runner.StepRequest) (runner.StepOutcome, error) {
	id := req.Stage + "/" + req.Instance
	e.record("start " + id)
	defer e.record("end " + id)

	fields := strings.Fields(req.Script)
	switch fields[0] {
	case "fail":
		return runner.StepOutcome{ExitCode: 1}, errors.New("exit status 1")
	case "fail-if":
		if req.Env[fields[1]] == "yes" {
			return runner.StepOutcome{ExitCode: 1}, errors.New("exit status 1")
		}
	case "out":
		name, value, _ := strings.Cut(fields[1], "=")
		return runner.StepOutcome{Output: runner.FormatOutput(name, value) + "\n"}, nil
	case "sleep":
		time.Sleep(20 * time.Millisecond)
	case "block":
		<-ctx.Done()
		return runner.StepOutcome{ExitCode: -1}, ctx.Err()
	}
	return runner.StepOutcome{}, nil
}

type recordingAction struct {
	mu   sync.Mutex
	reqs []deploy.Request
	err  error
}

func (a *recordingAction) Publish(_ context.Context, req deploy.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
	return a.err
}

type countingObserver struct {
	mu       sync.Mutex
	started  int
	stages   []string
	gates    int
	deploys  int
	finished *RunResult
}

func (o *countingObserver) RunStarted(context.Context, *runctx.RunContext) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) GateEvaluated(context.Context, *runctx.RunContext, gate.Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gates++
}

func (o *countingObserver) StageFinished(_ context.Context, _ *runctx.RunContext, s StageResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, s.Name)
}

func (o *countingObserver) DeployFinished(context.Context, *runctx.RunContext, DeployResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deploys++
}

func (o *countingObserver) RunFinished(_ context.Context, r *RunResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = r
}

var defaultHistory = gate.StaticHistory{
	{Hash: "tip", Message: "Merge pull request #42"},
	{Hash: "c1", Message: "DOC fix gallery thumbnails"},
}

type harness struct {
	exec        *recordingExecutor
	store       *artifacts.LocalStore
	workDir     string
	history     gate.HistoryReader
	actions     map[string]deploy.Action
	maxParallel int
	observer    *countingObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		exec:        &recordingExecutor{},
		store:       artifacts.NewLocalStore(t.TempDir()),
		workDir:     t.TempDir(),
		history:     defaultHistory,
		maxParallel: 4,
		observer:    &countingObserver{},
	}
}

func (h *harness) run(ctx context.Context, t *testing.T, p *pipeline.Pipeline, ref runctx.Ref) (*RunResult, error) {
	t.Helper()
	evaluator := condition.NewEvaluator()
	tasks := runner.NewDefaultTaskRegistry(h.store)
	plan, err := Plan(p, evaluator, tasks)
	require.NoError(t, err)

	fast := retry.NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 0)
	r := runner.New(h.exec, tasks, evaluator, runner.WithRetryPolicy(fast), runner.WithWorkDir(h.workDir))
	sched := New(r, evaluator, WithMaxParallel(h.maxParallel), WithObserver(h.observer))
	orch := NewOrchestrator(OrchestratorConfig{
		Scheduler: sched,
		Evaluator: evaluator,
		History:   h.history,
		Router:    deploy.NewRouter(p.Deploy, h.store, h.actions, nil),
	})
	return orch.Run(ctx, p, plan, runctx.New(p.Name, ref, p.Variables))
}

func parse(t *testing.T, doc string) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.Parse([]byte(doc))
	require.NoError(t, err)
	return p
}

func statuses(res *RunResult) map[string]pipeline.Status {
	out := map[string]pipeline.Status{}
	for _, s := range res.Stages {
		out[s.Name] = s.Status
	}
	return out
}

func started(events []string, prefix string) bool {
	return slices.ContainsFunc(events, func(ev string) bool { return strings.HasPrefix(ev, "start "+prefix) })
}

func TestRun_GalleryDeploysDev(t *testing.T) {
	h := newHarness(t)
	site := filepath.Join(h.workDir, "doc", "_build", "html")
	require.NoError(t, os.MkdirAll(site, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(site, "index.html"), []byte("gallery"), 0o600))
	dev := &recordingAction{}
	h.actions = map[string]deploy.Action{"push-dev": dev, "push-stable": &recordingAction{}}

	p, err := pipeline.Load("../pipeline/testdata/gallery.yaml")
	require.NoError(t, err)

	res, err := h.run(t.Context(), t, p, runctx.ParseRef("refs/heads/master"))
	require.NoError(t, err)

	assert.Equal(t, pipeline.RunSucceeded, res.Status)
	assert.Equal(t, map[string]pipeline.Status{
		"SkipCheck": pipeline.StatusSucceeded,
		"Main":      pipeline.StatusSucceeded,
		"Docs":      pipeline.StatusSucceeded,
		"Style":     pipeline.StatusSucceeded,
	}, statuses(res))
	assert.Equal(t, "SkipCheck", res.Stages[0].Name)
	assert.Equal(t, "true", res.Outputs["SkipCheck.gate.proceed"])
	require.NotNil(t, res.Gate)
	assert.Equal(t, "c1", res.Gate.Commit.Hash)

	main, ok := res.Stage("Main")
	require.True(t, ok)
	assert.Len(t, main.Instances, 4)

	require.NotNil(t, res.Deploy)
	assert.Equal(t, "dev", res.Deploy.Target)
	assert.Equal(t, pipeline.StatusSucceeded, res.Deploy.Status)
	require.Len(t, dev.reqs, 1)
	assert.Equal(t, "html", dev.reqs[0].Artifact)

	assert.Equal(t, 1, h.observer.started)
	assert.Equal(t, 1, h.observer.gates)
	assert.Equal(t, 1, h.observer.deploys)
	assert.ElementsMatch(t, []string{"SkipCheck", "Main", "Docs", "Style"}, h.observer.stages)
	assert.Same(t, res, h.observer.finished)
}

func TestRun_NonStableTagDeploysNothing(t *testing.T) {
	h := newHarness(t)
	site := filepath.Join(h.workDir, "doc", "_build", "html")
	require.NoError(t, os.MkdirAll(site, 0o750))
	stable := &recordingAction{}
	h.actions = map[string]deploy.Action{"push-stable": stable}

	p, err := pipeline.Load("../pipeline/testdata/gallery.yaml")
	require.NoError(t, err)

	res, err := h.run(t.Context(), t, p, runctx.ParseRef("refs/tags/v1.2"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSucceeded, res.Status)
	require.NotNil(t, res.Deploy)
	assert.Equal(t, pipeline.StatusSkipped, res.Deploy.Status)
	assert.Empty(t, res.Deploy.Target)
	assert.Empty(t, stable.reqs)
}

const twoMatrixJobs = `
name: matrix
gate: {}
stages:
  - stage: Main
    jobs:
      - job: a
        matrix:
          e1: {FAIL: "no"}
          e2: {FAIL: "no"}
          e3: {FAIL: "no"}
          e4: {FAIL: "no"}
          e5: {FAIL: "no"}
        steps:
          - script: fail-if FAIL
          - script: upload
            condition: succeededOrFailed()
      - job: b
        matrix:
          e1: {FAIL: "no"}
          e2: {FAIL: "no"}
          e3: {FAIL: "yes"}
          e4: {FAIL: "no"}
          e5: {FAIL: "no"}
        steps:
          - script: fail-if FAIL
          - script: upload
            condition: succeededOrFailed()
  - stage: Docs
    dependsOn: Main
    jobs:
      - job: build
        steps: [{script: make}]
  - stage: Style
    jobs:
      - job: flake8
        steps: [{script: flake8}]
`

func TestRun_FailingMatrixInstanceIsIsolated(t *testing.T) {
	h := newHarness(t)
	res, err := h.run(t.Context(), t, parse(t, twoMatrixJobs), runctx.BranchRef("master"))
	require.NoError(t, err)

	main, ok := res.Stage("Main")
	require.True(t, ok)
	require.Len(t, main.Instances, 10)
	assert.Equal(t, pipeline.StatusFailed, main.Status)

	var failed []string
	for _, inst := range main.Instances {
		if inst.Status == pipeline.StatusFailed {
			failed = append(failed, inst.Instance.ID)
			// The teardown step still ran.
			assert.Equal(t, pipeline.StatusSucceeded, inst.Steps[1].Status)
			continue
		}
		assert.Equal(t, pipeline.StatusSucceeded, inst.Status, inst.Instance.ID)
	}
	assert.Equal(t, []string{"b.e3"}, failed)

	st := statuses(res)
	assert.Equal(t, pipeline.StatusSkipped, st["Docs"])
	assert.Equal(t, pipeline.StatusSucceeded, st["Style"])
	assert.False(t, started(h.exec.snapshot(), "Docs/"))

	assert.Equal(t, pipeline.RunFailed, res.Status)
	failures := res.Failures()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error(), "Main/b.e3 (FAIL=yes)")
	assert.Equal(t, "Main", foundationerrors.StageOf(failures[0]))
	assert.True(t, foundationerrors.HasCategory(failures[0], foundationerrors.CategoryInstance))
}

func TestRun_StagesWaitForDependencies(t *testing.T) {
	h := newHarness(t)
	p := parse(t, `
stages:
  - stage: Main
    jobs:
      - job: test
        matrix:
          py39: {V: "3.9"}
          py311: {V: "3.11"}
          py312: {V: "3.12"}
        steps: [{script: sleep}]
  - stage: Docs
    dependsOn: Main
    jobs:
      - job: build
        steps: [{script: make}]
  - stage: Publish
    dependsOn: [Docs, Main]
    jobs:
      - job: push
        steps: [{script: push}]
`)
	res, err := h.run(t.Context(), t, p, runctx.BranchRef("master"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSucceeded, res.Status)

	events := h.exec.snapshot()
	index := func(ev string) int {
		i := slices.Index(events, ev)
		require.GreaterOrEqual(t, i, 0, ev)
		return i
	}
	docsStart := index("start Docs/build")
	for _, id := range []string{"test.py39", "test.py311", "test.py312"} {
		assert.Less(t, index("end Main/"+id), docsStart)
	}
	assert.Less(t, index("end Docs/build"), index("start Publish/push"))
}

func TestRun_GateMarkerCancelsRun(t *testing.T) {
	h := newHarness(t)
	h.history = gate.StaticHistory{
		{Hash: "tip", Message: "Merge"},
		{Hash: "c1", Message: "Fix typo [skip ci]"},
	}
	h.actions = map[string]deploy.Action{"push-dev": &recordingAction{}}
	p, err := pipeline.Load("../pipeline/testdata/gallery.yaml")
	require.NoError(t, err)

	res, err := h.run(t.Context(), t, p, runctx.BranchRef("master"))
	require.NoError(t, err)

	assert.Equal(t, pipeline.RunCanceled, res.Status)
	assert.Equal(t, "false", res.Outputs["SkipCheck.gate.proceed"])
	assert.Equal(t, "[skip ci]", res.Gate.Marker)
	for _, s := range res.Stages[1:] {
		assert.Equal(t, pipeline.StatusSkipped, s.Status, s.Name)
	}
	require.NotNil(t, res.Deploy)
	assert.Equal(t, pipeline.StatusSkipped, res.Deploy.Status)
	assert.Empty(t, h.exec.snapshot())
}

func TestRun_GateReadErrorFailsWithoutStages(t *testing.T) {
	h := newHarness(t)
	h.history = gate.StaticHistory{{Hash: "tip", Message: "shallow"}}
	p, err := pipeline.Load("../pipeline/testdata/gallery.yaml")
	require.NoError(t, err)

	res, err := h.run(t.Context(), t, p, runctx.BranchRef("master"))
	require.Error(t, err)
	assert.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryGate))
	assert.ErrorIs(t, err, git.ErrHistoryTooShort)
	assert.Equal(t, "SkipCheck", foundationerrors.StageOf(err))

	assert.Equal(t, pipeline.RunFailed, res.Status)
	require.Len(t, res.Stages, 1)
	assert.Equal(t, pipeline.StatusFailed, res.Stages[0].Status)
	assert.NotContains(t, res.Outputs, "SkipCheck.gate.proceed")
	assert.Empty(t, h.exec.snapshot())
}

func TestRun_OutputsVisibleToTransitiveDependentsOnly(t *testing.T) {
	h := newHarness(t)
	p := parse(t, `
stages:
  - stage: A
    jobs:
      - job: build
        steps: [{script: out version=1.2, name: ver}]
  - stage: B
    dependsOn: A
    jobs:
      - job: j
        steps: [{script: ok}]
  - stage: C
    dependsOn: B
    condition: succeeded() && dependencies.A.outputs["build.version"] == "1.2"
    jobs:
      - job: j
        steps: [{script: ok}]
  - stage: D
    condition: succeeded() && !("A" in dependencies)
    jobs:
      - job: j
        steps: [{script: ok}]
`)
	res, err := h.run(t.Context(), t, p, runctx.BranchRef("master"))
	require.NoError(t, err)

	st := statuses(res)
	assert.Equal(t, pipeline.StatusSucceeded, st["C"])
	assert.Equal(t, pipeline.StatusSucceeded, st["D"])
	assert.Equal(t, "1.2", res.Outputs["A.build.version"])
}

func TestRun_FalseConditionSkipsDescendants(t *testing.T) {
	h := newHarness(t)
	p := parse(t, `
stages:
  - stage: A
    jobs: [{job: j, steps: [{script: ok}]}]
  - stage: B
    dependsOn: A
    condition: "false"
    jobs: [{job: j, steps: [{script: ok}]}]
  - stage: C
    dependsOn: B
    condition: always()
    jobs: [{job: j, steps: [{script: ok}]}]
  - stage: D
    dependsOn: A
    condition: failed()
    jobs: [{job: j, steps: [{script: ok}]}]
`)
	res, err := h.run(t.Context(), t, p, runctx.BranchRef("master"))
	require.NoError(t, err)

	st := statuses(res)
	assert.Equal(t, pipeline.StatusSucceeded, st["A"])
	assert.Equal(t, pipeline.StatusSkipped, st["B"])
	assert.Equal(t, pipeline.StatusSkipped, st["C"])
	assert.Equal(t, pipeline.StatusSkipped, st["D"])
	assert.Equal(t, pipeline.RunSucceeded, res.Status)

	c, _ := res.Stage("C")
	assert.Contains(t, c.Reason, `"B"`)
	events := h.exec.snapshot()
	assert.False(t, started(events, "B/"))
	assert.False(t, started(events, "C/"))
}

func TestRun_FailFastCancelsUnstartedInstances(t *testing.T) {
	h := newHarness(t)
	h.maxParallel = 1
	p := parse(t, `
stages:
  - stage: Main
    failFast: true
    jobs:
      - job: test
        matrix:
          e1: {FAIL: "yes"}
          e2: {FAIL: "no"}
          e3: {FAIL: "no"}
        steps: [{script: fail-if FAIL}]
`)
	res, err := h.run(t.Context(), t, p, runctx.BranchRef("master"))
	require.NoError(t, err)

	main, _ := res.Stage("Main")
	require.Len(t, main.Instances, 3)
	assert.Equal(t, pipeline.StatusFailed, main.Instances[0].Status)
	assert.Equal(t, pipeline.StatusCanceled, main.Instances[1].Status)
	assert.Equal(t, pipeline.StatusCanceled, main.Instances[2].Status)
	assert.Equal(t, pipeline.StatusFailed, main.Status)
	assert.False(t, started(h.exec.snapshot(), "Main/test.e2"))
}

func TestRun_GlobalConditionFalseCancels(t *testing.T) {
	h := newHarness(t)
	p := parse(t, `
condition: branch == "master" || tag != ""
stages:
  - stage: A
    jobs: [{job: j, steps: [{script: ok}]}]
`)
	res, err := h.run(t.Context(), t, p, runctx.BranchRef("feature/x"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCanceled, res.Status)
	assert.Equal(t, pipeline.StatusSkipped, statuses(res)["A"])
	assert.Empty(t, h.exec.snapshot())
}

func TestRun_DeployFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	h.actions = map[string]deploy.Action{"push": &recordingAction{err: errors.New("remote rejected")}}
	p := parse(t, `
stages:
  - stage: Docs
    jobs: [{job: build, steps: [{script: ok}]}]
deploy:
  targets:
    - name: dev
      branch: main
      requires: Docs
      action: push
`)
	res, err := h.run(t.Context(), t, p, runctx.BranchRef("main"))
	require.NoError(t, err)

	assert.Equal(t, pipeline.RunFailed, res.Status)
	require.NotNil(t, res.Deploy)
	assert.Equal(t, pipeline.StatusFailed, res.Deploy.Status)
	assert.True(t, foundationerrors.HasCategory(res.Deploy.Err, foundationerrors.CategoryExternal))
	assert.Equal(t, "Deploy", foundationerrors.StageOf(res.Err))
}

func TestRun_CanceledContextCancelsStages(t *testing.T) {
	h := newHarness(t)
	p := parse(t, `
stages:
  - stage: A
    jobs: [{job: j, steps: [{script: ok}]}]
  - stage: B
    dependsOn: A
    jobs: [{job: j, steps: [{script: ok}]}]
`)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	res, err := h.run(ctx, t, p, runctx.BranchRef("master"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCanceled, res.Status)
	assert.Equal(t, map[string]pipeline.Status{"A": pipeline.StatusCanceled, "B": pipeline.StatusCanceled}, statuses(res))
	assert.Empty(t, h.exec.snapshot())
}

func TestPlan_RejectsBeforeExecution(t *testing.T) {
	evaluator := condition.NewEvaluator()
	tasks := runner.NewDefaultTaskRegistry(artifacts.NewLocalStore(t.TempDir()))

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "cycle",
			doc: `
stages:
  - stage: A
    dependsOn: B
    jobs: [{job: j, steps: [{script: ok}]}]
  - stage: B
    dependsOn: A
    jobs: [{job: j, steps: [{script: ok}]}]
`,
			want: "cycle",
		},
		{
			name: "unknown task",
			doc: `
stages:
  - stage: A
    jobs: [{job: j, steps: [{task: Frobnicate}]}]
`,
			want: "unknown task",
		},
		{
			name: "bad condition",
			doc: `
stages:
  - stage: A
    condition: succeeded(
    jobs: [{job: j, steps: [{script: ok}]}]
`,
			want: "invalid condition",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan(parse(t, tt.doc), evaluator, tasks)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryConfig))
		})
	}
}
