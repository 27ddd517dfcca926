package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docpipe/internal/artifacts"
	"git.home.luguber.info/inful/docpipe/internal/condition"
	"git.home.luguber.info/inful/docpipe/internal/config"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/matrix"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/retry"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
)

// fakeExecutor interprets scripts of the form "ok", "fail", "out name=value",
// "block" and "flaky N" (fails N times, then succeeds).
type fakeExecutor struct {
	mu       sync.Mutex
	ran      []string
	requests []StepRequest
	flaky    map[string]int
}

func (f *fakeExecutor) Run(ctx context.Context, req StepRequest) (StepOutcome, error) {
	f.mu.Lock()
	f.ran = append(f.ran, req.Step)
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	switch {
	case req.Script == "ok":
		return StepOutcome{}, nil
	case req.Script == "fail":
		return StepOutcome{ExitCode: 1, Output: "boom\n"}, errors.New("exit status 1")
	case strings.HasPrefix(req.Script, "out "):
		return StepOutcome{Output: "noise\n::output " + strings.TrimPrefix(req.Script, "out ") + "\n"}, nil
	case req.Script == "block":
		<-ctx.Done()
		return StepOutcome{ExitCode: -1}, ctx.Err()
	case strings.HasPrefix(req.Script, "flaky"):
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.flaky == nil {
			f.flaky = map[string]int{}
		}
		f.flaky[req.Step]++
		if f.flaky[req.Step] <= 2 {
			return StepOutcome{ExitCode: 1}, errors.New("exit status 1")
		}
		return StepOutcome{}, nil
	}
	return StepOutcome{ExitCode: 127}, errors.New("unknown script")
}

func (f *fakeExecutor) steps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func newTestRunner(exec Executor, opts ...Option) *Runner {
	fast := retry.NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 0)
	opts = append([]Option{WithRetryPolicy(fast)}, opts...)
	return New(exec, NewDefaultTaskRegistry(artifacts.NewLocalStore(os.TempDir())), condition.NewEvaluator(), opts...)
}

func instance(steps ...pipeline.Step) matrix.Instance {
	return matrix.Instance{
		Stage:      "Main",
		Job:        "linux",
		ID:         "linux.py39",
		Entry:      "py39",
		Assignment: map[string]string{"PYTHON_VERSION": "3.9"},
		Env:        map[string]string{"PYTHON_VERSION": "3.9"},
		Steps:      steps,
	}
}

func statuses(res InstanceResult) []pipeline.Status {
	out := make([]pipeline.Status, len(res.Steps))
	for i, s := range res.Steps {
		out[i] = s.Status
	}
	return out
}

func TestRun_StepsInOrderWithOutputs(t *testing.T) {
	exec := &fakeExecutor{}
	r := newTestRunner(exec)
	res := r.Run(t.Context(), instance(
		pipeline.Step{Script: "ok", DisplayName: "install"},
		pipeline.Step{Script: "out coverage=81", DisplayName: "test"},
		pipeline.Step{Task: TaskSetOutput, Inputs: map[string]string{"name": "python", "value": "$PYTHON_VERSION"}},
	), Env{})

	require.Equal(t, pipeline.StatusSucceeded, res.Status)
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"install", "test"}, exec.steps())
	assert.Equal(t, map[string]string{"coverage": "81", "python": "3.9"}, res.Outputs)
	assert.Equal(t, []pipeline.Status{pipeline.StatusSucceeded, pipeline.StatusSucceeded, pipeline.StatusSucceeded}, statuses(res))
}

func TestRun_FailureSkipsDefaultStepsButRunsTeardown(t *testing.T) {
	exec := &fakeExecutor{}
	r := newTestRunner(exec)
	res := r.Run(t.Context(), instance(
		pipeline.Step{Script: "out before=1", DisplayName: "setup"},
		pipeline.Step{Script: "fail", DisplayName: "pytest"},
		pipeline.Step{Script: "ok", DisplayName: "docs"},
		pipeline.Step{Script: "ok", DisplayName: "coverage", Condition: "succeededOrFailed()"},
		pipeline.Step{Script: "ok", DisplayName: "report", Condition: "failed()"},
		pipeline.Step{Script: "ok", DisplayName: "cleanup", Condition: "always()"},
	), Env{})

	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, []string{"setup", "pytest", "coverage", "report", "cleanup"}, exec.steps())
	assert.Equal(t, []pipeline.Status{
		pipeline.StatusSucceeded, pipeline.StatusFailed, pipeline.StatusSkipped,
		pipeline.StatusSucceeded, pipeline.StatusSucceeded, pipeline.StatusSucceeded,
	}, statuses(res))
	assert.Equal(t, "1", res.Outputs["before"], "outputs published before the failure remain valid")

	require.Error(t, res.Err)
	assert.True(t, foundationerrors.HasCategory(res.Err, foundationerrors.CategoryInstance))
	assert.Equal(t, "Main", foundationerrors.StageOf(res.Err))
	msg := res.Err.Error()
	assert.Contains(t, msg, `step "pytest"`)
	assert.Contains(t, msg, "Main/linux.py39 (PYTHON_VERSION=3.9)")
	assert.Len(t, res.FailedSteps(), 1)
}

func TestRun_ContinueOnError(t *testing.T) {
	exec := &fakeExecutor{}
	r := newTestRunner(exec)
	res := r.Run(t.Context(), instance(
		pipeline.Step{Script: "fail", DisplayName: "optional", ContinueOnError: true},
		pipeline.Step{Script: "ok", DisplayName: "next"},
		pipeline.Step{Script: "ok", DisplayName: "only-on-failure", Condition: "failed()"},
	), Env{})

	assert.Equal(t, pipeline.StatusSucceeded, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, []pipeline.Status{pipeline.StatusFailed, pipeline.StatusSucceeded, pipeline.StatusSkipped}, statuses(res))
	assert.True(t, res.Steps[0].ContinueOnError)
}

func TestRun_RetryCountOnTaskFailure(t *testing.T) {
	exec := &fakeExecutor{}
	r := newTestRunner(exec)

	res := r.Run(t.Context(), instance(pipeline.Step{Script: "flaky", DisplayName: "network", RetryCountOnTaskFailure: 2}), Env{})
	require.Equal(t, pipeline.StatusSucceeded, res.Status)
	assert.Equal(t, 3, res.Steps[0].Attempts)

	exec2 := &fakeExecutor{}
	res = newTestRunner(exec2).Run(t.Context(), instance(pipeline.Step{Script: "flaky", DisplayName: "network", RetryCountOnTaskFailure: 1}), Env{})
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, 2, res.Steps[0].Attempts)
}

func TestRun_JobTimeout(t *testing.T) {
	exec := &fakeExecutor{}
	r := newTestRunner(exec)
	inst := instance(
		pipeline.Step{Script: "block", DisplayName: "hang"},
		pipeline.Step{Script: "ok", DisplayName: "cleanup", Condition: "always()"},
	)
	inst.Timeout = 20 * time.Millisecond

	res := r.Run(t.Context(), inst, Env{})
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.True(t, res.TimedOut)
	assert.Equal(t, []pipeline.Status{pipeline.StatusFailed, pipeline.StatusSkipped}, statuses(res))
	require.Error(t, res.Err)
}

func TestRun_DefaultTimeoutApplies(t *testing.T) {
	r := newTestRunner(&fakeExecutor{}, WithDefaultTimeout(20*time.Millisecond))
	res := r.Run(t.Context(), instance(pipeline.Step{Script: "block"}), Env{})
	assert.True(t, res.TimedOut)
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	exec := &fakeExecutor{}
	res := newTestRunner(exec).Run(ctx, instance(pipeline.Step{Script: "ok"}), Env{})
	assert.Equal(t, pipeline.StatusCanceled, res.Status)
	assert.Empty(t, exec.steps())
}

func TestRun_DuplicateOutputFailsStep(t *testing.T) {
	res := newTestRunner(&fakeExecutor{}).Run(t.Context(), instance(
		pipeline.Step{Script: "out v=1"},
		pipeline.Step{Script: "out v=2"},
	), Env{})
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, "1", res.Outputs["v"])
}

func TestRun_EnvironmentAndConditionVariables(t *testing.T) {
	exec := &fakeExecutor{}
	r := newTestRunner(exec)
	inst := instance(
		pipeline.Step{Script: "ok", DisplayName: "tagged", Condition: `tag != ""`},
		pipeline.Step{Script: "ok", DisplayName: "py39", Condition: `variables.PYTHON_VERSION == "3.9"`, Env: map[string]string{"STEP": "1"}},
	)
	inst.Pool = "ubuntu-latest"
	res := r.Run(t.Context(), inst, Env{Ref: runctx.BranchRef("master"), System: map[string]string{"DOCPIPE_RUN_ID": "abc"}})

	require.Equal(t, pipeline.StatusSucceeded, res.Status)
	assert.Equal(t, []pipeline.Status{pipeline.StatusSkipped, pipeline.StatusSucceeded}, statuses(res))
	require.Len(t, exec.requests, 1)
	env := exec.requests[0].Env
	assert.Equal(t, "3.9", env["PYTHON_VERSION"])
	assert.Equal(t, "abc", env["DOCPIPE_RUN_ID"])
	assert.Equal(t, "linux.py39", env["DOCPIPE_INSTANCE"])
	assert.Equal(t, "py39", env["DOCPIPE_MATRIX_ENTRY"])
	assert.Equal(t, "ubuntu-latest", env["DOCPIPE_POOL"])
	assert.Equal(t, "1", env["STEP"])
	assert.Equal(t, "ubuntu-latest", exec.requests[0].Pool)
}

func TestRun_ArtifactTasks(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(work, "build", "html"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(work, "build", "html", "index.html"), []byte("docs"), 0o600))

	store := artifacts.NewLocalStore(t.TempDir())
	r := New(&fakeExecutor{}, NewDefaultTaskRegistry(store), condition.NewEvaluator(), WithWorkDir(work))
	res := r.Run(t.Context(), instance(
		pipeline.Step{Task: TaskPublishArtifact, Inputs: map[string]string{"artifact": "html", "path": "build/html"}},
		pipeline.Step{Task: TaskDownloadArtifact, Inputs: map[string]string{"artifact": "html", "path": "fetched"}},
		pipeline.Step{Task: TaskPublishArtifact, Inputs: map[string]string{"artifact": "html"}, ContinueOnError: true},
	), Env{})

	require.Equal(t, pipeline.StatusSucceeded, res.Status)
	b, err := os.ReadFile(filepath.Join(work, "fetched", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "docs", string(b))
	assert.Equal(t, pipeline.StatusFailed, res.Steps[2].Status)
	assert.ErrorContains(t, res.Steps[2].Err, "missing required inputs: path")
}

func TestTaskRegistry_Validate(t *testing.T) {
	reg := NewDefaultTaskRegistry(artifacts.NewLocalStore(t.TempDir()))
	assert.Equal(t, []string{TaskDownloadArtifact, TaskPublishArtifact, TaskSetOutput}, reg.Names())

	p := &pipeline.Pipeline{Stages: []pipeline.Stage{{
		Name: "Docs",
		Jobs: []pipeline.Job{{Name: "build", Steps: []pipeline.Step{{Task: "PublishArtifact"}, {Task: "UploadToS3"}}}},
	}}}
	err := reg.Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown task "UploadToS3"`)
	assert.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryConfig))

	reg.Register("UploadToS3", func(context.Context, TaskRequest) (StepOutcome, error) { return StepOutcome{}, nil })
	require.NoError(t, reg.Validate(p))
}

func TestParseOutputs(t *testing.T) {
	text := strings.Join([]string{
		"building...",
		"::output proceed=true",
		"##vso[task.setvariable variable=version;isOutput=true]1.2.3",
		"##vso[task.setvariable variable=local]ignored",
		"::output url=https://example.org/a=b\r",
		"::output bad name=x",
	}, "\n")
	assert.Equal(t, []publishedOutput{
		{Name: "proceed", Value: "true"},
		{Name: "version", Value: "1.2.3"},
		{Name: "url", Value: "https://example.org/a=b"},
	}, parseOutputs(text))
}

func TestShellExecutor(t *testing.T) {
	e := NewShellExecutor("sh")
	out, err := e.Run(t.Context(), StepRequest{Script: `echo "$GREETING"; echo oops >&2; exit 3`, Env: map[string]string{"GREETING": "hello"}, WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Contains(t, out.Output, "hello")
	assert.Contains(t, out.Output, "oops")

	out, err = e.Run(t.Context(), StepRequest{Script: "echo ::output k=v"})
	require.NoError(t, err)
	assert.Equal(t, []publishedOutput{{Name: "k", Value: "v"}}, parseOutputs(out.Output))
}

func TestShellExecutor_DeadlineKillsChildProcesses(t *testing.T) {
	e := NewShellExecutor("sh")
	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := e.Run(ctx, StepRequest{Script: "echo started; sleep 4; echo done"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Contains(t, out.Output, "started")
	assert.NotContains(t, out.Output, "done")
}
