// Package runner executes a single job instance: its steps in declared order,
// honoring step conditions, continueOnError, retries and the job timeout.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/docpipe/internal/condition"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/logfields"
	"git.home.luguber.info/inful/docpipe/internal/matrix"
	"git.home.luguber.info/inful/docpipe/internal/metrics"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/retry"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
)

// Env is the run-level context handed to every instance.
type Env struct {
	Ref    runctx.Ref
	System map[string]string // DOCPIPE_* variables of the run
}

// Runner executes job instances. It holds no per-instance state and is safe for
// concurrent use.
type Runner struct {
	executor       Executor
	tasks          *TaskRegistry
	evaluator      condition.Evaluator
	retry          retry.Policy
	recorder       metrics.Recorder
	workDir        string
	defaultTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

func WithRetryPolicy(p retry.Policy) Option { return func(r *Runner) { r.retry = p } }

func WithRecorder(rec metrics.Recorder) Option {
	return func(r *Runner) { r.recorder = metrics.OrNoop(rec) }
}

func WithWorkDir(dir string) Option { return func(r *Runner) { r.workDir = dir } }

// WithDefaultTimeout bounds instances whose job declares no timeoutInMinutes.
func WithDefaultTimeout(d time.Duration) Option { return func(r *Runner) { r.defaultTimeout = d } }

// New creates a runner.
func New(executor Executor, tasks *TaskRegistry, evaluator condition.Evaluator, opts ...Option) *Runner {
	if tasks == nil {
		tasks = NewTaskRegistry()
	}
	r := &Runner{
		executor:  executor,
		tasks:     tasks,
		evaluator: evaluator,
		retry:     retry.DefaultPolicy(),
		recorder:  metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes inst. It never returns an error: failures are reported in the result.
func (r *Runner) Run(ctx context.Context, inst matrix.Instance, env Env) InstanceResult {
	start := time.Now()
	res := InstanceResult{Instance: inst, Status: pipeline.StatusSucceeded, Outputs: map[string]string{}}
	log := slog.With(logfields.Stage(inst.Stage), logfields.Instance(inst.ID))

	defer func() {
		res.Duration = time.Since(start)
		r.recorder.ObserveInstanceDuration(inst.Stage, inst.Job, res.Duration)
		r.recorder.IncInstanceResult(inst.Stage, inst.Job, string(res.Status))
		log.Info("Instance finished", logfields.Status(string(res.Status)), logfields.DurationMS(float64(res.Duration.Milliseconds())))
	}()

	if ctx.Err() != nil {
		res.Status = pipeline.StatusCanceled
		return res
	}

	timeout := inst.Timeout
	if timeout == 0 {
		timeout = r.defaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	vars := instanceVariables(inst, env)
	condBase := condition.Env{
		Variables: vars,
		Ref:       env.Ref.String(),
		Branch:    env.Ref.Branch(),
		Tag:       env.Ref.Tag(),
	}

	failed := false
	for i, step := range inst.Steps {
		label := step.Label(i)
		canceled := ctx.Err() != nil

		if runCtx.Err() != nil {
			res.Steps = append(res.Steps, StepResult{Index: i, Label: label, Status: pipeline.StatusSkipped})
			r.recorder.IncStepResult(inst.Stage, string(pipeline.StatusSkipped))
			continue
		}

		run, err := r.shouldRun(step, condition.StepEnv(condBase, failed, canceled))
		if err != nil {
			sr := StepResult{Index: i, Label: label, Status: pipeline.StatusFailed, ContinueOnError: step.ContinueOnError, Err: err}
			res.Steps = append(res.Steps, sr)
			r.recorder.IncStepResult(inst.Stage, string(pipeline.StatusFailed))
			if !step.ContinueOnError && !failed {
				failed = true
				res.Err = r.failure(inst, label, err)
			}
			continue
		}
		if !run {
			log.Debug("Step skipped by condition", logfields.Step(label))
			res.Steps = append(res.Steps, StepResult{Index: i, Label: label, Status: pipeline.StatusSkipped})
			r.recorder.IncStepResult(inst.Stage, string(pipeline.StatusSkipped))
			continue
		}

		sr := r.runStep(runCtx, inst, i, step, vars, res.Outputs)
		res.Steps = append(res.Steps, sr)
		r.recorder.IncStepResult(inst.Stage, string(sr.Status))
		if sr.Status != pipeline.StatusFailed {
			continue
		}
		if step.ContinueOnError {
			log.Warn("Step failed, continuing", logfields.Step(label), logfields.Error(sr.Err))
			continue
		}
		if !failed {
			failed = true
			res.Err = r.failure(inst, label, sr.Err)
		}
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.Status = pipeline.StatusFailed
		if res.Err == nil {
			res.Err = r.failure(inst, "", fmt.Errorf("timed out after %s", timeout))
		}
	case failed:
		res.Status = pipeline.StatusFailed
	case ctx.Err() != nil:
		res.Status = pipeline.StatusCanceled
	}
	return res
}

func (r *Runner) shouldRun(step pipeline.Step, env condition.Env) (bool, error) {
	cond, err := r.evaluator.Compile(step.Condition)
	if err != nil {
		return false, err
	}
	return cond.Eval(env)
}

func (r *Runner) runStep(ctx context.Context, inst matrix.Instance, index int, step pipeline.Step, vars map[string]string, published map[string]string) StepResult {
	label := step.Label(index)
	start := time.Now()
	sr := StepResult{Index: index, Label: label, ContinueOnError: step.ContinueOnError}

	stepVars := mergeVars(vars, step.Env)
	policy := r.retry.WithMaxRetries(step.RetryCountOnTaskFailure)

	var outcome StepOutcome
	attempts, err := policy.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			r.recorder.IncStepRetry(inst.Stage)
			slog.Info("Retrying step", logfields.Stage(inst.Stage), logfields.Instance(inst.ID), logfields.Step(label), slog.Int("attempt", attempt))
		}
		var runErr error
		outcome, runErr = r.execute(ctx, inst, label, step, stepVars)
		return runErr
	})

	sr.Attempts = attempts
	sr.ExitCode = outcome.ExitCode
	sr.Output = outcome.Output
	sr.Duration = time.Since(start)

	if err == nil {
		for _, o := range parseOutputs(outcome.Output) {
			if _, exists := published[o.Name]; exists {
				err = fmt.Errorf("output %q already published by this instance", o.Name)
				break
			}
			published[o.Name] = o.Value
		}
	}
	if err != nil {
		sr.Status = pipeline.StatusFailed
		sr.Err = err
		slog.Warn("Step failed",
			logfields.Stage(inst.Stage),
			logfields.Instance(inst.ID),
			logfields.Step(label),
			slog.Int("exit_code", outcome.ExitCode),
			logfields.Error(err))
		return sr
	}
	sr.Status = pipeline.StatusSucceeded
	slog.Debug("Step succeeded", logfields.Stage(inst.Stage), logfields.Instance(inst.ID), logfields.Step(label),
		logfields.DurationMS(float64(sr.Duration.Milliseconds())))
	return sr
}

func (r *Runner) execute(ctx context.Context, inst matrix.Instance, label string, step pipeline.Step, vars map[string]string) (StepOutcome, error) {
	if step.Task != "" {
		fn, ok := r.tasks.Lookup(step.Task)
		if !ok {
			return StepOutcome{ExitCode: 1}, fmt.Errorf("unknown task %q", step.Task)
		}
		return fn(ctx, TaskRequest{
			Stage:    inst.Stage,
			Instance: inst.ID,
			Inputs:   expandInputs(step.Inputs, vars),
			Env:      vars,
			WorkDir:  r.workDir,
		})
	}
	return r.executor.Run(ctx, StepRequest{
		Stage:    inst.Stage,
		Instance: inst.ID,
		Step:     label,
		Pool:     inst.Pool,
		Script:   step.Script,
		Env:      vars,
		WorkDir:  r.workDir,
	})
}

// failure builds the instance error naming stage, instance, matrix assignment and step.
func (r *Runner) failure(inst matrix.Instance, step string, cause error) error {
	msg := fmt.Sprintf("%s failed", inst.Describe())
	if step != "" {
		msg = fmt.Sprintf("step %q of %s failed", step, inst.Describe())
	}
	stepErr := foundationerrors.StepFailure(msg).
		WithCause(cause).
		WithStage(inst.Stage).
		WithContext("instance", inst.ID).
		WithContext("step", step)
	if len(inst.Assignment) > 0 {
		stepErr = stepErr.WithContext("matrix", matrix.FormatAssignment(inst.Assignment))
	}
	return foundationerrors.WrapError(stepErr.Build(), foundationerrors.CategoryInstance, "job instance failed").
		WithStage(inst.Stage).
		WithContext("instance", inst.ID).
		Build()
}

func instanceVariables(inst matrix.Instance, env Env) map[string]string {
	vars := mergeVars(inst.Env, env.System)
	vars["DOCPIPE_STAGE"] = inst.Stage
	vars["DOCPIPE_JOB"] = inst.Job
	vars["DOCPIPE_INSTANCE"] = inst.ID
	vars["DOCPIPE_MATRIX_ENTRY"] = inst.Entry
	if inst.Pool != "" {
		vars["DOCPIPE_POOL"] = inst.Pool
	}
	return vars
}

func mergeVars(layers ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}
