// Package scheduler runs a pipeline's stage graph: the commit gate as the
// implicit root stage, then every stage in dependency order with independent
// stages concurrently, and finally the deploy stage.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/docpipe/internal/condition"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/logfields"
	"git.home.luguber.info/inful/docpipe/internal/matrix"
	"git.home.luguber.info/inful/docpipe/internal/metrics"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
	"git.home.luguber.info/inful/docpipe/internal/runner"
)

// DefaultMaxParallel bounds concurrently running instances within a stage.
const DefaultMaxParallel = 4

// InstanceRunner executes one job instance. *runner.Runner implements it.
type InstanceRunner interface {
	Run(ctx context.Context, inst matrix.Instance, env runner.Env) runner.InstanceResult
}

// Scheduler runs the stage DAG of one pipeline run.
type Scheduler struct {
	runner      InstanceRunner
	evaluator   condition.Evaluator
	recorder    metrics.Recorder
	maxParallel int
	observers   observers
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxParallel bounds concurrently running instances per stage. Values below
// one select DefaultMaxParallel.
func WithMaxParallel(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxParallel = n
		}
	}
}

func WithRecorder(rec metrics.Recorder) Option {
	return func(s *Scheduler) { s.recorder = metrics.OrNoop(rec) }
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// New creates a scheduler.
func New(r InstanceRunner, evaluator condition.Evaluator, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:      r,
		evaluator:   evaluator,
		recorder:    metrics.NoopRecorder{},
		maxParallel: DefaultMaxParallel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// stageReport carries a finished stage back to the control loop.
type stageReport struct {
	result StageResult
}

// Run executes every definition stage of p. The gate stage, when configured,
// must already have a terminal result in rc. Run is the only writer of rc while
// it executes: stage goroutines hand their results back over a channel and the
// control loop commits outputs and statuses.
func (s *Scheduler) Run(ctx context.Context, p *pipeline.Pipeline, plan *pipeline.Plan, rc *runctx.RunContext) []StageResult {
	pending := make(map[string]bool, len(plan.Order))
	for _, name := range plan.Order {
		pending[name] = true
	}
	launched := make(map[string]bool, len(plan.Order))
	results := make(map[string]StageResult, len(plan.Order))
	reports := make(chan stageReport)
	running := 0

	finish := func(res StageResult) {
		delete(pending, res.Name)
		results[res.Name] = res
		rc.SetResult(res.Name, res.Status)
		s.recorder.IncStageResult(res.Name, string(res.Status))
		if res.Status != pipeline.StatusSkipped && res.Status != pipeline.StatusCanceled {
			s.recorder.ObserveStageDuration(res.Name, res.Duration)
		}
		slog.Info("Stage finished",
			logfields.RunID(rc.RunID),
			logfields.Stage(res.Name),
			logfields.Status(string(res.Status)),
			logfields.DurationMS(float64(res.Duration.Milliseconds())))
		s.observers.stageFinished(ctx, rc, res)
	}

	skipWithDescendants := func(name, reason string) {
		finish(StageResult{Name: name, Status: pipeline.StatusSkipped, Reason: reason})
		for _, d := range plan.Descendants(name) {
			if pending[d] {
				finish(StageResult{Name: d, Status: pipeline.StatusSkipped, Reason: fmt.Sprintf("upstream stage %q was skipped", name)})
			}
		}
	}

	for len(pending) > 0 {
		for _, name := range plan.Order {
			if !pending[name] || launched[name] || !s.ready(plan, rc, name) {
				continue
			}
			if ctx.Err() != nil {
				finish(StageResult{Name: name, Status: pipeline.StatusCanceled, Reason: "run canceled"})
				continue
			}
			stage, _ := p.Stage(name)
			run, err := s.evaluateStage(stage, plan, rc)
			if err != nil {
				finish(StageResult{Name: name, Status: pipeline.StatusFailed, Err: err})
				continue
			}
			if !run {
				skipWithDescendants(name, "condition evaluated to false")
				continue
			}

			launched[name] = true
			running++
			env := runner.Env{Ref: rc.Ref, System: rc.SystemVariables()}
			go func() {
				reports <- stageReport{result: s.runStage(ctx, p, stage, env)}
			}()
		}

		if running == 0 {
			if len(pending) > 0 {
				// Unreachable for a validated plan; keep the loop from spinning.
				for name := range pending {
					finish(StageResult{Name: name, Status: pipeline.StatusCanceled, Reason: "dependencies never completed"})
				}
			}
			break
		}

		rep := <-reports
		running--
		res := rep.result
		if err := s.commitOutputs(rc, &res); err != nil {
			res.Status = pipeline.StatusFailed
			res.Err = err
		}
		finish(res)
	}

	out := make([]StageResult, 0, len(plan.Order))
	for _, name := range plan.Order {
		out = append(out, results[name])
	}
	return out
}

func (s *Scheduler) ready(plan *pipeline.Plan, rc *runctx.RunContext, name string) bool {
	for _, dep := range plan.Dependencies(name) {
		if !rc.Result(dep).Terminal() {
			return false
		}
	}
	return true
}

// evaluateStage evaluates a stage condition against its transitive dependency
// closure only.
func (s *Scheduler) evaluateStage(stage *pipeline.Stage, plan *pipeline.Plan, rc *runctx.RunContext) (bool, error) {
	cond, err := s.evaluator.Compile(stage.Condition)
	if err != nil {
		return false, foundationerrors.ConfigurationError("invalid stage condition").
			WithCause(err).
			WithStage(stage.Name).
			Build()
	}
	env := condition.StageEnv(rc.ConditionEnv(plan.Ancestors(stage.Name)), plan.Dependencies(stage.Name), false)
	ok, err := cond.Eval(env)
	if err != nil {
		return false, foundationerrors.StageFailure("stage condition could not be evaluated").
			WithCause(err).
			WithStage(stage.Name).
			Build()
	}
	return ok, nil
}

func (s *Scheduler) commitOutputs(rc *runctx.RunContext, res *StageResult) error {
	for _, inst := range res.Instances {
		for name, value := range inst.Outputs {
			key := runctx.OutputKey{Stage: res.Name, Instance: inst.Instance.ID, Name: name}
			if err := rc.Outputs().Set(key, value); err != nil {
				return foundationerrors.StageFailure("duplicate stage output").
					WithCause(err).
					WithStage(res.Name).
					WithContext("instance", inst.Instance.ID).
					Build()
			}
		}
	}
	return nil
}

// runStage expands and runs every job instance of a stage through a bounded
// worker pool. With failFast, instances that have not started when a sibling
// fails are canceled; running instances finish normally.
func (s *Scheduler) runStage(ctx context.Context, p *pipeline.Pipeline, stage *pipeline.Stage, env runner.Env) StageResult {
	start := time.Now()
	res := StageResult{Name: stage.Name, StartedAt: start}
	slog.Info("Stage started", logfields.Stage(stage.Name))

	instances, err := matrix.ExpandStage(p, stage)
	if err != nil {
		res.Status = pipeline.StatusFailed
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}

	res.Instances = make([]runner.InstanceResult, len(instances))
	var failed atomic.Bool
	g := new(errgroup.Group)
	g.SetLimit(s.maxParallel)
	for i, inst := range instances {
		g.Go(func() error {
			if stage.FailFast && failed.Load() {
				slog.Debug("Instance canceled by failFast", logfields.Stage(stage.Name), logfields.Instance(inst.ID))
				res.Instances[i] = runner.InstanceResult{Instance: inst, Status: pipeline.StatusCanceled}
				return nil
			}
			ir := s.runner.Run(ctx, inst, env)
			if ir.Status == pipeline.StatusFailed {
				failed.Store(true)
			}
			res.Instances[i] = ir
			return nil
		})
	}
	_ = g.Wait()

	res.Status, res.Err = aggregate(stage.Name, res.Instances)
	if res.Status == pipeline.StatusCanceled {
		res.Reason = "run canceled"
	}
	res.Duration = time.Since(start)
	return res
}

// aggregate derives the stage status: succeeded iff every instance succeeded
// or was skipped.
func aggregate(stage string, instances []runner.InstanceResult) (pipeline.Status, error) {
	failed, canceled := 0, 0
	var first error
	for _, ir := range instances {
		switch ir.Status {
		case pipeline.StatusSucceeded, pipeline.StatusSkipped:
		case pipeline.StatusCanceled:
			canceled++
		default:
			failed++
			if first == nil {
				first = ir.Err
			}
		}
	}
	switch {
	case failed > 0:
		b := foundationerrors.StageFailure(fmt.Sprintf("%d of %d job instances failed", failed, len(instances))).
			WithStage(stage)
		if first != nil {
			b = b.WithCause(first)
		}
		return pipeline.StatusFailed, b.Build()
	case canceled > 0:
		return pipeline.StatusCanceled, nil
	default:
		return pipeline.StatusSucceeded, nil
	}
}
