package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"git.home.luguber.info/inful/docpipe/internal/condition"
	"git.home.luguber.info/inful/docpipe/internal/deploy"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/gate"
	"git.home.luguber.info/inful/docpipe/internal/logfields"
	"git.home.luguber.info/inful/docpipe/internal/metrics"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
)

// Orchestrator drives a whole run: global condition, commit gate, stage DAG and
// deploy routing.
type Orchestrator struct {
	scheduler *Scheduler
	evaluator condition.Evaluator
	gate      *gate.Gate
	history   gate.HistoryReader
	router    *deploy.Router
	recorder  metrics.Recorder
}

// OrchestratorConfig wires an Orchestrator. Gate and History may be nil when the
// pipeline has no gate; Router may be nil when it has no deploy block.
type OrchestratorConfig struct {
	Scheduler *Scheduler
	Evaluator condition.Evaluator
	Gate      *gate.Gate
	History   gate.HistoryReader
	Router    *deploy.Router
	Recorder  metrics.Recorder
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		scheduler: cfg.Scheduler,
		evaluator: cfg.Evaluator,
		gate:      cfg.Gate,
		history:   cfg.History,
		router:    cfg.Router,
		recorder:  metrics.OrNoop(cfg.Recorder),
	}
}

// Run executes p for rc. The plan must come from Plan. The returned error is
// non-nil only for failures that prevent the run from executing stages at all
// (the GateReadError); stage and deploy failures are reported in the result.
func (o *Orchestrator) Run(ctx context.Context, p *pipeline.Pipeline, plan *pipeline.Plan, rc *runctx.RunContext) (*RunResult, error) {
	res := &RunResult{
		RunID:     rc.RunID,
		Pipeline:  p.Name,
		Ref:       rc.Ref.String(),
		StartedAt: rc.StartedAt,
	}
	log := slog.With(logfields.RunID(rc.RunID), logfields.Pipeline(p.Name), logfields.Ref(rc.Ref.String()))
	log.Info("Run started")
	o.scheduler.observers.runStarted(ctx, rc)

	defer func() {
		res.Duration = time.Since(rc.StartedAt)
		res.Commit = rc.CommitHash
		res.Outputs = flattenOutputs(rc)
		o.recorder.ObserveRunDuration(res.Duration)
		o.recorder.IncRunOutcome(string(res.Status))
		log.Info("Run finished", logfields.Status(string(res.Status)), logfields.DurationMS(float64(res.Duration.Milliseconds())))
		o.scheduler.observers.runFinished(ctx, res)
	}()

	proceed, err := o.evaluateGlobal(p, rc)
	if err != nil {
		res.Status = pipeline.RunFailed
		res.Err = err
		return res, nil
	}
	if !proceed {
		o.cancelAll(ctx, p, plan, rc, res, "pipeline condition evaluated to false")
		return res, nil
	}

	if p.Gate != nil {
		stage, err := o.runGate(ctx, p, rc, res)
		if err != nil {
			res.Status = pipeline.RunFailed
			res.Err = err
			res.Stages = append(res.Stages, stage)
			return res, err
		}
		res.Stages = append(res.Stages, stage)
		if !res.Gate.Proceed {
			o.cancelAll(ctx, p, plan, rc, res, fmt.Sprintf("commit gate found %q", res.Gate.Marker))
			return res, nil
		}
	}

	res.Stages = append(res.Stages, o.scheduler.Run(ctx, p, plan, rc)...)

	if p.Deploy != nil && o.router != nil {
		d := o.runDeploy(ctx, rc)
		res.Deploy = &d
		o.scheduler.observers.deployFinished(ctx, rc, d)
	}

	if ctx.Err() != nil && !anyFailed(res) {
		res.Status = pipeline.RunCanceled
		res.Reason = "run canceled"
	}
	res.finalize()
	return res, nil
}

func (o *Orchestrator) evaluateGlobal(p *pipeline.Pipeline, rc *runctx.RunContext) (bool, error) {
	if p.Condition == "" {
		return true, nil
	}
	cond, err := o.evaluator.Compile(p.Condition)
	if err != nil {
		return false, foundationerrors.ConfigurationError("invalid pipeline condition").WithCause(err).Build()
	}
	env := condition.StageEnv(rc.ConditionEnv(nil), nil, false)
	ok, err := cond.Eval(env)
	if err != nil {
		return false, foundationerrors.ConfigurationError("pipeline condition could not be evaluated").WithCause(err).Build()
	}
	return ok, nil
}

// runGate evaluates the commit gate as the implicit root stage and publishes
// its proceed output.
func (o *Orchestrator) runGate(ctx context.Context, p *pipeline.Pipeline, rc *runctx.RunContext, res *RunResult) (StageResult, error) {
	stageName := p.GateStageName()
	start := time.Now()
	stage := StageResult{Name: stageName, StartedAt: start}

	g := o.gate
	if g == nil {
		skip := gate.DefaultSkip
		if p.Gate.Skip != nil {
			skip = *p.Gate.Skip
		}
		g = gate.New(p.Gate.Markers, skip)
	}
	if o.history == nil {
		err := foundationerrors.GateReadError("no commit history available").WithStage(stageName).Build()
		stage.Status, stage.Err = pipeline.StatusFailed, err
		rc.SetResult(stageName, pipeline.StatusFailed)
		o.scheduler.observers.stageFinished(ctx, rc, stage)
		return stage, err
	}

	decision, err := g.Evaluate(ctx, o.history)
	stage.Duration = time.Since(start)
	if err != nil {
		if c, ok := foundationerrors.AsClassified(err); ok {
			err = c.WithContext(foundationerrors.ContextStage, stageName)
		}
		slog.Error("Commit gate could not read history", logfields.Stage(stageName), logfields.Error(err))
		stage.Status, stage.Err = pipeline.StatusFailed, err
		rc.SetResult(stageName, pipeline.StatusFailed)
		o.scheduler.observers.stageFinished(ctx, rc, stage)
		return stage, err
	}

	if rc.CommitMessage == "" {
		rc.CommitMessage = decision.Commit.Message
	}
	key := runctx.OutputKey{Stage: stageName, Instance: p.Gate.Job, Name: pipeline.GateOutputProceed}
	if err := rc.Outputs().Set(key, strconv.FormatBool(decision.Proceed)); err != nil {
		return stage, foundationerrors.InternalError("gate output already published").WithCause(err).Build()
	}
	res.Gate = &decision
	o.recorder.IncGateDecision(decision.Proceed)
	slog.Info("Commit gate evaluated",
		logfields.Stage(stageName),
		logfields.Commit(decision.Commit.Hash),
		slog.Bool("proceed", decision.Proceed),
		slog.String("marker", decision.Marker))

	stage.Status = pipeline.StatusSucceeded
	rc.SetResult(stageName, pipeline.StatusSucceeded)
	o.scheduler.observers.gateEvaluated(ctx, rc, decision)
	o.scheduler.observers.stageFinished(ctx, rc, stage)
	return stage, nil
}

// cancelAll marks every definition stage and the deploy stage skipped and the run canceled.
func (o *Orchestrator) cancelAll(ctx context.Context, p *pipeline.Pipeline, plan *pipeline.Plan, rc *runctx.RunContext, res *RunResult, reason string) {
	slog.Info("Run will not proceed", logfields.RunID(rc.RunID), slog.String("reason", reason))
	for _, name := range plan.Order {
		s := StageResult{Name: name, Status: pipeline.StatusSkipped, Reason: reason}
		rc.SetResult(name, pipeline.StatusSkipped)
		res.Stages = append(res.Stages, s)
		o.scheduler.observers.stageFinished(ctx, rc, s)
	}
	if p.Deploy != nil {
		res.Deploy = &DeployResult{Stage: p.DeployStageName(), Status: pipeline.StatusSkipped, Reason: reason}
	}
	res.Status = pipeline.RunCanceled
	res.Reason = reason
}

func (o *Orchestrator) runDeploy(ctx context.Context, rc *runctx.RunContext) DeployResult {
	d := DeployResult{Stage: o.router.Stage()}
	if ctx.Err() != nil {
		d.Status, d.Reason = pipeline.StatusCanceled, "run canceled"
		return d
	}
	sel := o.router.Route(rc.Ref, rc.Results())
	d.Reason = sel.Reason
	if sel.Target == nil {
		d.Status = pipeline.StatusSkipped
		slog.Info("No deploy target selected", logfields.Stage(d.Stage), slog.String("reason", sel.Reason))
		return d
	}
	d.Target = sel.Target.Name
	start := time.Now()
	err := o.router.Deploy(ctx, sel.Target, rc)
	d.Duration = time.Since(start)
	if err != nil {
		slog.Error("Deploy failed", logfields.Stage(d.Stage), logfields.Target(d.Target), logfields.Error(err))
		d.Status, d.Err = pipeline.StatusFailed, err
	} else {
		d.Status = pipeline.StatusSucceeded
	}
	rc.SetResult(d.Stage, d.Status)
	return d
}

func anyFailed(res *RunResult) bool {
	for _, s := range res.Stages {
		if s.Status == pipeline.StatusFailed {
			return true
		}
	}
	return res.Deploy != nil && res.Deploy.Status == pipeline.StatusFailed
}

func flattenOutputs(rc *runctx.RunContext) map[string]string {
	out := make(map[string]string, rc.Outputs().Len())
	for _, k := range rc.Outputs().Keys() {
		v, _ := rc.Outputs().Get(k)
		out[k.String()] = v
	}
	return out
}
