package build

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/docpipe/internal/condition"
	"git.home.luguber.info/inful/docpipe/internal/config"
	"git.home.luguber.info/inful/docpipe/internal/deploy"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/gate"
	"git.home.luguber.info/inful/docpipe/internal/git"
	"git.home.luguber.info/inful/docpipe/internal/logfields"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/retry"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
	"git.home.luguber.info/inful/docpipe/internal/runner"
	"git.home.luguber.info/inful/docpipe/internal/scheduler"
	"git.home.luguber.info/inful/docpipe/internal/workspace"
)

// Observer receives run lifecycle callbacks.
type Observer = scheduler.Observer

// DefaultService is the standard implementation of Service.
type DefaultService struct {
	cfg       *config.Config
	res       *Resources
	evaluator condition.Evaluator
	retry     retry.Policy
	observers []Observer
}

// Option customizes a DefaultService.
type Option func(*DefaultService)

// WithObserver adds an observer notified for every run, in addition to the
// history recorder of the resources.
func WithObserver(o Observer) Option {
	return func(s *DefaultService) { s.observers = append(s.observers, o) }
}

// WithRetryPolicy overrides the execution-wide retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *DefaultService) { s.retry = p }
}

// NewService creates a DefaultService over res.
func NewService(cfg *config.Config, res *Resources, opts ...Option) *DefaultService {
	s := &DefaultService{
		cfg:       cfg,
		res:       res,
		evaluator: condition.NewEvaluator(),
		retry:     retry.FromConfig(cfg.Execution),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluator returns the condition evaluator used for planning and runs.
func (s *DefaultService) Evaluator() condition.Evaluator { return s.evaluator }

// Tasks returns a task registry bound to the configured artifact store.
func (s *DefaultService) Tasks() *runner.TaskRegistry {
	return runner.NewDefaultTaskRegistry(s.res.Store)
}

// Plan validates p and returns its execution plan.
func (s *DefaultService) Plan(p *pipeline.Pipeline) (*pipeline.Plan, error) {
	return scheduler.Plan(p, s.evaluator, s.Tasks())
}

// Gate returns the commit gate for p. Pipeline-level gate settings override the configuration.
func (s *DefaultService) Gate(p *pipeline.Pipeline) *gate.Gate {
	markers := s.cfg.Gate.Markers
	skip := s.cfg.Gate.SkipCount()
	if p != nil && p.Gate != nil {
		if len(p.Gate.Markers) > 0 {
			markers = p.Gate.Markers
		}
		if p.Gate.Skip != nil {
			skip = *p.Gate.Skip
		}
	}
	return gate.New(markers, skip)
}

// History returns the history reader for req.
func (s *DefaultService) History(req Request) gate.HistoryReader {
	switch {
	case req.History != nil:
		return req.History
	case req.Message != "":
		return gate.MessageOverride(req.Message)
	case s.cfg.Gate.Disabled:
		return gate.MessageOverride("")
	default:
		return gate.GitHistory{Path: s.cfg.Gate.RepoPath}
	}
}

// ResolveRef returns ref, or the ref HEAD of the gate repository points at when ref is zero.
func (s *DefaultService) ResolveRef(ref runctx.Ref) (runctx.Ref, error) {
	if !ref.IsZero() {
		return ref, nil
	}
	raw, err := git.CurrentRef(s.cfg.Gate.RepoPath)
	if err != nil {
		return runctx.Ref{}, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "cannot determine the triggering ref").
			WithContext("repo", s.cfg.Gate.RepoPath).
			UserAction().
			Build()
	}
	if !runctx.IsQualified(raw) {
		return runctx.Ref{}, foundationerrors.ConfigurationError("HEAD is detached and no tag points at it; pass --branch or --tag").
			WithContext("repo", s.cfg.Gate.RepoPath).
			WithContext("head", raw).
			UserAction().
			Build()
	}
	return runctx.ParseRef(raw), nil
}

// Router returns the deploy router for p.
func (s *DefaultService) Router(p *pipeline.Pipeline) *deploy.Router {
	return deploy.NewRouter(p.Deploy, s.res.Store, s.res.Actions, s.res.Recorder)
}

// Run executes the complete pipeline.
func (s *DefaultService) Run(ctx context.Context, req Request) (*scheduler.RunResult, error) {
	if req.Pipeline == nil {
		return nil, foundationerrors.ConfigurationError("pipeline definition required").Build()
	}
	p := req.Pipeline
	if len(req.Variables) > 0 {
		cp := *p
		cp.Variables = mergeVariables(p.Variables, req.Variables)
		p = &cp
	}

	ref, err := s.ResolveRef(req.Ref)
	if err != nil {
		return nil, err
	}

	tasks := s.Tasks()
	plan, err := scheduler.Plan(p, s.evaluator, tasks)
	if err != nil {
		return nil, err
	}

	if wd := s.cfg.Execution.WorkDir; wd != "" {
		if err := workspace.NewPersistentManager(wd).Create(""); err != nil {
			return nil, foundationerrors.FileSystemError("cannot prepare the work directory").
				WithCause(err).
				WithContext("path", wd).
				Build()
		}
	}

	r := runner.New(s.res.Executor, tasks, s.evaluator,
		runner.WithRetryPolicy(s.retry),
		runner.WithRecorder(s.res.Recorder),
		runner.WithWorkDir(s.cfg.Execution.WorkDir),
		runner.WithDefaultTimeout(s.cfg.Execution.DefaultTimeoutDuration()),
	)

	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerCLI
	}
	schedOpts := []scheduler.Option{
		scheduler.WithMaxParallel(s.cfg.Execution.MaxParallel),
		scheduler.WithRecorder(s.res.Recorder),
	}
	for _, o := range s.res.Observers(trigger) {
		schedOpts = append(schedOpts, scheduler.WithObserver(o))
	}
	for _, o := range s.observers {
		schedOpts = append(schedOpts, scheduler.WithObserver(o))
	}

	orch := scheduler.NewOrchestrator(scheduler.OrchestratorConfig{
		Scheduler: scheduler.New(r, s.evaluator, schedOpts...),
		Evaluator: s.evaluator,
		Gate:      s.Gate(p),
		History:   s.History(req),
		Router:    s.Router(p),
		Recorder:  s.res.Recorder,
	})

	rc := runctx.New(p.Name, ref, p.Variables)
	if req.RunID != "" {
		rc.RunID = req.RunID
	}
	slog.Info("Starting pipeline run",
		logfields.RunID(rc.RunID),
		logfields.Ref(ref.String()),
		slog.String("trigger", trigger))
	return orch.Run(ctx, p, plan, rc)
}

func mergeVariables(base, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
