package scheduler

import (
	"errors"
	"time"

	"git.home.luguber.info/inful/docpipe/internal/gate"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/runner"
)

// StageResult is the terminal result of one stage.
type StageResult struct {
	Name      string
	Status    pipeline.Status
	Reason    string // Why a stage was skipped or canceled
	Instances []runner.InstanceResult
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Failed reports whether the stage failed.
func (s StageResult) Failed() bool { return s.Status == pipeline.StatusFailed }

// DeployResult describes the deploy stage of a run.
type DeployResult struct {
	Stage    string
	Target   string // Empty when no target was selected
	Reason   string
	Status   pipeline.Status
	Duration time.Duration
	Err      error
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	RunID     string
	Pipeline  string
	Ref       string
	Commit    string
	Status    pipeline.RunStatus
	Reason    string
	Gate      *gate.Decision
	Stages    []StageResult // Gate stage first, then topological order
	Deploy    *DeployResult
	Outputs   map[string]string // "stage.instance.name" -> value
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Stage returns the result of the named stage.
func (r *RunResult) Stage(name string) (*StageResult, bool) {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i], true
		}
	}
	return nil, false
}

// Failures returns every failing instance error and the deploy error, if any.
func (r *RunResult) Failures() []error {
	var errs []error
	for _, s := range r.Stages {
		if s.Status != pipeline.StatusFailed {
			continue
		}
		found := false
		for _, inst := range s.Instances {
			if inst.Err != nil {
				errs = append(errs, inst.Err)
				found = true
			}
		}
		if !found && s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	if r.Deploy != nil && r.Deploy.Err != nil {
		errs = append(errs, r.Deploy.Err)
	}
	return errs
}

// finalize derives the run status: failed if any non-skipped stage (deploy
// included) failed, succeeded otherwise. Canceled runs are decided by the caller.
func (r *RunResult) finalize() {
	if r.Status == pipeline.RunCanceled || r.Status == pipeline.RunFailed {
		return
	}
	r.Status = pipeline.RunSucceeded
	for _, s := range r.Stages {
		if s.Status == pipeline.StatusFailed {
			r.Status = pipeline.RunFailed
		}
	}
	if r.Deploy != nil && r.Deploy.Status == pipeline.StatusFailed {
		r.Status = pipeline.RunFailed
	}
	if r.Status == pipeline.RunFailed && r.Err == nil {
		r.Err = errors.Join(r.Failures()...)
	}
}
