package runner

import (
	"time"

	"git.home.luguber.info/inful/docpipe/internal/matrix"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
)

// StepResult records the outcome of one step.
type StepResult struct {
	Index           int
	Label           string
	Status          pipeline.Status
	ContinueOnError bool
	ExitCode        int
	Attempts        int
	Duration        time.Duration
	Output          string
	Err             error
}

// InstanceResult is the terminal result of one job instance.
type InstanceResult struct {
	Instance matrix.Instance
	Status   pipeline.Status
	Steps    []StepResult
	Outputs  map[string]string // Output name -> value, published by this instance only
	Duration time.Duration
	TimedOut bool
	Err      error // InstanceFailure describing the first failing step
}

// FailedSteps returns the steps that failed, including continueOnError failures.
func (r InstanceResult) FailedSteps() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Status == pipeline.StatusFailed {
			out = append(out, s)
		}
	}
	return out
}
