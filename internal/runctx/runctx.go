// Package runctx holds the state of a single pipeline run.
package runctx

import (
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docpipe/internal/condition"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
)

// RunContext is created at run start and discarded at run end. It is owned by
// the scheduler's control loop and never shared across runs.
type RunContext struct {
	RunID         string
	Pipeline      string
	Ref           Ref
	CommitHash    string
	CommitMessage string
	Variables     map[string]string
	StartedAt     time.Time

	outputs *Outputs
	results map[string]pipeline.Status
}

// New creates a run context with a fresh run ID.
func New(pipelineName string, ref Ref, variables map[string]string) *RunContext {
	vars := make(map[string]string, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &RunContext{
		RunID:     uuid.NewString(),
		Pipeline:  pipelineName,
		Ref:       ref,
		Variables: vars,
		StartedAt: time.Now(),
		outputs:   NewOutputs(),
		results:   make(map[string]pipeline.Status),
	}
}

// Outputs returns the run's output map.
func (rc *RunContext) Outputs() *Outputs { return rc.outputs }

// SetResult records the terminal status of a stage.
func (rc *RunContext) SetResult(stage string, status pipeline.Status) {
	rc.results[stage] = status
}

// Result returns the recorded status of a stage, or pending.
func (rc *RunContext) Result(stage string) pipeline.Status {
	if s, ok := rc.results[stage]; ok {
		return s
	}
	return pipeline.StatusPending
}

// Results returns a copy of every recorded stage status.
func (rc *RunContext) Results() map[string]pipeline.Status {
	out := make(map[string]pipeline.Status, len(rc.results))
	for k, v := range rc.results {
		out[k] = v
	}
	return out
}

// ConditionEnv builds the evaluation environment for a stage condition. Only the
// given stages (the transitive dependency closure) are visible.
func (rc *RunContext) ConditionEnv(visible []string) condition.Env {
	deps := make(map[string]condition.Dependency, len(visible))
	for _, stage := range visible {
		deps[stage] = condition.Dependency{
			Result:  string(rc.Result(stage)),
			Outputs: rc.outputs.ForStage(stage),
		}
	}
	return condition.Env{
		Variables:    rc.Variables,
		Dependencies: deps,
		Ref:          rc.Ref.String(),
		Branch:       rc.Ref.Branch(),
		Tag:          rc.Ref.Tag(),
	}
}

// SystemVariables returns the DOCPIPE_* variables injected into every step.
func (rc *RunContext) SystemVariables() map[string]string {
	return map[string]string{
		"DOCPIPE_RUN_ID":   rc.RunID,
		"DOCPIPE_PIPELINE": rc.Pipeline,
		"DOCPIPE_REF":      rc.Ref.String(),
		"DOCPIPE_BRANCH":   rc.Ref.Branch(),
		"DOCPIPE_TAG":      rc.Ref.Tag(),
		"DOCPIPE_COMMIT":   rc.CommitHash,
	}
}
