package scheduler

import (
	"git.home.luguber.info/inful/docpipe/internal/condition"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/runner"
)

// Plan validates p and returns its stage plan. Unknown stages, cycles, empty
// matrices, malformed steps, unknown tasks and unparseable conditions are all
// reported as ConfigurationErrors before anything executes. tasks may be nil.
func Plan(p *pipeline.Pipeline, evaluator condition.Evaluator, tasks *runner.TaskRegistry) (*pipeline.Plan, error) {
	if err := pipeline.Validate(p, evaluator); err != nil {
		return nil, err
	}
	if tasks != nil {
		if err := tasks.Validate(p); err != nil {
			return nil, err
		}
	}
	return pipeline.BuildPlan(p)
}
