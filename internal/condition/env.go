package condition

import "git.home.luguber.info/inful/docpipe/internal/pipeline"

// Dependency is what a condition may see of an upstream stage.
type Dependency struct {
	Result  string            `expr:"result"`
	Outputs map[string]string `expr:"outputs"`
}

// Env is the evaluation environment exposed to condition expressions.
type Env struct {
	Variables    map[string]string     `expr:"variables"`
	Dependencies map[string]Dependency `expr:"dependencies"`
	Ref          string                `expr:"ref"`
	Branch       string                `expr:"branch"`
	Tag          string                `expr:"tag"`

	Succeeded         func(...string) bool `expr:"succeeded"`
	Failed            func(...string) bool `expr:"failed"`
	SucceededOrFailed func(...string) bool `expr:"succeededOrFailed"`
	Always            func() bool          `expr:"always"`
	Canceled          func() bool          `expr:"canceled"`
}

// StageEnv binds the status functions to a stage's direct dependencies.
// deps must contain the results of every stage in the transitive dependency
// closure; direct names the subset consulted when a function is called
// without arguments.
func StageEnv(base Env, direct []string, canceled bool) Env {
	env := base
	if env.Dependencies == nil {
		env.Dependencies = map[string]Dependency{}
	}
	deps := env.Dependencies
	targets := func(names []string) []string {
		if len(names) == 0 {
			return direct
		}
		return names
	}
	all := func(names []string, ok func(string) bool) bool {
		for _, n := range targets(names) {
			d, found := deps[n]
			if !found || !ok(d.Result) {
				return false
			}
		}
		return true
	}
	env.Succeeded = func(names ...string) bool {
		return !canceled && all(names, func(r string) bool { return r == string(pipeline.StatusSucceeded) })
	}
	env.Failed = func(names ...string) bool {
		if canceled {
			return false
		}
		for _, n := range targets(names) {
			if deps[n].Result == string(pipeline.StatusFailed) {
				return true
			}
		}
		return false
	}
	env.SucceededOrFailed = func(names ...string) bool {
		return !canceled && all(names, func(r string) bool {
			return r == string(pipeline.StatusSucceeded) || r == string(pipeline.StatusFailed)
		})
	}
	env.Always = func() bool { return true }
	env.Canceled = func() bool { return canceled }
	return env
}

// StepEnv binds the status functions to the state of the enclosing job instance.
// failed reports whether an earlier step failed without continueOnError.
func StepEnv(base Env, failed, canceled bool) Env {
	env := base
	env.Succeeded = func(...string) bool { return !failed && !canceled }
	env.Failed = func(...string) bool { return failed && !canceled }
	env.SucceededOrFailed = func(...string) bool { return !canceled }
	env.Always = func() bool { return true }
	env.Canceled = func() bool { return canceled }
	return env
}
