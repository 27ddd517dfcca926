package pipeline

import (
	"errors"
	"fmt"
	"strings"

	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
)

// TagRuleSemver is the only supported tag rule shape.
const TagRuleSemver = "semver"

// ConditionChecker compiles a condition expression without evaluating it.
type ConditionChecker interface {
	Check(expression string) error
}

// Validate checks the definition for configuration errors: duplicate or unknown
// names, dependency cycles, empty matrices, malformed steps and unparseable
// conditions. A nil checker skips condition compilation.
func Validate(p *Pipeline, checker ConditionChecker) error {
	var errs []error
	add := func(stage, format string, args ...any) {
		b := foundationerrors.ConfigurationError(fmt.Sprintf(format, args...))
		if stage != "" {
			b = b.WithStage(stage)
		}
		errs = append(errs, b.Build())
	}
	checkCondition := func(stage, where, expression string) {
		if checker == nil || strings.TrimSpace(expression) == "" {
			return
		}
		if err := checker.Check(expression); err != nil {
			add(stage, "%s: invalid condition %q: %v", where, expression, err)
		}
	}

	if len(p.Stages) == 0 {
		add("", "pipeline %q declares no stages", p.Name)
	}
	checkCondition("", "pipeline", p.Condition)

	reserved := map[string]string{}
	if g := p.GateStageName(); g != "" {
		reserved[g] = "gate"
	}
	if d := p.DeployStageName(); d != "" {
		reserved[d] = "deploy"
	}
	if p.Gate != nil {
		if p.Gate.Skip != nil && *p.Gate.Skip < 0 {
			add(p.Gate.Stage, "gate skip must be >= 0")
		}
		for _, m := range p.Gate.Markers {
			if m == "" {
				add(p.Gate.Stage, "gate markers must not be empty")
			}
		}
	}

	seen := map[string]bool{}
	for i := range p.Stages {
		s := &p.Stages[i]
		if s.Name == "" {
			add("", "stage %d has no name", i+1)
			continue
		}
		if seen[s.Name] {
			add(s.Name, "duplicate stage %q", s.Name)
		}
		seen[s.Name] = true
		if kind, ok := reserved[s.Name]; ok {
			add(s.Name, "stage %q collides with the %s stage", s.Name, kind)
		}
		for _, dep := range s.DependsOn {
			switch {
			case dep == s.Name:
				add(s.Name, "stage %q depends on itself", s.Name)
			case dep == p.DeployStageName():
				add(s.Name, "stage %q cannot depend on the deploy stage", s.Name)
			case !p.HasStage(dep):
				add(s.Name, "stage %q depends on unknown stage %q", s.Name, dep)
			}
		}
		checkCondition(s.Name, "stage "+s.Name, s.Condition)
		if len(s.Jobs) == 0 {
			add(s.Name, "stage %q declares no jobs", s.Name)
		}
		validateJobs(s, add, checkCondition)
	}

	if p.Deploy != nil {
		validateDeploy(p, add)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if _, err := BuildPlan(p); err != nil {
		return err
	}
	return nil
}

func validateJobs(s *Stage, add func(string, string, ...any), checkCondition func(string, string, string)) {
	jobs := map[string]bool{}
	for j := range s.Jobs {
		job := &s.Jobs[j]
		if job.Name == "" {
			add(s.Name, "job %d in stage %q has no name", j+1, s.Name)
			continue
		}
		if strings.Contains(job.Name, ".") {
			add(s.Name, "job name %q must not contain '.'", job.Name)
		}
		if jobs[job.Name] {
			add(s.Name, "duplicate job %q in stage %q", job.Name, s.Name)
		}
		jobs[job.Name] = true
		if job.Matrix != nil {
			if job.Matrix.Len() == 0 {
				add(s.Name, "job %q declares a matrix with zero entries", job.Name)
			}
			entries := map[string]bool{}
			for _, e := range job.Matrix.Entries {
				switch {
				case e.Name == "":
					add(s.Name, "job %q has a matrix entry without a name", job.Name)
				case strings.Contains(e.Name, "."):
					add(s.Name, "job %q matrix entry %q must not contain '.'", job.Name, e.Name)
				case entries[e.Name]:
					add(s.Name, "job %q declares matrix entry %q more than once", job.Name, e.Name)
				}
				entries[e.Name] = true
			}
		}
		if job.TimeoutInMinutes < 0 {
			add(s.Name, "job %q timeoutInMinutes must be >= 0", job.Name)
		}
		if len(job.Steps) == 0 {
			add(s.Name, "job %q declares no steps", job.Name)
		}
		for k, step := range job.Steps {
			where := fmt.Sprintf("job %q step %q", job.Name, step.Label(k))
			hasScript := strings.TrimSpace(step.Script) != ""
			hasTask := strings.TrimSpace(step.Task) != ""
			if hasScript == hasTask {
				add(s.Name, "%s must declare exactly one of script or task", where)
			}
			if step.RetryCountOnTaskFailure < 0 {
				add(s.Name, "%s retryCountOnTaskFailure must be >= 0", where)
			}
			checkCondition(s.Name, where, step.Condition)
		}
	}
}

func validateDeploy(p *Pipeline, add func(string, string, ...any)) {
	stage := p.Deploy.Stage
	names := map[string]bool{}
	branches := map[string]string{}
	semverTargets := 0
	for i, t := range p.Deploy.Targets {
		if t.Name == "" {
			add(stage, "deploy target %d has no name", i+1)
			continue
		}
		if names[t.Name] {
			add(stage, "duplicate deploy target %q", t.Name)
		}
		names[t.Name] = true
		switch {
		case t.Branch != "" && t.Tags != "":
			add(stage, "deploy target %q must declare either branch or tags, not both", t.Name)
		case t.Branch == "" && t.Tags == "":
			add(stage, "deploy target %q must declare a branch or tags rule", t.Name)
		case t.Tags != "" && t.Tags != TagRuleSemver:
			add(stage, "deploy target %q has unsupported tags rule %q (only %q)", t.Name, t.Tags, TagRuleSemver)
		case t.Tags != "":
			semverTargets++
		default:
			if other, dup := branches[t.Branch]; dup {
				add(stage, "deploy targets %q and %q both match branch %q", other, t.Name, t.Branch)
			}
			branches[t.Branch] = t.Name
		}
		if t.Requires == "" {
			add(stage, "deploy target %q must name a prerequisite stage", t.Name)
		} else if _, ok := p.Stage(t.Requires); !ok {
			add(stage, "deploy target %q requires unknown stage %q", t.Name, t.Requires)
		}
	}
	if semverTargets > 1 {
		add(stage, "at most one deploy target may use the %q tags rule", TagRuleSemver)
	}
}
