package pipeline

import (
	"fmt"
	"sort"
	"strings"

	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
)

// Plan is the validated stage graph of a pipeline.
type Plan struct {
	// Root is the gate stage every stage without explicit dependencies hangs off.
	// Empty when no gate is configured.
	Root string
	// Order lists definition stages in a topological order; ties are broken by name.
	Order []string

	deps       map[string][]string
	dependents map[string][]string
}

// BuildPlan computes the effective dependency graph and a deterministic
// topological order using Kahn's algorithm. Unknown dependencies and cycles are
// configuration errors.
func BuildPlan(p *Pipeline) (*Plan, error) {
	plan := &Plan{
		Root:       p.GateStageName(),
		deps:       make(map[string][]string, len(p.Stages)),
		dependents: make(map[string][]string, len(p.Stages)),
	}

	inDegree := make(map[string]int, len(p.Stages))
	for i := range p.Stages {
		inDegree[p.Stages[i].Name] = 0
	}
	for i := range p.Stages {
		s := &p.Stages[i]
		deps := uniqueSorted(s.DependsOn)
		if len(deps) == 0 && plan.Root != "" {
			deps = []string{plan.Root}
		}
		plan.deps[s.Name] = deps
		for _, dep := range deps {
			if dep == plan.Root {
				plan.dependents[dep] = append(plan.dependents[dep], s.Name)
				continue
			}
			if _, ok := inDegree[dep]; !ok {
				return nil, foundationerrors.ConfigurationError(fmt.Sprintf("stage %q depends on unknown stage %q", s.Name, dep)).
					WithStage(s.Name).
					Build()
			}
			inDegree[s.Name]++
			plan.dependents[dep] = append(plan.dependents[dep], s.Name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		plan.Order = append(plan.Order, current)

		var ready []string
		for _, dependent := range plan.dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		queue = append(queue, ready...)
		sort.Strings(queue)
	}

	if len(plan.Order) != len(inDegree) {
		var cyclic []string
		for name, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, foundationerrors.ConfigurationError("dependency cycle between stages: " + strings.Join(cyclic, ", ")).
			WithContext("stages", cyclic).
			WithStage(cyclic[0]).
			Build()
	}
	for k := range plan.dependents {
		sort.Strings(plan.dependents[k])
	}
	return plan, nil
}

// Dependencies returns the effective direct dependencies of a stage, including
// the implicit gate root.
func (p *Plan) Dependencies(stage string) []string {
	return append([]string(nil), p.deps[stage]...)
}

// Dependents returns the stages that directly depend on stage.
func (p *Plan) Dependents(stage string) []string {
	return append([]string(nil), p.dependents[stage]...)
}

// Ancestors returns the transitive dependency closure of stage, sorted.
func (p *Plan) Ancestors(stage string) []string {
	return p.walk(stage, p.deps)
}

// Descendants returns every stage that transitively depends on stage, sorted.
func (p *Plan) Descendants(stage string) []string {
	return p.walk(stage, p.dependents)
}

func (p *Plan) walk(start string, edges map[string][]string) []string {
	seen := map[string]bool{}
	stack := append([]string(nil), edges[start]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, edges[n]...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
