package commands

import (
	"fmt"

	"git.home.luguber.info/inful/docpipe/internal/build"
	"git.home.luguber.info/inful/docpipe/internal/config"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
)

// ValidateCmd implements the 'validate' command.
type ValidateCmd struct{}

func (v *ValidateCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(g, root)
	if err != nil {
		return err
	}
	p, err := loadPipeline(cfg)
	if err != nil {
		return err
	}
	svc := build.NewService(cfg, &build.Resources{})
	plan, err := svc.Plan(p)
	if err != nil {
		return err
	}
	if err := checkDeployActions(cfg, p); err != nil {
		return err
	}

	out := g.stdout()
	fmt.Fprintf(out, "Pipeline %q is valid: %d stages", p.Name, len(plan.Order))
	if p.Gate != nil {
		fmt.Fprintf(out, ", gated by %s", p.GateStageName())
	}
	if p.Deploy != nil {
		fmt.Fprintf(out, ", %d deploy targets", len(p.Deploy.Targets))
	}
	fmt.Fprintln(out)
	return nil
}

// checkDeployActions reports deploy targets whose publish action is not configured.
func checkDeployActions(cfg *config.Config, p *pipeline.Pipeline) error {
	if p.Deploy == nil {
		return nil
	}
	for _, t := range p.Deploy.Targets {
		if _, ok := cfg.Deploy.Actions[t.ActionName()]; !ok {
			return foundationerrors.ConfigurationError(fmt.Sprintf("deploy target %q uses undefined action %q", t.Name, t.ActionName())).
				WithStage(p.DeployStageName()).
				UserAction().
				Build()
		}
	}
	return nil
}
