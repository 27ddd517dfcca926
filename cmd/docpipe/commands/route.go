package commands

import (
	"fmt"

	"git.home.luguber.info/inful/docpipe/internal/build"
)

// RouteCmd implements the 'route' command. Prerequisite stages are assumed to
// have succeeded.
type RouteCmd struct {
	RefFlags `embed:""`
}

func (c *RouteCmd) Run(g *Global, root *CLI) error {
	flagRef, err := c.Resolve()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(g, root)
	if err != nil {
		return err
	}
	p, err := loadPipeline(cfg)
	if err != nil {
		return err
	}
	svc := build.NewService(cfg, &build.Resources{})
	ref, err := svc.ResolveRef(flagRef)
	if err != nil {
		return err
	}

	sel := svc.Router(p).Route(ref, nil)
	out := g.stdout()
	fmt.Fprintf(out, "Ref:    %s\n", ref)
	if sel.Target == nil {
		fmt.Fprintln(out, "Target: none")
	} else {
		t := sel.Target
		fmt.Fprintf(out, "Target: %s (action %s, artifact %s, requires %s)\n", t.Name, t.ActionName(), t.Artifact, t.Requires)
	}
	fmt.Fprintf(out, "Reason: %s\n", sel.Reason)
	return nil
}
