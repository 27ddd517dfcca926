package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"git.home.luguber.info/inful/docpipe/internal/build"
	"git.home.luguber.info/inful/docpipe/internal/matrix"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
)

// PlanCmd implements the 'plan' command.
type PlanCmd struct{}

func (c *PlanCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(g, root)
	if err != nil {
		return err
	}
	p, err := loadPipeline(cfg)
	if err != nil {
		return err
	}
	plan, err := build.NewService(cfg, &build.Resources{}).Plan(p)
	if err != nil {
		return err
	}
	return WritePlan(g.stdout(), p, plan)
}

// WritePlan prints the stages of p in execution order with their expanded instances.
func WritePlan(w io.Writer, p *pipeline.Pipeline, plan *pipeline.Plan) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTAGE\tDEPENDS ON\tJOBS\tINSTANCES\tCONDITION")
	row := 1
	if p.Gate != nil {
		fmt.Fprintf(tw, "%d\t%s\t-\t%s\t1\tgate\n", row, plan.Root, p.Gate.Job)
		row++
	}
	for _, name := range plan.Order {
		stage, _ := p.Stage(name)
		instances, err := matrix.ExpandStage(p, stage)
		if err != nil {
			return err
		}
		jobs := make([]string, 0, len(stage.Jobs))
		for _, j := range stage.Jobs {
			jobs = append(jobs, j.Name)
		}
		cond := stage.Condition
		if cond == "" {
			cond = "succeeded()"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", row, name, orDash(strings.Join(plan.Dependencies(name), ", ")),
			strings.Join(jobs, ", "), len(instances), cond)
		row++
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if p.Deploy == nil {
		return nil
	}
	fmt.Fprintf(w, "\nDeploy (%s), first matching target wins:\n", p.DeployStageName())
	for _, t := range p.Deploy.Targets {
		rule := "branch " + t.Branch
		if t.Tags != "" {
			rule = "tags " + t.Tags
		}
		fmt.Fprintf(w, "  %s: %s, requires %s, artifact %s, action %s\n", t.Name, rule, t.Requires, t.Artifact, t.ActionName())
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
