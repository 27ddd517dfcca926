package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"git.home.luguber.info/inful/docpipe/internal/build"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
)

// GateCmd implements the 'gate' command. It exits with status 3 when the gate
// decides not to proceed.
type GateCmd struct {
	Message string `short:"m" help:"Gate this commit message instead of reading git history"`
	Repo    string `help:"Git repository to inspect, overrides gate.repo_path" type:"path"`
}

func (c *GateCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(g, root)
	if err != nil {
		return err
	}
	if c.Repo != "" {
		cfg.Gate.RepoPath = c.Repo
	}

	// Pipeline-level markers apply when a definition is available.
	var p *pipeline.Pipeline
	if loaded, err := loadPipeline(cfg); err == nil {
		p = loaded
	} else {
		slog.Debug("Evaluating gate without pipeline definition", "error", err)
	}

	svc := build.NewService(cfg, &build.Resources{})
	gt := svc.Gate(p)
	decision, err := gt.Evaluate(context.Background(), svc.History(build.Request{Message: c.Message}))
	if err != nil {
		return err
	}

	out := g.stdout()
	if decision.Commit.Hash != "" {
		fmt.Fprintf(out, "Commit:  %s (skip %d)\n", decision.Commit.Hash, decision.Skip)
	}
	subject, _, _ := strings.Cut(decision.Commit.Message, "\n")
	fmt.Fprintf(out, "Message: %s\n", subject)
	if decision.Proceed {
		fmt.Fprintln(out, "Proceed: true")
		return nil
	}
	fmt.Fprintf(out, "Proceed: false (found %q)\n", decision.Marker)
	return ExitStatus(foundationerrors.ExitCanceled)
}
