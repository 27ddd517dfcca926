package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"git.home.luguber.info/inful/docpipe/internal/build"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/report"
	"git.home.luguber.info/inful/docpipe/internal/scheduler"
)

// RunCmd implements the 'run' command.
type RunCmd struct {
	RefFlags `embed:""`

	Message     string            `short:"m" help:"Gate this commit message instead of reading git history"`
	Var         map[string]string `short:"V" help:"Override a pipeline variable (KEY=VALUE)"`
	SummaryMD   string            `name:"summary-md" help:"Write a Markdown run summary to this file" type:"path"`
	SummaryHTML string            `name:"summary-html" help:"Write an HTML run summary to this file" type:"path"`
	NoColor     bool              `name:"no-color" help:"Disable coloured output"`
}

func (r *RunCmd) Run(g *Global, root *CLI) error {
	if r.NoColor {
		color.NoColor = true
	}
	ref, err := r.Resolve()
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := build.OpenResources(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := res.Close(); cerr != nil {
			slog.Warn("Failed to release resources", "error", cerr)
		}
	}()

	svc := build.NewService(cfg, res)
	result, err := svc.Run(ctx, build.Request{
		Pipeline:  p,
		Ref:       ref,
		Message:   r.Message,
		Variables: r.Var,
		Trigger:   build.TriggerCLI,
	})
	if result != nil {
		report.Terminal(g.stdout(), result)
		if werr := r.writeSummaries(result); werr != nil {
			slog.Warn("Failed to write run summary", "error", werr)
		}
	}
	if err != nil {
		return err
	}
	return RunOutcome(result)
}

// RunOutcome converts a finished run into the command's error: nil when it
// succeeded, ExitStatus for a canceled run, the run's failures otherwise.
func RunOutcome(result *scheduler.RunResult) error {
	switch result.Status {
	case pipeline.RunSucceeded:
		return nil
	case pipeline.RunCanceled:
		return ExitStatus(foundationerrors.ExitCanceled)
	default:
		if result.Err != nil {
			return result.Err
		}
		return foundationerrors.StageFailure("run failed").Build()
	}
}

func (r *RunCmd) writeSummaries(result *scheduler.RunResult) error {
	if r.SummaryMD != "" {
		if err := writeFile(r.SummaryMD, report.Markdown(result)); err != nil {
			return err
		}
	}
	if r.SummaryHTML != "" {
		html, err := report.HTML(result)
		if err != nil {
			return err
		}
		if err := writeFile(r.SummaryHTML, html); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
