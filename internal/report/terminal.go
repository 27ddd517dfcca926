package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"git.home.luguber.info/inful/docpipe/internal/eventstore"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/scheduler"
)

func colorStatus(status string) string {
	label := title(status)
	if color.NoColor {
		return label
	}
	switch status {
	case string(pipeline.StatusSucceeded):
		return color.New(color.FgGreen).Sprint(label)
	case string(pipeline.StatusFailed):
		return color.New(color.FgHiRed).Sprint(label)
	case string(pipeline.StatusCanceled), "running":
		return color.New(color.FgYellow).Sprint(label)
	default:
		return color.New(color.Faint).Sprint(label)
	}
}

// Terminal writes a compact coloured summary of res.
func Terminal(w io.Writer, res *scheduler.RunResult) {
	fmt.Fprintf(w, "Run %s of %s: %s\n", res.RunID, res.Pipeline, colorStatus(string(res.Status)))
	if res.Reason != "" {
		fmt.Fprintf(w, "  %s\n", res.Reason)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tINSTANCES\tDURATION\tNOTE")
	for _, s := range res.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Name, colorStatus(string(s.Status)), instanceCounts(s), s.Duration.Round(time.Millisecond), s.Reason)
	}
	if d := res.Deploy; d != nil {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Stage, colorStatus(string(d.Status)), dash(d.Target), d.Duration.Round(time.Millisecond), d.Reason)
	}
	_ = tw.Flush()

	failures := Failures(res)
	if len(failures) == 0 {
		return
	}
	fmt.Fprintln(w, "\nFailures:")
	for _, f := range failures {
		where := f.Stage
		if f.Instance != "" {
			where += "/" + f.Instance
		}
		if f.Assignment != "" {
			where += " (" + f.Assignment + ")"
		}
		if f.Step != "" {
			where += ": " + f.Step
		}
		if f.Continued {
			where += " [continued]"
		}
		fmt.Fprintf(w, "  %s\n    %s\n", color.New(color.FgHiRed).Sprint(where), firstLine(f.Message))
	}
}

// History writes one line per run summary, newest first.
func History(w io.Writer, runs []*eventstore.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPIPELINE\tREF\tSTATUS\tSTARTED\tDURATION\tDEPLOY")
	for _, r := range runs {
		deploy := "-"
		if r.Deploy != nil && r.Deploy.Target != "" {
			deploy = r.Deploy.Target + " " + r.Deploy.Status
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.Pipeline, dash(r.Ref), colorStatus(r.Status),
			r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Millisecond), deploy)
	}
	_ = tw.Flush()
}
