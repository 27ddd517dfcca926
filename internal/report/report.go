// Package report renders run results as Markdown, HTML and coloured terminal
// summaries. Every failing step is listed with its stage, instance and matrix
// variable assignment.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"git.home.luguber.info/inful/docpipe/internal/matrix"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/scheduler"
)

// Failure is one failing step of a run, or a stage or deploy failure without steps.
type Failure struct {
	Stage      string
	Instance   string
	Assignment string
	Step       string
	ExitCode   int
	Message    string
	Continued  bool // continueOnError: recorded but did not fail the instance
}

// Failures collects every failing step of res in stage order.
func Failures(res *scheduler.RunResult) []Failure {
	var out []Failure
	for _, s := range res.Stages {
		stepFailures := 0
		for _, ir := range s.Instances {
			for _, st := range ir.FailedSteps() {
				stepFailures++
				out = append(out, Failure{
					Stage:      s.Name,
					Instance:   ir.Instance.ID,
					Assignment: matrix.FormatAssignment(ir.Instance.Assignment),
					Step:       st.Label,
					ExitCode:   st.ExitCode,
					Message:    errMessage(st.Err),
					Continued:  st.ContinueOnError,
				})
			}
			if ir.TimedOut {
				stepFailures++
				out = append(out, Failure{
					Stage:      s.Name,
					Instance:   ir.Instance.ID,
					Assignment: matrix.FormatAssignment(ir.Instance.Assignment),
					Message:    "job timed out",
				})
			}
		}
		if s.Status == pipeline.StatusFailed && stepFailures == 0 {
			out = append(out, Failure{Stage: s.Name, Message: errMessage(s.Err)})
		}
	}
	if res.Deploy != nil && res.Deploy.Status == pipeline.StatusFailed {
		out = append(out, Failure{Stage: res.Deploy.Stage, Step: res.Deploy.Target, Message: errMessage(res.Deploy.Err)})
	}
	return out
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func title(s string) string {
	return cases.Title(language.Und, cases.NoLower).String(s)
}

func statusIcon(s string) string {
	switch s {
	case string(pipeline.StatusSucceeded):
		return "✅"
	case string(pipeline.StatusFailed):
		return "❌"
	case string(pipeline.StatusCanceled):
		return "⛔"
	default:
		return "⏭️"
	}
}

// Markdown renders res as a Markdown document.
func Markdown(res *scheduler.RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s: %s\n\n", statusIcon(string(res.Status)), res.Pipeline, title(string(res.Status)))
	fmt.Fprintf(&b, "- Run: `%s`\n", res.RunID)
	if res.Ref != "" {
		fmt.Fprintf(&b, "- Ref: `%s`\n", res.Ref)
	}
	if res.Commit != "" {
		fmt.Fprintf(&b, "- Commit: `%s`\n", res.Commit)
	}
	fmt.Fprintf(&b, "- Duration: %s\n", res.Duration.Round(time.Millisecond))
	if res.Reason != "" {
		fmt.Fprintf(&b, "- Reason: %s\n", res.Reason)
	}
	if res.Gate != nil {
		verdict := "proceed"
		if !res.Gate.Proceed {
			verdict = fmt.Sprintf("skip (%s)", res.Gate.Marker)
		}
		fmt.Fprintf(&b, "- Gate: %s\n", verdict)
	}

	b.WriteString("\n## Stages\n\n| Stage | Status | Instances | Duration | Note |\n|---|---|---|---|---|\n")
	for _, s := range res.Stages {
		fmt.Fprintf(&b, "| %s | %s %s | %s | %s | %s |\n",
			s.Name, statusIcon(string(s.Status)), title(string(s.Status)),
			instanceCounts(s), s.Duration.Round(time.Millisecond), escapeCell(s.Reason))
	}
	if d := res.Deploy; d != nil {
		target := d.Target
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(&b, "\n## Deploy\n\n- Target: %s\n- Status: %s %s\n", target, statusIcon(string(d.Status)), title(string(d.Status)))
		if d.Reason != "" {
			fmt.Fprintf(&b, "- Reason: %s\n", d.Reason)
		}
	}

	if failures := Failures(res); len(failures) > 0 {
		b.WriteString("\n## Failures\n\n| Stage | Instance | Matrix | Step | Exit | Message |\n|---|---|---|---|---|---|\n")
		for _, f := range failures {
			step := f.Step
			if f.Continued {
				step += " (continued)"
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %d | %s |\n",
				f.Stage, dash(f.Instance), dash(f.Assignment), dash(step), f.ExitCode, escapeCell(firstLine(f.Message)))
		}
	}

	if len(res.Outputs) > 0 {
		keys := make([]string, 0, len(res.Outputs))
		for k := range res.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n## Outputs\n\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- `%s` = `%s`\n", k, res.Outputs[k])
		}
	}
	return b.String()
}

// HTML renders the Markdown summary to an HTML fragment.
func HTML(res *scheduler.RunResult) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	var buf bytes.Buffer
	if err := md.Convert([]byte(Markdown(res)), &buf); err != nil {
		return "", fmt.Errorf("render run summary: %w", err)
	}
	return buf.String(), nil
}

func instanceCounts(s scheduler.StageResult) string {
	if len(s.Instances) == 0 {
		return "-"
	}
	ok := 0
	for _, ir := range s.Instances {
		if ir.Status == pipeline.StatusSucceeded || ir.Status == pipeline.StatusSkipped {
			ok++
		}
	}
	return fmt.Sprintf("%d/%d", ok, len(s.Instances))
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
