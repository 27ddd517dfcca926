// Package build provides the canonical pipeline run path for docpipe.
// All execution paths (CLI, daemon, tests) route through Service.
package build

import (
	"context"

	"git.home.luguber.info/inful/docpipe/internal/gate"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
	"git.home.luguber.info/inful/docpipe/internal/scheduler"
)

// Service executes one pipeline run. Both the CLI and the daemon are thin
// wrappers over this interface.
type Service interface {
	// Run plans and executes the pipeline in req. The returned error is set for
	// failures that prevent execution (invalid pipeline, unreadable history);
	// stage and deploy failures are reported in the result.
	Run(ctx context.Context, req Request) (*scheduler.RunResult, error)
}

// Request contains all inputs of a run.
type Request struct {
	// Pipeline is the loaded pipeline definition.
	Pipeline *pipeline.Pipeline

	// Ref is the triggering ref. A zero ref is resolved from the gate repository's HEAD.
	Ref runctx.Ref

	// History overrides the commit history the gate reads.
	History gate.HistoryReader

	// Message, when set and History is nil, replaces the gated commit message.
	Message string

	// Variables override pipeline-level variables.
	Variables map[string]string

	// Trigger labels the run in history ("cli", "schedule", "api").
	Trigger string

	// RunID preassigns the run ID. Empty generates one.
	RunID string
}

// Trigger labels.
const (
	TriggerCLI      = "cli"
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
)
