package scheduler

import (
	"context"

	"git.home.luguber.info/inful/docpipe/internal/gate"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
)

// Observer receives run lifecycle notifications from the orchestrator's
// control goroutine. Implementations must not block for long.
type Observer interface {
	RunStarted(ctx context.Context, rc *runctx.RunContext)
	GateEvaluated(ctx context.Context, rc *runctx.RunContext, decision gate.Decision)
	StageFinished(ctx context.Context, rc *runctx.RunContext, stage StageResult)
	DeployFinished(ctx context.Context, rc *runctx.RunContext, deploy DeployResult)
	RunFinished(ctx context.Context, result *RunResult)
}

type observers []Observer

func (o observers) runStarted(ctx context.Context, rc *runctx.RunContext) {
	for _, ob := range o {
		ob.RunStarted(ctx, rc)
	}
}

func (o observers) gateEvaluated(ctx context.Context, rc *runctx.RunContext, d gate.Decision) {
	for _, ob := range o {
		ob.GateEvaluated(ctx, rc, d)
	}
}

func (o observers) stageFinished(ctx context.Context, rc *runctx.RunContext, s StageResult) {
	for _, ob := range o {
		ob.StageFinished(ctx, rc, s)
	}
}

func (o observers) deployFinished(ctx context.Context, rc *runctx.RunContext, d DeployResult) {
	for _, ob := range o {
		ob.DeployFinished(ctx, rc, d)
	}
}

func (o observers) runFinished(ctx context.Context, r *RunResult) {
	for _, ob := range o {
		ob.RunFinished(ctx, r)
	}
}
