package eventstore

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/docpipe/internal/gate"
	"git.home.luguber.info/inful/docpipe/internal/logfields"
	"git.home.luguber.info/inful/docpipe/internal/matrix"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
	"git.home.luguber.info/inful/docpipe/internal/scheduler"
)

var _ scheduler.Observer = (*Recorder)(nil)

// Recorder persists run lifecycle events and keeps a projection current. It
// implements scheduler.Observer. Persistence failures are logged and never
// fail the run.
type Recorder struct {
	store      Store
	projection *RunHistoryProjection
	trigger    string
}

// NewRecorder returns a recorder. projection may be nil.
func NewRecorder(store Store, projection *RunHistoryProjection, trigger string) *Recorder {
	return &Recorder{store: store, projection: projection, trigger: trigger}
}

// WithTrigger returns a copy of r that labels runs with trigger.
func (r *Recorder) WithTrigger(trigger string) *Recorder {
	cp := *r
	cp.trigger = trigger
	return &cp
}

func (r *Recorder) RunStarted(ctx context.Context, rc *runctx.RunContext) {
	r.emit(ctx, rc.RunID, TypeRunStarted, RunStartedData{
		Pipeline: rc.Pipeline,
		Ref:      rc.Ref.String(),
		Trigger:  r.trigger,
	})
}

func (r *Recorder) GateEvaluated(ctx context.Context, rc *runctx.RunContext, d gate.Decision) {
	r.emit(ctx, rc.RunID, TypeGateEvaluated, GateEvaluatedData{
		Commit:  d.Commit.Hash,
		Message: d.Commit.Message,
		Proceed: d.Proceed,
		Marker:  d.Marker,
	})
}

func (r *Recorder) StageFinished(ctx context.Context, rc *runctx.RunContext, s scheduler.StageResult) {
	data := StageCompletedData{
		Stage:      s.Name,
		Status:     string(s.Status),
		Reason:     s.Reason,
		DurationMS: s.Duration.Milliseconds(),
		Error:      errString(s.Err),
	}
	for _, ir := range s.Instances {
		inst := InstanceData{
			ID:         ir.Instance.ID,
			Status:     string(ir.Status),
			Assignment: matrix.FormatAssignment(ir.Instance.Assignment),
			DurationMS: ir.Duration.Milliseconds(),
			Error:      errString(ir.Err),
		}
		for _, st := range ir.FailedSteps() {
			inst.FailedSteps = append(inst.FailedSteps, st.Label)
		}
		data.Instances = append(data.Instances, inst)
	}
	r.emit(ctx, rc.RunID, TypeStageCompleted, data)
}

func (r *Recorder) DeployFinished(ctx context.Context, rc *runctx.RunContext, d scheduler.DeployResult) {
	r.emit(ctx, rc.RunID, TypeDeployCompleted, DeployCompletedData{
		Stage:  d.Stage,
		Target: d.Target,
		Status: string(d.Status),
		Reason: d.Reason,
		Error:  errString(d.Err),
	})
}

func (r *Recorder) RunFinished(ctx context.Context, res *scheduler.RunResult) {
	r.emit(ctx, res.RunID, TypeRunCompleted, RunCompletedData{
		Status:     string(res.Status),
		Reason:     res.Reason,
		Commit:     res.Commit,
		DurationMS: res.Duration.Milliseconds(),
		Outputs:    res.Outputs,
		Error:      errString(res.Err),
	})
}

func (r *Recorder) emit(ctx context.Context, runID, eventType string, data any) {
	event, err := NewEvent(runID, eventType, data)
	if err != nil {
		slog.Warn("Failed to encode run event", logfields.RunID(runID), slog.String("event_type", eventType), logfields.Error(err))
		return
	}
	// Events are recorded even when the run itself was canceled.
	if err := r.store.Append(context.WithoutCancel(ctx), event); err != nil {
		slog.Warn("Failed to persist run event", logfields.RunID(runID), slog.String("event_type", eventType), logfields.Error(err))
	}
	if r.projection != nil {
		r.projection.Apply(event)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
