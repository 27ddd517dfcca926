package metrics

import "time"

// Recorder defines observability hooks for pipeline runs. Status and outcome
// labels are the lower-case status names (succeeded, failed, skipped, canceled).
type Recorder interface {
	ObserveRunDuration(d time.Duration)
	IncRunOutcome(outcome string)
	IncGateDecision(proceed bool)
	ObserveStageDuration(stage string, d time.Duration)
	IncStageResult(stage, status string)
	ObserveInstanceDuration(stage, job string, d time.Duration)
	IncInstanceResult(stage, job, status string)
	IncStepResult(stage, status string)
	IncStepRetry(stage string)
	IncDeployResult(target, status string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveRunDuration(time.Duration)                      {}
func (NoopRecorder) IncRunOutcome(string)                                  {}
func (NoopRecorder) IncGateDecision(bool)                                  {}
func (NoopRecorder) ObserveStageDuration(string, time.Duration)            {}
func (NoopRecorder) IncStageResult(string, string)                         {}
func (NoopRecorder) ObserveInstanceDuration(string, string, time.Duration) {}
func (NoopRecorder) IncInstanceResult(string, string, string)              {}
func (NoopRecorder) IncStepResult(string, string)                          {}
func (NoopRecorder) IncStepRetry(string)                                   {}
func (NoopRecorder) IncDeployResult(string, string)                        {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
