// Package eventstore persists pipeline run events in SQLite and projects them
// into a bounded in-memory run history.
package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

const runStatusRunning = "running"

// StageSummary is the read model of one stage of a run.
type StageSummary struct {
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Instances  []InstanceData `json:"instances,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// RunSummary is a read model summarizing a completed or in-progress run.
type RunSummary struct {
	RunID       string               `json:"run_id"`
	Pipeline    string               `json:"pipeline"`
	Ref         string               `json:"ref"`
	Trigger     string               `json:"trigger,omitempty"`
	Status      string               `json:"status"` // "running", "succeeded", "failed", "canceled"
	Reason      string               `json:"reason,omitempty"`
	Commit      string               `json:"commit,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	Duration    time.Duration        `json:"duration,omitempty"`
	Gate        *GateEvaluatedData   `json:"gate,omitempty"`
	Stages      []StageSummary       `json:"stages,omitempty"`
	Deploy      *DeployCompletedData `json:"deploy,omitempty"`
	Outputs     map[string]string    `json:"outputs,omitempty"`
	Error       string               `json:"error,omitempty"`
}

func (s *RunSummary) clone() *RunSummary {
	cp := *s
	cp.Stages = append([]StageSummary(nil), s.Stages...)
	return &cp
}

// RunHistoryProjection maintains an in-memory view of run history,
// reconstructed from events stored in the event store.
type RunHistoryProjection struct {
	mu       sync.RWMutex
	store    Store
	runs     map[string]*RunSummary // runID -> summary
	history  []*RunSummary          // completed runs, newest first
	maxSize  int
	lastSync time.Time
}

// NewRunHistoryProjection creates a new projection backed by the given store.
func NewRunHistoryProjection(store Store, maxHistorySize int) *RunHistoryProjection {
	if maxHistorySize <= 0 {
		maxHistorySize = 100
	}
	return &RunHistoryProjection{
		store:   store,
		runs:    make(map[string]*RunSummary),
		history: make([]*RunSummary, 0, maxHistorySize),
		maxSize: maxHistorySize,
	}
}

// Rebuild reconstructs the projection from all events in the store.
func (p *RunHistoryProjection) Rebuild(ctx context.Context) error {
	events, err := p.store.GetRange(ctx, time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.runs = make(map[string]*RunSummary)
	p.history = make([]*RunSummary, 0, p.maxSize)
	for _, event := range events {
		p.applyEventLocked(event)
	}

	sort.SliceStable(p.history, func(i, j int) bool {
		return p.history[i].StartedAt.After(p.history[j].StartedAt)
	})
	if len(p.history) > p.maxSize {
		p.history = p.history[:p.maxSize]
	}
	p.pruneRunsLocked()

	p.lastSync = time.Now()
	return nil
}

// Apply processes a single event and updates the projection.
func (p *RunHistoryProjection) Apply(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyEventLocked(event)
}

func (p *RunHistoryProjection) applyEventLocked(event Event) {
	runID := event.RunID()
	if runID == "" {
		return
	}

	summary, exists := p.runs[runID]
	if !exists {
		summary = &RunSummary{RunID: runID, Status: runStatusRunning, StartedAt: event.Timestamp()}
		p.runs[runID] = summary
	}

	switch event.Type() {
	case TypeRunStarted:
		var data RunStartedData
		if err := Decode(event, &data); err == nil {
			summary.Pipeline = data.Pipeline
			summary.Ref = data.Ref
			summary.Trigger = data.Trigger
		}
		summary.StartedAt = event.Timestamp()
		summary.Status = runStatusRunning

	case TypeGateEvaluated:
		var data GateEvaluatedData
		if err := Decode(event, &data); err == nil {
			summary.Gate = &data
			summary.Commit = data.Commit
		}

	case TypeStageCompleted:
		var data StageCompletedData
		if err := Decode(event, &data); err == nil {
			summary.Stages = append(summary.Stages, StageSummary{
				Name:       data.Stage,
				Status:     data.Status,
				Reason:     data.Reason,
				DurationMS: data.DurationMS,
				Instances:  data.Instances,
				Error:      data.Error,
			})
		}

	case TypeDeployCompleted:
		var data DeployCompletedData
		if err := Decode(event, &data); err == nil {
			summary.Deploy = &data
		}

	case TypeRunCompleted:
		var data RunCompletedData
		if err := Decode(event, &data); err == nil {
			summary.Status = data.Status
			summary.Reason = data.Reason
			summary.Outputs = data.Outputs
			summary.Error = data.Error
			if data.Commit != "" {
				summary.Commit = data.Commit
			}
		}
		done := event.Timestamp()
		summary.CompletedAt = &done
		summary.Duration = done.Sub(summary.StartedAt)
		p.addToHistoryLocked(summary)
	}
}

func (p *RunHistoryProjection) addToHistoryLocked(summary *RunSummary) {
	for _, h := range p.history {
		if h.RunID == summary.RunID {
			return
		}
	}
	p.history = append([]*RunSummary{summary}, p.history...)
	if len(p.history) > p.maxSize {
		p.history = p.history[:p.maxSize]
	}
	p.pruneRunsLocked()
}

// pruneRunsLocked removes completed runs not present in the bounded history.
// Caller must hold p.mu (write lock).
func (p *RunHistoryProjection) pruneRunsLocked() {
	keep := make(map[string]struct{}, len(p.history))
	for _, h := range p.history {
		keep[h.RunID] = struct{}{}
	}
	for id, summary := range p.runs {
		if summary.Status == runStatusRunning {
			continue
		}
		if _, ok := keep[id]; !ok {
			delete(p.runs, id)
		}
	}
}

// History returns completed runs, newest first.
func (p *RunHistoryProjection) History() []*RunSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*RunSummary, len(p.history))
	for i, s := range p.history {
		out[i] = s.clone()
	}
	return out
}

// Run returns the summary of one run, running or completed.
func (p *RunHistoryProjection) Run(runID string) (*RunSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summary, ok := p.runs[runID]
	if !ok {
		return nil, false
	}
	return summary.clone(), true
}

// Active returns the runs still in progress, oldest first.
func (p *RunHistoryProjection) Active() []*RunSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*RunSummary
	for _, s := range p.runs {
		if s.Status == runStatusRunning {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// LastSyncTime returns when the projection was last rebuilt.
func (p *RunHistoryProjection) LastSyncTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSync
}
