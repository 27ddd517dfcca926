package eventstore

import (
	"encoding/json"
	"time"

	"git.home.luguber.info/inful/docpipe/internal/foundation/errors"
)

// Event type names.
const (
	TypeRunStarted      = "RunStarted"
	TypeGateEvaluated   = "GateEvaluated"
	TypeStageCompleted  = "StageCompleted"
	TypeDeployCompleted = "DeployCompleted"
	TypeRunCompleted    = "RunCompleted"
)

// RunStartedData is the payload of a RunStarted event.
type RunStartedData struct {
	Pipeline string `json:"pipeline"`
	Ref      string `json:"ref"`
	Trigger  string `json:"trigger,omitempty"` // "cli", "schedule", "http"
}

// GateEvaluatedData is the payload of a GateEvaluated event.
type GateEvaluatedData struct {
	Commit  string `json:"commit"`
	Message string `json:"message"`
	Proceed bool   `json:"proceed"`
	Marker  string `json:"marker,omitempty"`
}

// InstanceData summarizes one job instance inside a StageCompleted event.
type InstanceData struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Assignment  string   `json:"assignment,omitempty"`
	DurationMS  int64    `json:"duration_ms"`
	FailedSteps []string `json:"failed_steps,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// StageCompletedData is the payload of a StageCompleted event.
type StageCompletedData struct {
	Stage      string         `json:"stage"`
	Status     string         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Instances  []InstanceData `json:"instances,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// DeployCompletedData is the payload of a DeployCompleted event.
type DeployCompletedData struct {
	Stage  string `json:"stage"`
	Target string `json:"target,omitempty"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RunCompletedData is the payload of a RunCompleted event.
type RunCompletedData struct {
	Status     string            `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	Commit     string            `json:"commit,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// NewEvent encodes data as the payload of a new event for runID.
func NewEvent(runID, eventType string, data any) (*BaseEvent, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryEventStore, ErrMarshalPayloadFailed.Message()).
			WithContext("run_id", runID).
			WithContext("event_type", eventType).
			Build()
	}
	return &BaseEvent{
		EventRunID:     runID,
		EventType:      eventType,
		EventTimestamp: time.Now(),
		EventPayload:   payload,
	}, nil
}

// Decode unmarshals an event payload into v.
func Decode(e Event, v any) error {
	return json.Unmarshal(e.Payload(), v)
}
