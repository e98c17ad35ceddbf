package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names an event on the wire.
type EventType string

// EventType constants
const (
	EventRunSnapshot     EventType = "run.snapshot"
	EventRunStarted      EventType = "run.started"
	EventStepUpdated     EventType = "step.updated"
	EventToolCallLogged  EventType = "toolcall.logged"
	EventArtifactCreated EventType = "artifact.created"
	EventRunCompleted    EventType = "run.completed"
	EventRunFailed       EventType = "run.failed"
	EventRunCancelled    EventType = "run.cancelled"
)

// EventTypes lists every event type in a stable order.
var EventTypes = []EventType{
	EventRunSnapshot,
	EventRunStarted,
	EventStepUpdated,
	EventToolCallLogged,
	EventArtifactCreated,
	EventRunCompleted,
	EventRunFailed,
	EventRunCancelled,
}

// IsTerminal reports whether the event announces a terminal run state.
func (t EventType) IsTerminal() bool {
	return t == EventRunCompleted || t == EventRunFailed || t == EventRunCancelled
}

// Payload is implemented by exactly one struct per event type. The unexported
// method keeps the set closed to this package.
type Payload interface {
	EventType() EventType
	payload()
}

// Event is an immutable, timestamped message about one run.
type Event struct {
	ID      uuid.UUID `json:"id"`
	Type    EventType `json:"type"`
	RunID   uuid.UUID `json:"run_id"`
	TS      time.Time `json:"ts"`
	Payload Payload   `json:"payload"`
}

// NewEvent stamps a payload with a fresh id and the current time.
func NewEvent(runID uuid.UUID, p Payload) Event {
	return Event{
		ID:      uuid.New(),
		Type:    p.EventType(),
		RunID:   runID,
		TS:      time.Now().UTC(),
		Payload: p,
	}
}

// RunSnapshot carries the full current state of a run.
type RunSnapshot struct {
	Status    RunStatus `json:"status"`
	Progress  Progress  `json:"progress_json"`
	Artifacts Artifacts `json:"artifacts_json"`
	Stats     Stats     `json:"stats_json"`
}

// RunStarted announces the queued -> running transition.
type RunStarted struct {
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// StepUpdated carries the merged state of one step after an update.
type StepUpdated struct {
	StepProgress
	CurrentStepID *string   `json:"current_step_id"`
	RunStatus     RunStatus `json:"run_status"`
	Counters      Counters  `json:"counters"`
}

// ToolCallLogged carries a new or updated tool call.
type ToolCallLogged struct {
	ToolCall ToolCall `json:"toolcall"`
}

// ArtifactCreated carries a new or updated artifact.
type ArtifactCreated struct {
	Artifact Artifact `json:"artifact"`
}

// RunCompleted announces that the executor finished the run.
type RunCompleted struct {
	Status      RunStatus `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
	Stats       Stats     `json:"stats_json"`
}

// RunFailed announces a terminal failure.
type RunFailed struct {
	Status      RunStatus `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
	Error       string    `json:"error"`
	StepID      string    `json:"step_id,omitempty"`
}

// RunCancelled announces that the run was cancelled by its owner.
type RunCancelled struct {
	Status      RunStatus `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
}

func (RunSnapshot) EventType() EventType     { return EventRunSnapshot }
func (RunStarted) EventType() EventType      { return EventRunStarted }
func (StepUpdated) EventType() EventType     { return EventStepUpdated }
func (ToolCallLogged) EventType() EventType  { return EventToolCallLogged }
func (ArtifactCreated) EventType() EventType { return EventArtifactCreated }
func (RunCompleted) EventType() EventType    { return EventRunCompleted }
func (RunFailed) EventType() EventType       { return EventRunFailed }
func (RunCancelled) EventType() EventType    { return EventRunCancelled }

func (RunSnapshot) payload()     {}
func (RunStarted) payload()      {}
func (StepUpdated) payload()     {}
func (ToolCallLogged) payload()  {}
func (ArtifactCreated) payload() {}
func (RunCompleted) payload()    {}
func (RunFailed) payload()       {}
func (RunCancelled) payload()    {}

// NewPayload returns an empty payload value for the given type.
func NewPayload(t EventType) (Payload, error) {
	switch t {
	case EventRunSnapshot:
		return &RunSnapshot{}, nil
	case EventRunStarted:
		return &RunStarted{}, nil
	case EventStepUpdated:
		return &StepUpdated{}, nil
	case EventToolCallLogged:
		return &ToolCallLogged{}, nil
	case EventArtifactCreated:
		return &ArtifactCreated{}, nil
	case EventRunCompleted:
		return &RunCompleted{}, nil
	case EventRunFailed:
		return &RunFailed{}, nil
	case EventRunCancelled:
		return &RunCancelled{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %q", t)
	}
}

// UnmarshalJSON decodes the envelope and the payload matching its type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      uuid.UUID       `json:"id"`
		Type    EventType       `json:"type"`
		RunID   uuid.UUID       `json:"run_id"`
		TS      time.Time       `json:"ts"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p, err := NewPayload(raw.Type)
	if err != nil {
		return err
	}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		if err := json.Unmarshal(raw.Payload, p); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", raw.Type, err)
		}
	}

	e.ID = raw.ID
	e.Type = raw.Type
	e.RunID = raw.RunID
	e.TS = raw.TS
	e.Payload = derefPayload(p)
	return nil
}

// derefPayload turns the pointer produced by NewPayload back into the value
// form used when events are built in process.
func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *RunSnapshot:
		return *v
	case *RunStarted:
		return *v
	case *StepUpdated:
		return *v
	case *ToolCallLogged:
		return *v
	case *ArtifactCreated:
		return *v
	case *RunCompleted:
		return *v
	case *RunFailed:
		return *v
	case *RunCancelled:
		return *v
	}
	return p
}
