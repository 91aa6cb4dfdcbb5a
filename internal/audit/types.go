package audit

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// EventType names a step of a diagnostic conversation.
type EventType string

const (
	// Session lifecycle
	EventSessionCreated EventType = "session.created"
	EventSessionReset   EventType = "session.reset"
	EventSessionHealed  EventType = "session.healed"
	EventTurnFailed     EventType = "turn.failed"

	// Test and fix loop
	EventTestAsked    EventType = "test.asked"
	EventFixProposed  EventType = "fix.proposed"
	EventFixConfirmed EventType = "fix.confirmed"
	EventFixRejected  EventType = "fix.rejected"

	// Artifacts
	EventArtifactRequested EventType = "artifact.requested"
	EventArtifactAnalyzed  EventType = "artifact.analyzed"
	EventArtifactMissing   EventType = "artifact.missing"

	// Hypothesis fallback
	EventHypothesisGenerated EventType = "hypothesis.generated"
	EventHypothesisFailed    EventType = "hypothesis.failed"
	EventDiagnosisResolved   EventType = "diagnosis.resolved"
)

// Result is the outcome of an audited step.
type Result string

const (
	ResultSuccess  Result = "success"
	ResultFailure  Result = "failure"
	ResultPending  Result = "pending"
	ResultRejected Result = "rejected"
)

// Event is one line of the audit trail.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	SessionID  string   `json:"session_id,omitempty"`
	Stage      string   `json:"stage,omitempty"`
	Cause      string   `json:"cause,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	// Target is what the step acted on: a test id, an artifact id or an
	// artifact kind, qualified by TargetKind.
	Target     string `json:"target,omitempty"`
	TargetKind string `json:"target_kind,omitempty"`

	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent starts a pending event stamped with the current UTC time.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
	}
}

func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

func (e *Event) WithSession(sessionID, stage string) *Event {
	e.SessionID = sessionID
	e.Stage = stage
	return e
}

func (e *Event) WithCause(cause string) *Event {
	e.Cause = cause
	return e
}

func (e *Event) WithConfidence(c float64) *Event {
	e.Confidence = &c
	return e
}

// WithTarget records what the step acted on, e.g. ("test", "pressure_at_pump").
func (e *Event) WithTarget(kind, id string) *Event {
	e.TargetKind = kind
	e.Target = id
	return e
}

func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError records err and marks the event failed. A nil err is ignored.
func (e *Event) WithError(err error, reason string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.Reason = reason
		e.Result = ResultFailure
	}
	return e
}

func (e *Event) WithDuration(d time.Duration) *Event {
	e.DurationMs = d.Milliseconds()
	return e
}

func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// MarshalLogObject writes the event as flat zap fields, using the same keys
// as the JSON tags.
func (e *Event) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddTime("timestamp", e.Timestamp)
	enc.AddString("correlation_id", e.CorrelationID)
	enc.AddString("event_type", string(e.EventType))
	enc.AddString("result", string(e.Result))

	addString := func(key, v string) {
		if v != "" {
			enc.AddString(key, v)
		}
	}
	addString("session_id", e.SessionID)
	addString("stage", e.Stage)
	addString("cause", e.Cause)
	if e.Confidence != nil {
		enc.AddFloat64("confidence", *e.Confidence)
	}
	addString("target", e.Target)
	addString("target_kind", e.TargetKind)
	addString("description", e.Description)
	addString("error", e.Error)
	addString("reason", e.Reason)
	if e.DurationMs != 0 {
		enc.AddInt64("duration_ms", e.DurationMs)
	}
	if len(e.Metadata) > 0 {
		if err := enc.AddReflected("metadata", e.Metadata); err != nil {
			return err
		}
	}
	return nil
}
