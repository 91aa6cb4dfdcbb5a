package engine

// Package engine runs conversational turns of the diagnostic service.
//
// A turn is:
//   1. Serialize on the session id (one turn per session at a time)
//   2. Handle "reset" by replacing the session
//   3. Load the session (created at defaults when absent)
//   4. Step the machine with the user message
//   5. While the machine asks for an effect:
//      - persist the session
//      - run the effect (artifact analysis or hypothesis generation) with
//        a bounded timeout
//      - step the machine with the result
//   6. Persist the final session
//   7. Emit audit events, metrics, domain events and subscriber updates;
//      record a lesson when the session resolved
//
// External failures never escape as Go errors. They are converted to
// zero-confidence results inside the machine, or to a Result with status
// "error" when the session itself cannot be read or written.

import (
	"context"
	"time"

	"github.com/hydrodiag/hydrodiag-ai/internal/artifact"
	"github.com/hydrodiag/hydrodiag-ai/internal/db"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/session"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

// Engine handles conversational turns.
type Engine interface {
	// HandleMessage runs one turn. An empty sessionID is replaced by a new
	// one, returned in Result.SessionID.
	HandleMessage(ctx context.Context, sessionID, text, artifactID string) *types.Result

	// Session returns the stored session without creating it.
	Session(ctx context.Context, sessionID string) (*session.Session, error)

	// Reset replaces a session with a fresh one.
	Reset(ctx context.Context, sessionID string) *types.Result

	// Subscribe registers a channel receiving the turns of a session.
	Subscribe(sessionID string) *Subscriber

	// Unsubscribe removes and closes a subscriber.
	Unsubscribe(sessionID string, sub *Subscriber)
}

// SessionStore persists sessions with compare-and-set writes.
// sessionstore.Store satisfies it.
type SessionStore interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Lookup(ctx context.Context, id string) (*session.Session, error)
	Save(ctx context.Context, s *session.Session) error
	Reset(ctx context.Context, id string) (*session.Session, error)
}

// ArtifactReader loads uploaded artifacts. artifact.Store satisfies it.
type ArtifactReader interface {
	Read(id string) (artifact.Info, []byte, error)
}

// LessonRecorder stores resolved diagnoses. db.Store satisfies it.
type LessonRecorder interface {
	AppendLesson(ctx context.Context, rec *db.LessonRecord) error
}

// Config bounds the external calls of a turn.
type Config struct {
	HypothesisTimeout time.Duration `mapstructure:"hypothesis_timeout"`
	ArtifactTimeout   time.Duration `mapstructure:"artifact_timeout"`
	ScenarioLimit     int           `mapstructure:"scenario_limit"`
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{
		HypothesisTimeout: 30 * time.Second,
		ArtifactTimeout:   45 * time.Second,
		ScenarioLimit:     3,
	}
}

// TurnEvent is sent to subscribers after every turn.
type TurnEvent struct {
	SessionID string        `json:"session_id"`
	Type      string        `json:"type"` // "turn" | "reset"
	Text      string        `json:"text,omitempty"`
	Result    *types.Result `json:"result"`
	Timestamp time.Time     `json:"timestamp"`
}

// Subscriber receives turn events in real-time.
type Subscriber struct {
	Ch chan TurnEvent
}
