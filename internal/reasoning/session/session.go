// Package session defines the persisted state of one diagnostic
// conversation and its schema migration.
package session

import (
	"time"

	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/belief"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

// SchemaVersion is the version written by Encode.
const SchemaVersion = 1

// Stage is the session's position in the diagnostic conversation.
type Stage string

const (
	StageInit              Stage = "init"
	StageGathering         Stage = "gathering"
	StageDiagnosing        Stage = "diagnosing"
	StageProposing         Stage = "proposing"
	StageVerifying         Stage = "verifying"
	StageAwaitingArtifacts Stage = "awaiting_artifacts"
	StageResolved          Stage = "resolved"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageInit, StageGathering, StageDiagnosing, StageProposing,
		StageVerifying, StageAwaitingArtifacts, StageResolved:
		return true
	}
	return false
}

// Artifact kinds
const (
	ArtifactSchematic = "schematic"
)

// Question is an entry of the pending question queue.
type Question struct {
	Text       string     `json:"text"`
	TestID     string     `json:"testId,omitempty"`
	AskedAt    *time.Time `json:"askedAt,omitempty"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
}

// Answered reports whether the question has an answer.
func (q Question) Answered() bool {
	return q.AnsweredAt != nil
}

// Artifact records uploaded evidence that has been analyzed.
type Artifact struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Path       string    `json:"path"`
	MediaType  string    `json:"mediaType,omitempty"`
	Components int       `json:"components"`
	AnalyzedAt time.Time `json:"analyzedAt"`
}

// Session is the unit of conversation state.
type Session struct {
	ID            string `json:"id"`
	SchemaVersion int    `json:"schemaVersion"`

	// Version is the store revision this snapshot was read at. Stores use it
	// for compare-and-set writes.
	Version int64 `json:"version"`

	Stage     Stage             `json:"stage"`
	History   []string          `json:"history"`
	Responses map[string]string `json:"responses"`
	Questions []Question        `json:"questions"`
	Tags      []string          `json:"tags"`

	Beliefs       belief.Beliefs `json:"beliefs"`
	SymptomIDs    []string       `json:"symptomIds"`
	AskedTests    []string       `json:"askedTests"`
	PendingTestID string         `json:"pendingTestId,omitempty"`

	ProposedCauseID    string  `json:"proposedCauseId,omitempty"`
	ProposedFix        *string `json:"proposedFix,omitempty"`
	VerificationPrompt string  `json:"verificationPrompt,omitempty"`

	TriedCauses        []string `json:"triedCauses"`
	ResolutionAttempts int      `json:"resolutionAttempts"`
	AutoLoopCount      int      `json:"autoLoopCount"`

	Artifacts           []Artifact `json:"artifacts"`
	PendingArtifactKind string     `json:"pendingArtifactKind,omitempty"`

	Diagnosis *types.Diagnosis `json:"diagnosis,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New returns a session at creation defaults.
func New(id string, now time.Time) *Session {
	s := &Session{ID: id, CreatedAt: now, UpdatedAt: now}
	s.applyDefaults()
	return s
}

// applyDefaults fills every optional field with its empty form.
func (s *Session) applyDefaults() {
	s.SchemaVersion = SchemaVersion
	if !s.Stage.Valid() {
		s.Stage = StageInit
	}
	if s.History == nil {
		s.History = []string{}
	}
	if s.Responses == nil {
		s.Responses = map[string]string{}
	}
	if s.Questions == nil {
		s.Questions = []Question{}
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	if s.Beliefs == nil {
		s.Beliefs = belief.Beliefs{}
	}
	if s.SymptomIDs == nil {
		s.SymptomIDs = []string{}
	}
	if s.AskedTests == nil {
		s.AskedTests = []string{}
	}
	if s.TriedCauses == nil {
		s.TriedCauses = []string{}
	}
	if s.Artifacts == nil {
		s.Artifacts = []Artifact{}
	}
}

// Complaint is the first utterance of the episode.
func (s *Session) Complaint() string {
	if len(s.History) == 0 {
		return ""
	}
	return s.History[0]
}

// HasAsked reports whether a test has been consumed.
func (s *Session) HasAsked(testID string) bool {
	return contains(s.AskedTests, testID)
}

// HasTried reports whether a cause's fix was already rejected.
func (s *Session) HasTried(causeID string) bool {
	return contains(s.TriedCauses, causeID)
}

// NextUnanswered returns the index of the first unanswered question, or -1.
func (s *Session) NextUnanswered() int {
	for i, q := range s.Questions {
		if !q.Answered() {
			return i
		}
	}
	return -1
}

// ClearProposal drops the fix under verification.
func (s *Session) ClearProposal() {
	s.ProposedCauseID = ""
	s.ProposedFix = nil
	s.VerificationPrompt = ""
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.History = append([]string(nil), s.History...)
	c.Responses = make(map[string]string, len(s.Responses))
	for k, v := range s.Responses {
		c.Responses[k] = v
	}
	c.Questions = append([]Question(nil), s.Questions...)
	c.Tags = append([]string(nil), s.Tags...)
	c.Beliefs = s.Beliefs.Clone()
	c.SymptomIDs = append([]string(nil), s.SymptomIDs...)
	c.AskedTests = append([]string(nil), s.AskedTests...)
	c.TriedCauses = append([]string(nil), s.TriedCauses...)
	c.Artifacts = append([]Artifact(nil), s.Artifacts...)
	if s.ProposedFix != nil {
		fix := *s.ProposedFix
		c.ProposedFix = &fix
	}
	if s.Diagnosis != nil {
		d := *s.Diagnosis
		c.Diagnosis = &d
	}
	c.applyDefaults()
	return &c
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
