package machine

import (
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/belief"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/hypothesis"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

// Event is an input to Step.
type Event interface {
	event()
}

// Message is one user turn.
type Message struct {
	Text       string
	ArtifactID string
}

// ArtifactAnalyzed feeds back the result of an AnalyzeArtifact effect.
type ArtifactAnalyzed struct {
	ArtifactID  string
	Path        string
	MediaType   string
	Components  []belief.Component
	Connections int
}

// ArtifactUnavailable reports that an AnalyzeArtifact effect could not
// locate or read the artifact.
type ArtifactUnavailable struct {
	ArtifactID string
	Reason     string
}

// HypothesisReady feeds back the result of a GenerateHypothesis effect. A
// non-nil Err is treated as a zero-confidence empty result.
type HypothesisReady struct {
	Result types.Diagnosis
	Err    error
}

func (Message) event()             {}
func (ArtifactAnalyzed) event()    {}
func (ArtifactUnavailable) event() {}
func (HypothesisReady) event()     {}

// Effect is a request for the caller to perform IO and feed the result back
// as an event.
type Effect interface {
	effect()
}

// AnalyzeArtifact asks the caller to load and analyze an uploaded artifact,
// answering with ArtifactAnalyzed or ArtifactUnavailable.
type AnalyzeArtifact struct {
	ArtifactID string
}

// GenerateHypothesis asks the caller to run the hypothesis generator,
// answering with HypothesisReady.
type GenerateHypothesis struct {
	Request hypothesis.Request
}

func (AnalyzeArtifact) effect()    {}
func (GenerateHypothesis) effect() {}

// Signal names a notable thing that happened during a step.
type Signal string

const (
	SignalTestAsked         Signal = "test_asked"
	SignalTestAnswered      Signal = "test_answered"
	SignalFixProposed       Signal = "fix_proposed"
	SignalFixConfirmed      Signal = "fix_confirmed"
	SignalFixRejected       Signal = "fix_rejected"
	SignalArtifactRequested Signal = "artifact_requested"
	SignalArtifactApplied   Signal = "artifact_applied"
	SignalQuestionsQueued   Signal = "questions_queued"
	SignalHypothesisApplied Signal = "hypothesis_applied"
	SignalResolved          Signal = "resolved"
)

// Outcome is the result of one Step. Exactly one of Reply and Effect is set.
type Outcome struct {
	Reply   *types.Result
	Effect  Effect
	Signals []Signal
}

// Has reports whether sig was emitted.
func (o Outcome) Has(sig Signal) bool {
	for _, s := range o.Signals {
		if s == sig {
			return true
		}
	}
	return false
}

func (o Outcome) with(sigs ...Signal) Outcome {
	o.Signals = append(sigs, o.Signals...)
	return o
}
