package machine

import (
	"fmt"

	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/session"
)

var validTransitions = map[session.Stage][]session.Stage{
	session.StageInit: {
		session.StageGathering, session.StageVerifying,
		session.StageAwaitingArtifacts, session.StageDiagnosing,
	},
	session.StageGathering: {
		session.StageGathering, session.StageVerifying,
		session.StageAwaitingArtifacts, session.StageDiagnosing,
	},
	session.StageDiagnosing: {
		session.StageDiagnosing, session.StageGathering,
		session.StageAwaitingArtifacts, session.StageResolved,
	},
	session.StageProposing: {
		session.StageVerifying, session.StageResolved, session.StageGathering,
		session.StageAwaitingArtifacts, session.StageDiagnosing,
	},
	session.StageVerifying: {
		session.StageVerifying, session.StageResolved, session.StageGathering,
		session.StageAwaitingArtifacts, session.StageDiagnosing,
	},
	session.StageAwaitingArtifacts: {
		session.StageAwaitingArtifacts, session.StageGathering,
		session.StageVerifying, session.StageDiagnosing,
	},
	session.StageResolved: {session.StageResolved}, // Terminal until reset
}

// ValidateTransition checks if a stage transition is valid. Only a reset
// returns a session to init, so no edge leads there.
func ValidateTransition(from, to session.Stage) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("invalid current stage: %s", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid stage transition: %s → %s", from, to)
}
