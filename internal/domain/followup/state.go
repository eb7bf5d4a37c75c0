// Package followup manages the follow-up lifecycle: creation from a form,
// completion and cancellation, and the list reload that follows each change.
package followup

import (
	"fmt"

	"github.com/ehr/medtrack/internal/domain/prescription"
)

// Action is a lifecycle transition request.
type Action string

const (
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// Transition applies action to a follow-up in state from. Only pending
// follow-ups move; a terminal state yields a ConflictError.
func Transition(from prescription.Status, action Action) (prescription.Status, error) {
	if from.Terminal() {
		return from, &prescription.ConflictError{Message: fmt.Sprintf("follow-up is already %s", from)}
	}
	if from != prescription.StatusPending {
		return from, fmt.Errorf("unknown follow-up status %q", from)
	}
	switch action {
	case ActionComplete:
		return prescription.StatusCompleted, nil
	case ActionCancel:
		return prescription.StatusCanceled, nil
	}
	return from, fmt.Errorf("unknown follow-up action %q", action)
}
