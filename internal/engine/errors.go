package engine

import (
	"fmt"

	"github.com/roach88/vizq/internal/errors"
)

// Phase names the part of an iteration that failed.
type Phase string

const (
	// PhaseSetup is engine initialization.
	PhaseSetup Phase = "setup"

	// PhaseRequest is mailbox consumption and the answering publish.
	PhaseRequest Phase = "request"

	// PhaseClaim is claiming due commands.
	PhaseClaim Phase = "claim"

	// PhaseExecute is running and recording one command.
	PhaseExecute Phase = "execute"

	// PhasePublish is the post-batch snapshot publish.
	PhasePublish Phase = "publish"

	// PhaseHeartbeat is the heartbeat write.
	PhaseHeartbeat Phase = "heartbeat"

	// PhaseMaintenance is sweep, request collection and retention.
	PhaseMaintenance Phase = "maintenance"

	// PhasePanic marks a recovered panic.
	PhasePanic Phase = "panic"
)

// IterationError is an error that ended an iteration early.
//
// CommandID is set when the failure happened while recording a specific
// command; the command keeps whatever status it had reached.
type IterationError struct {
	Loop      int64
	Phase     Phase
	CommandID string
	Err       error
}

// Error implements the error interface.
func (e *IterationError) Error() string {
	if e.CommandID != "" {
		return fmt.Sprintf("iteration %d: %s (command=%s): %v", e.Loop, e.Phase, e.CommandID, e.Err)
	}
	return fmt.Sprintf("iteration %d: %s: %v", e.Loop, e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *IterationError) Unwrap() error { return e.Err }

// PhaseOf returns the phase of the first IterationError in err's chain,
// or "" when there is none.
func PhaseOf(err error) Phase {
	var ie *IterationError
	if errors.As(err, &ie) {
		return ie.Phase
	}
	return ""
}

// IsPanic reports whether err came from a recovered panic.
func IsPanic(err error) bool {
	return PhaseOf(err) == PhasePanic
}
