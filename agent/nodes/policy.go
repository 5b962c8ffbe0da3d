package nodes

import (
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

// ResumePhase is the phase a session waits in after a run ended with f, and
// whether its workflow context survives. Backend failures resume the failed
// stage; validation failures restart from triage with the context intact.
func ResumePhase(f *Failure) (contractx.WorkflowState, bool) {
	if f == nil {
		return contractx.StateIdle, false
	}
	switch f.Kind() {
	case contractx.KindBackend:
		switch f.Stage {
		case contractx.StateProviderMatching, contractx.StateIdle, "":
			return contractx.StateTriage, true
		case contractx.StateAwaitingConfirmation, contractx.StateBooked:
			return contractx.StateScheduling, true
		default:
			return f.Stage, true
		}
	case contractx.KindValidation:
		return contractx.StateTriage, true
	default:
		return contractx.StateIdle, false
	}
}
