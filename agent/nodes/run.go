package nodes

import (
	"fmt"
	"slices"
	"time"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

// Run is the value threaded through one controller invocation. Phase only
// moves through Advance or Abort so every step is checked against the
// transition table.
type Run struct {
	ConversationID string
	Decision       contractx.Decision
	Phase          contractx.WorkflowState
	Context        contractx.WorkflowContext
	History        []contractx.Turn
	Path           []contractx.WorkflowState
	Booking        *contractx.BookingRecord
	Reply          string
	Failure        *Failure
	Now            time.Time

	// Set on confirmation runs only.
	Confirm  *ConfirmInput
	Conflict *contractx.BookingRecord
	Rejected error
}

// ConfirmInput is an explicit confirmation of one candidate. Zero echo fields
// are not checked.
type ConfirmInput struct {
	SlotID       string
	Patient      contractx.PatientIdentity
	EchoProvider contractx.ProviderType
	EchoStart    time.Time
}

// Reject refuses a confirmation without moving the run.
func (r *Run) Reject(err error) *Run {
	r.Rejected = err
	return r
}

// Failure records the stage that aborted a run and why.
type Failure struct {
	Stage contractx.WorkflowState
	Err   error
}

func (f *Failure) Kind() string {
	if f == nil {
		return contractx.KindNone
	}
	return contractx.Kind(f.Err)
}

func (f *Failure) Error() string {
	if f == nil || f.Err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", f.Stage, f.Err)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

var transitions = map[contractx.WorkflowState][]contractx.WorkflowState{
	contractx.StateIdle: {contractx.StateTriage},
	contractx.StateTriage: {
		contractx.StateTriage,
		contractx.StateProviderMatching,
		contractx.StateScheduling,
		contractx.StateAborted,
	},
	contractx.StateProviderMatching: {contractx.StateScheduling, contractx.StateAborted},
	contractx.StateScheduling: {
		contractx.StateScheduling,
		contractx.StateAwaitingConfirmation,
		contractx.StateAborted,
	},
	contractx.StateAwaitingConfirmation: {
		contractx.StateAwaitingConfirmation,
		contractx.StateScheduling,
		contractx.StateBooked,
		contractx.StateAborted,
	},
	contractx.StateBooked:  {contractx.StateIdle},
	contractx.StateAborted: {contractx.StateIdle},
}

func CanTransition(from, to contractx.WorkflowState) bool {
	return slices.Contains(transitions[from], to)
}

func NewRun(conversationID string, phase contractx.WorkflowState, wctx contractx.WorkflowContext, now time.Time) *Run {
	if phase == "" {
		phase = contractx.StateIdle
	}
	return &Run{
		ConversationID: conversationID,
		Phase:          phase,
		Context:        wctx,
		Path:           []contractx.WorkflowState{phase},
		Now:            now,
	}
}

func (r *Run) Advance(to contractx.WorkflowState) error {
	if !CanTransition(r.Phase, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", contractx.ErrInvariantViolation, r.Phase, to)
	}
	r.Phase = to
	r.Path = append(r.Path, to)
	return nil
}

// Restart drops a run back to idle, keeping its context, so it can be entered
// again through triage.
func (r *Run) Restart() {
	if r.Phase == contractx.StateIdle {
		return
	}
	r.Phase = contractx.StateIdle
	r.Path = append(r.Path, contractx.StateIdle)
}

// Abort moves the run to aborted from any non-terminal phase.
func (r *Run) Abort(stage contractx.WorkflowState, err error) *Run {
	r.Failure = &Failure{Stage: stage, Err: err}
	if r.Phase != contractx.StateAborted {
		r.Phase = contractx.StateAborted
		r.Path = append(r.Path, contractx.StateAborted)
	}
	return r
}

func (r *Run) Aborted() bool {
	return r.Phase == contractx.StateAborted
}

func (r *Run) Visited(state contractx.WorkflowState) bool {
	return slices.Contains(r.Path, state)
}
