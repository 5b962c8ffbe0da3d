package nodes

import (
	"errors"
	"fmt"
	"testing"
	"time"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

var fixedNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func TestRunAdvanceFollowsTransitionTable(t *testing.T) {
	t.Parallel()

	run := NewRun("conv", "", contractx.WorkflowContext{}, fixedNow)
	steps := []contractx.WorkflowState{
		contractx.StateTriage,
		contractx.StateProviderMatching,
		contractx.StateScheduling,
		contractx.StateAwaitingConfirmation,
		contractx.StateBooked,
		contractx.StateIdle,
	}
	for _, step := range steps {
		if err := run.Advance(step); err != nil {
			t.Fatalf("Advance(%s) error = %v", step, err)
		}
	}
	if len(run.Path) != len(steps)+1 {
		t.Fatalf("Path = %v", run.Path)
	}
}

func TestRunAdvanceRejectsSkips(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to contractx.WorkflowState
	}{
		{contractx.StateIdle, contractx.StateScheduling},
		{contractx.StateIdle, contractx.StateBooked},
		{contractx.StateTriage, contractx.StateAwaitingConfirmation},
		{contractx.StateProviderMatching, contractx.StateBooked},
		{contractx.StateScheduling, contractx.StateBooked},
		{contractx.StateBooked, contractx.StateScheduling},
	}
	for _, tc := range tests {
		run := NewRun("conv", tc.from, contractx.WorkflowContext{}, fixedNow)
		err := run.Advance(tc.to)
		if !errors.Is(err, contractx.ErrInvariantViolation) {
			t.Fatalf("Advance(%s -> %s) error = %v, want ErrInvariantViolation", tc.from, tc.to, err)
		}
		if run.Phase != tc.from {
			t.Fatalf("Phase = %s after rejected advance, want %s", run.Phase, tc.from)
		}
	}
}

func TestRunAbort(t *testing.T) {
	t.Parallel()

	run := NewRun("conv", contractx.StateScheduling, contractx.WorkflowContext{}, fixedNow)
	run.Abort(contractx.StateScheduling, fmt.Errorf("%w: boom", contractx.ErrBackendFailure))

	if !run.Aborted() || !run.Visited(contractx.StateAborted) {
		t.Fatalf("run not aborted: %#v", run)
	}
	if run.Failure.Kind() != contractx.KindBackend {
		t.Fatalf("Failure.Kind() = %q", run.Failure.Kind())
	}
	if !errors.Is(run.Failure, contractx.ErrBackendFailure) {
		t.Fatalf("Failure does not unwrap to ErrBackendFailure")
	}
}

func TestResumePhase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failure   *Failure
		wantPhase contractx.WorkflowState
		wantKeep  bool
	}{
		{"backend in scheduling", &Failure{Stage: contractx.StateScheduling, Err: contractx.ErrBackendFailure}, contractx.StateScheduling, true},
		{"backend in triage", &Failure{Stage: contractx.StateTriage, Err: contractx.ErrModelInvoke}, contractx.StateTriage, true},
		{"backend in matching", &Failure{Stage: contractx.StateProviderMatching, Err: contractx.ErrBackendFailure}, contractx.StateTriage, true},
		{"backend in proposal", &Failure{Stage: contractx.StateAwaitingConfirmation, Err: contractx.ErrBackendFailure}, contractx.StateScheduling, true},
		{"validation", &Failure{Stage: contractx.StateScheduling, Err: contractx.ErrValidation}, contractx.StateTriage, true},
		{"no availability", &Failure{Stage: contractx.StateScheduling, Err: contractx.ErrNoAvailability}, contractx.StateIdle, false},
		{"invariant", &Failure{Stage: contractx.StateScheduling, Err: contractx.ErrInvariantViolation}, contractx.StateIdle, false},
	}
	for _, tc := range tests {
		phase, keep := ResumePhase(tc.failure)
		if phase != tc.wantPhase || keep != tc.wantKeep {
			t.Fatalf("%s: ResumePhase() = %s, %v, want %s, %v", tc.name, phase, keep, tc.wantPhase, tc.wantKeep)
		}
	}
}
